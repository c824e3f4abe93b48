package migrator

import (
	"context"
	"errors"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/logging"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/queue"
)

// workerLoop digests raw records until the raw queue is drained. A record
// whose digest fails is logged and dropped.
func (p *Pipeline) workerLoop(ctx context.Context, workerID int) error {
	log := logging.WorkerLogger(p.log, workerID)

	var processed int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := p.raw.Pop(ctx)
		if errors.Is(err, queue.ErrDrained) {
			log.Debug("worker finished", "records", processed)
			return nil
		}
		if err != nil {
			return err
		}
		p.observeDepth()

		sum, err := p.opts.Digest(rec.Key, rec.Value)
		if err != nil {
			log.Error("digest failed, dropping record",
				"partition", rec.Partition.Name(),
				"key", string(rec.Key),
				"error", err,
			)
			if err := p.recordFailure(metrics.StageDigest); err != nil {
				return err
			}
			continue
		}

		out := DigestedRecord{Partition: rec.Partition, Key: rec.Key, Digest: sum}
		if err := p.out.Push(ctx, out); err != nil {
			return err
		}
		processed++
		p.digested.Add(1)
		if p.metrics != nil {
			p.metrics.IncDigested()
		}
	}
}
