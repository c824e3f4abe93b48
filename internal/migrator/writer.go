package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/queue"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

// writerLoop persists digested records until the write queue is drained,
// then sets sinkDrained. It is the only goroutine that mutates dst.
func (p *Pipeline) writerLoop(ctx context.Context, dst store.Destination, targets map[store.Partition]store.Partition) error {
	log := p.log.With("stage", metrics.StageWriter)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := p.out.Pop(ctx)
		if errors.Is(err, queue.ErrDrained) {
			break
		}
		if err != nil {
			return err
		}
		p.observeDepth()

		target, ok := targets[rec.Partition]
		if !ok {
			err = fmt.Errorf("%w: %s", store.ErrUnknownPartition, rec.Partition)
		} else {
			err = p.put(ctx, dst, target, rec)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("write failed, dropping record",
				"partition", rec.Partition.Name(),
				"key", string(rec.Key),
				"error", err,
			)
			if err := p.recordFailure(metrics.StageWriter); err != nil {
				return err
			}
			continue
		}

		p.written.Add(1)
		if p.metrics != nil {
			p.metrics.IncWritten(target.Name())
		}
		log.Debug("record written",
			"partition", target.Name(),
			"key", string(rec.Key),
			"digest", rec.Digest.String(),
		)
	}

	if err := p.state.MarkSinkDrained(); err != nil {
		return err
	}
	p.markDrained(metrics.StageWriter)
	p.observeDepth()

	log.Info("sink drained", "records", p.written.Load())
	return nil
}

// put writes one record, retrying with exponential backoff up to
// Options.WriteRetries extra times.
func (p *Pipeline) put(ctx context.Context, dst store.Destination, part store.Partition, rec DigestedRecord) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = dst.Put(part, rec.Key, rec.Digest.Bytes())
		if err == nil || attempt >= p.opts.WriteRetries {
			return err
		}

		p.retries.Add(1)
		if p.metrics != nil {
			p.metrics.IncRetryAttempts("put")
		}
		backoff := p.opts.RetryBackoff * time.Duration(1<<attempt)
		p.log.Warn("write failed, retrying",
			"partition", part.Name(),
			"key", string(rec.Key),
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
