package migrator

import (
	"context"
	"fmt"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

// readerLoop pushes every record of parts, in listing order, into the raw
// queue. On success it sets sourceDrained and closes the raw queue so the
// workers can drain it. Any error is fatal to the run.
func (p *Pipeline) readerLoop(ctx context.Context, src store.Source, parts []store.Partition) error {
	log := p.log.With("stage", metrics.StageReader)

	for _, part := range parts {
		var n int
		err := src.Iterate(ctx, part, func(key, value []byte) error {
			rec := RawRecord{Partition: part, Key: key, Value: value}
			if err := p.raw.Push(ctx, rec); err != nil {
				return err
			}
			n++
			p.read.Add(1)
			if p.metrics != nil {
				p.metrics.IncRead(part.Name())
			}
			p.observeDepth()
			return nil
		})
		if err != nil {
			return fmt.Errorf("read partition %s: %w", part.Name(), err)
		}
		log.Debug("partition read", "partition", part.Name(), "records", n)
	}

	if err := p.state.MarkSourceDrained(); err != nil {
		return err
	}
	p.raw.Close()
	p.markDrained(metrics.StageReader)

	log.Info("source drained", "records", p.read.Load())
	return nil
}
