// Package migrator streams every record of a source store through a pool of
// digest workers into a destination store.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/digest"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/queue"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

var (
	// ErrTooManyFailures is returned once more records were dropped than
	// Options.MaxRecordFailures allows.
	ErrTooManyFailures = errors.New("too many record failures")

	// ErrPipelineUsed is returned when Run is called twice on one Pipeline.
	ErrPipelineUsed = errors.New("pipeline already run")
)

// Options configures a Pipeline. Zero values select the defaults.
type Options struct {
	Workers           int           // digest workers, default 1
	QueueSize         int           // capacity of each queue, 0 = unbounded
	WriteRetries      int           // extra attempts per failed Put
	RetryBackoff      time.Duration // first retry delay, doubled per attempt
	MaxRecordFailures int           // 0 = unlimited
	Digest            digest.Func   // default digest.SHA256
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Pipeline implements the reader → workers → writer flow for one run.
// The reader, every worker and the writer run concurrently; the calling
// goroutine only sequences their completion.
type Pipeline struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	state *State
	raw   *queue.Queue[RawRecord]
	out   *queue.Queue[DigestedRecord]

	started atomic.Bool
	cancel  context.CancelCauseFunc
	failMu  sync.Mutex
	fatal   error

	read           atomic.Int64
	digested       atomic.Int64
	written        atomic.Int64
	digestFailures atomic.Int64
	writeFailures  atomic.Int64
	retries        atomic.Int64
}

// NewPipeline creates a pipeline. A Pipeline runs once.
func NewPipeline(opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if opts.Digest == nil {
		opts.Digest = digest.SHA256
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Pipeline{
		opts:    opts,
		log:     log.With("component", "pipeline"),
		metrics: opts.Metrics,
		state:   &State{},
		raw:     queue.New[RawRecord](opts.QueueSize),
		out:     queue.New[DigestedRecord](opts.QueueSize),
	}
}

// State exposes the completion signals, mainly for tests and reports.
func (p *Pipeline) State() *State {
	return p.state
}

// Run migrates every record of src into dst. dst receives partitions with
// the same names, in the same order, as src. Per-record failures are logged
// and dropped; listing, partition creation and iteration failures abort the
// run. Run returns only after every stage has stopped.
func (p *Pipeline) Run(ctx context.Context, src store.Source, dst store.Destination) (*Stats, error) {
	if !p.started.CompareAndSwap(false, true) {
		return nil, ErrPipelineUsed
	}

	stats := &Stats{StartedAt: time.Now()}
	defer func() {
		stats.FinishedAt = time.Now()
		p.fillStats(stats)
	}()

	srcParts, err := src.ListPartitions()
	if err != nil {
		return stats, fmt.Errorf("list source partitions: %w", err)
	}
	dstParts, err := dst.CreatePartitions(store.Names(srcParts))
	if err != nil {
		return stats, fmt.Errorf("create destination partitions: %w", err)
	}
	if len(dstParts) != len(srcParts) {
		return stats, fmt.Errorf("destination created %d partitions, source has %d", len(dstParts), len(srcParts))
	}
	stats.Partitions = len(srcParts)

	targets := make(map[store.Partition]store.Partition, len(srcParts))
	for i, sp := range srcParts {
		targets[sp] = dstParts[i]
	}

	p.log.Info("starting pipeline",
		"partitions", len(srcParts),
		"workers", p.opts.Workers,
		"queue_size", p.opts.QueueSize,
	)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.cancel = cancel

	readerDone := make(chan error, 1)
	writerDone := make(chan error, 1)

	go func() {
		readerDone <- p.fail(p.readerLoop(ctx, src, srcParts))
	}()
	go func() {
		writerDone <- p.fail(p.writerLoop(ctx, dst, targets))
	}()

	var pool errgroup.Group
	for i := 0; i < p.opts.Workers; i++ {
		workerID := i
		pool.Go(func() error {
			return p.fail(p.workerLoop(ctx, workerID))
		})
	}

	readerErr := <-readerDone
	poolErr := pool.Wait()

	if readerErr == nil && poolErr == nil {
		if err := p.state.MarkDigestDrained(); err != nil {
			p.fail(err)
		} else {
			p.markDrained(metrics.StageDigest)
			p.log.Debug("digest pool drained")
		}
		p.out.Close()
	}

	<-writerDone

	if err := p.fatalErr(); err != nil {
		p.log.Error("pipeline aborted", "error", err)
		return stats, err
	}

	p.log.Info("pipeline complete",
		"read", p.read.Load(),
		"written", p.written.Load(),
		"digest_failures", p.digestFailures.Load(),
		"write_failures", p.writeFailures.Load(),
	)
	return stats, nil
}

// fail records the first fatal error and cancels every stage. It returns err.
func (p *Pipeline) fail(err error) error {
	if err == nil {
		return nil
	}

	p.failMu.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	p.failMu.Unlock()

	if p.cancel != nil {
		p.cancel(err)
	}
	return err
}

func (p *Pipeline) fatalErr() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.fatal
}

// recordFailure counts a dropped record and enforces MaxRecordFailures.
func (p *Pipeline) recordFailure(stage string) error {
	var counter *atomic.Int64
	if stage == metrics.StageDigest {
		counter = &p.digestFailures
	} else {
		counter = &p.writeFailures
	}
	counter.Add(1)

	if p.metrics != nil {
		p.metrics.IncFailure(stage)
	}

	total := p.digestFailures.Load() + p.writeFailures.Load()
	if limit := p.opts.MaxRecordFailures; limit > 0 && total > int64(limit) {
		return fmt.Errorf("%w: %d dropped, limit %d", ErrTooManyFailures, total, limit)
	}
	return nil
}

func (p *Pipeline) observeDepth() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetQueueDepth(metrics.QueueRaw, p.raw.Len())
	p.metrics.SetQueueDepth(metrics.QueueWrite, p.out.Len())
}

func (p *Pipeline) markDrained(stage string) {
	if p.metrics != nil {
		p.metrics.MarkDrained(stage)
	}
}

func (p *Pipeline) fillStats(s *Stats) {
	s.Read = p.read.Load()
	s.Digested = p.digested.Load()
	s.Written = p.written.Load()
	s.DigestFailures = p.digestFailures.Load()
	s.WriteFailures = p.writeFailures.Load()
	s.Retries = p.retries.Load()
	s.State = p.state.Snapshot()
}
