package migrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/digest"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

func TestPipelineCompleteness(t *testing.T) {
	parts := generated(3, 200)
	want := expected(t, parts...)

	for _, workers := range []int{1, 2, 4, 8} {
		for _, queueSize := range []int{0, 3} {
			t.Run(fmt.Sprintf("workers=%d/queue=%d", workers, queueSize), func(t *testing.T) {
				src := newSource(t, parts...)
				dst := store.NewMemory()

				p := NewPipeline(Options{Workers: workers, QueueSize: queueSize})
				stats, err := p.Run(context.Background(), src, dst)
				require.NoError(t, err)

				assert.Equal(t, want, dst.Snapshot())
				assert.Equal(t, int64(600), stats.Read)
				assert.Equal(t, int64(600), stats.Digested)
				assert.Equal(t, int64(600), stats.Written)
				assert.Zero(t, stats.Failures())
				assert.Equal(t, 3, stats.Partitions)
				assert.True(t, stats.State.Complete())
			})
		}
	}
}

func TestPipelineTwoPartitionScenario(t *testing.T) {
	a := partitionData{name: "A", records: [][2]string{{"k1", "v1"}}}
	b := partitionData{name: "B", records: [][2]string{{"k2", "v2"}, {"k3", "v3"}}}

	src := newSource(t, a, b)
	dst := store.NewMemory()

	p := NewPipeline(Options{Workers: 2})
	stats, err := p.Run(context.Background(), src, dst)
	require.NoError(t, err)

	got := dst.Snapshot()
	assert.Equal(t, expected(t, a, b), got)
	assert.Len(t, got["A"], 1)
	assert.Len(t, got["B"], 2)
	assert.Equal(t, 3, dst.Len())

	snap := p.State().Snapshot()
	assert.True(t, snap.SourceDrained)
	assert.True(t, snap.DigestDrained)
	assert.True(t, snap.SinkDrained)
	assert.Equal(t, snap, stats.State)
}

func TestPipelineDestinationMirrorsPartitionOrder(t *testing.T) {
	src := newSource(t,
		partitionData{name: "zeta"},
		partitionData{name: "alpha", records: [][2]string{{"k", "v"}}},
		partitionData{name: "mid"},
	)
	dst := store.NewMemory()

	_, err := NewPipeline(Options{Workers: 2}).Run(context.Background(), src, dst)
	require.NoError(t, err)

	parts, err := dst.ListPartitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, store.Names(parts))
	for i, p := range parts {
		assert.Equal(t, i, p.Index())
	}
}

func TestPipelineEmptySource(t *testing.T) {
	t.Run("empty partitions", func(t *testing.T) {
		src := newSource(t, partitionData{name: "A"}, partitionData{name: "B"})
		dst := store.NewMemory()

		p := NewPipeline(Options{Workers: 3})
		stats, err := p.Run(context.Background(), src, dst)
		require.NoError(t, err)

		assert.Zero(t, dst.Len())
		assert.Equal(t, map[string]map[string]string{"A": {}, "B": {}}, dst.Snapshot())
		assert.True(t, stats.State.SinkDrained)
	})

	t.Run("no partitions", func(t *testing.T) {
		dst := store.NewMemory()
		p := NewPipeline(Options{})
		stats, err := p.Run(context.Background(), store.NewMemory(), dst)
		require.NoError(t, err)

		assert.Zero(t, stats.Partitions)
		assert.True(t, p.State().Snapshot().Complete())
	})
}

func TestPipelineSingleWriteFailure(t *testing.T) {
	parts := generated(2, 5)
	src := newSource(t, parts...)

	dst := newFaultyDestination()
	dst.fail = func(key string, _ int) error {
		if key == "key-00003" {
			return errors.New("simulated write failure")
		}
		return nil
	}

	log, logs := testLogger()
	p := NewPipeline(Options{Workers: 2, Logger: log})
	stats, err := p.Run(context.Background(), src, dst)
	require.NoError(t, err, "a per-record failure must not fail the run")

	want := expected(t, parts...)
	delete(want["part_0"], "key-00003")
	assert.Equal(t, want, dst.Snapshot())

	assert.Equal(t, int64(9), stats.Written)
	assert.Equal(t, int64(1), stats.WriteFailures)
	assert.True(t, stats.State.Complete())

	out := logs.String()
	assert.Contains(t, out, "write failed")
	assert.Contains(t, out, "key=key-00003")
	assert.Contains(t, out, "partition=part_0")
}

func TestPipelineWriteRetries(t *testing.T) {
	src := newSource(t, partitionData{name: "A", records: [][2]string{{"k1", "v1"}, {"k2", "v2"}}})

	dst := newFaultyDestination()
	dst.fail = func(key string, attempt int) error {
		if key == "k2" && attempt <= 2 {
			return errors.New("transient")
		}
		return nil
	}

	m := metrics.New("retry_test")
	p := NewPipeline(Options{Workers: 1, WriteRetries: 2, RetryBackoff: time.Millisecond, Metrics: m})
	stats, err := p.Run(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Written)
	assert.Equal(t, int64(2), stats.Retries)
	assert.Zero(t, stats.WriteFailures)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RetryAttempts.WithLabelValues("put")))
}

func TestPipelineRetriesExhausted(t *testing.T) {
	src := newSource(t, partitionData{name: "A", records: [][2]string{{"k1", "v1"}}})

	dst := newFaultyDestination()
	dst.fail = func(string, int) error { return errors.New("permanent") }

	p := NewPipeline(Options{WriteRetries: 3, RetryBackoff: time.Millisecond})
	stats, err := p.Run(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.WriteFailures)
	assert.Equal(t, int64(3), stats.Retries)
	assert.Equal(t, 4, dst.attempts["k1"])
	assert.Zero(t, dst.Len())
}

func TestPipelineDigestFailure(t *testing.T) {
	src := newSource(t, partitionData{name: "A", records: [][2]string{
		{"bad", "x"}, {"good1", "y"}, {"good2", "z"},
	}})
	dst := store.NewMemory()

	failing := func(key, value []byte) (digest.Value, error) {
		if string(key) == "bad" {
			return digest.Value{}, errors.New("digest exploded")
		}
		return digest.SHA256(key, value)
	}

	m := metrics.New("digest_failure_test")
	log, logs := testLogger()
	p := NewPipeline(Options{Workers: 2, Digest: failing, Metrics: m, Logger: log})
	stats, err := p.Run(context.Background(), src, dst)
	require.NoError(t, err)

	got := dst.Snapshot()["A"]
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "bad")
	assert.Equal(t, int64(1), stats.DigestFailures)
	assert.Equal(t, int64(2), stats.Written)
	assert.Contains(t, logs.String(), "key=bad")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordFailures.WithLabelValues(metrics.StageDigest)))
}

func TestPipelineMaxRecordFailures(t *testing.T) {
	src := newSource(t, generated(1, 50)...)

	dst := newFaultyDestination()
	dst.fail = func(string, int) error { return errors.New("disk full") }

	p := NewPipeline(Options{Workers: 2, QueueSize: 4, MaxRecordFailures: 2})
	stats, err := p.Run(context.Background(), src, dst)
	require.ErrorIs(t, err, ErrTooManyFailures)

	assert.Equal(t, int64(3), stats.WriteFailures)
	assert.False(t, stats.State.SinkDrained)
}

func TestPipelineIterateErrorIsFatal(t *testing.T) {
	boom := errors.New("corrupt page")
	src := &brokenSource{Memory: newSource(t, generated(2, 10)...), after: 3, err: boom}
	dst := store.NewMemory()

	p := NewPipeline(Options{Workers: 2, QueueSize: 1})
	stats, err := p.Run(context.Background(), src, dst)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "part_0")

	snap := stats.State
	assert.False(t, snap.SourceDrained)
	assert.False(t, snap.DigestDrained)
	assert.False(t, snap.SinkDrained)
}

func TestPipelineListErrorIsFatal(t *testing.T) {
	boom := errors.New("cannot list")
	src := &brokenSource{Memory: store.NewMemory("A"), listErr: boom}

	_, err := NewPipeline(Options{}).Run(context.Background(), src, store.NewMemory())
	require.ErrorIs(t, err, boom)
}

func TestPipelineCreatePartitionsErrorIsFatal(t *testing.T) {
	src := newSource(t, partitionData{name: "A"})
	dst := store.NewMemory()
	require.NoError(t, dst.Close())

	_, err := NewPipeline(Options{}).Run(context.Background(), src, dst)
	require.ErrorIs(t, err, store.ErrClosed)
}

func TestPipelineCancellation(t *testing.T) {
	src := newSource(t, generated(2, 500)...)

	dst := newFaultyDestination()
	dst.delay = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	done := make(chan struct{})
	var (
		stats *Stats
		err   error
	)
	go func() {
		stats, err = NewPipeline(Options{Workers: 4, QueueSize: 8}).Run(ctx, src, dst)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, stats.Written, int64(1000))
	assert.False(t, stats.State.SinkDrained)
}

func TestPipelineDeterministicOrderSingleWorker(t *testing.T) {
	parts := generated(3, 20)

	var want []string
	for _, p := range parts {
		for _, rec := range p.records {
			want = append(want, p.name+"/"+rec[0])
		}
	}

	for run := 0; run < 3; run++ {
		dst := newFaultyDestination()
		_, err := NewPipeline(Options{Workers: 1, QueueSize: 2}).Run(context.Background(), newSource(t, parts...), dst)
		require.NoError(t, err)
		assert.Equal(t, want, dst.Order())
	}
}

func TestPipelineResultIndependentOfWorkers(t *testing.T) {
	parts := generated(4, 100)

	var snapshots []map[string]map[string]string
	for _, workers := range []int{1, 3, 16} {
		dst := store.NewMemory()
		_, err := NewPipeline(Options{Workers: workers}).Run(context.Background(), newSource(t, parts...), dst)
		require.NoError(t, err)
		snapshots = append(snapshots, dst.Snapshot())
	}

	for _, s := range snapshots[1:] {
		assert.Equal(t, snapshots[0], s)
	}
}

func TestPipelineMetrics(t *testing.T) {
	src := newSource(t, partitionData{name: "A", records: [][2]string{{"k1", "v1"}, {"k2", "v2"}}})
	m := metrics.New("pipeline_test")

	_, err := NewPipeline(Options{Workers: 2, Metrics: m}).Run(context.Background(), src, store.NewMemory())
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordsRead.WithLabelValues("A")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordsDigested))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordsWritten.WithLabelValues("A")))
	for _, stage := range []string{metrics.StageReader, metrics.StageDigest, metrics.StageWriter} {
		assert.Equal(t, float64(1), testutil.ToFloat64(m.StageDrained.WithLabelValues(stage)), stage)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueueDepth.WithLabelValues(metrics.QueueWrite)))
}

func TestPipelineRunsOnce(t *testing.T) {
	p := NewPipeline(Options{})
	_, err := p.Run(context.Background(), store.NewMemory(), store.NewMemory())
	require.NoError(t, err)

	_, err = p.Run(context.Background(), store.NewMemory(), store.NewMemory())
	require.ErrorIs(t, err, ErrPipelineUsed)
}

func TestPipelineDigestsAreStoredAsHex(t *testing.T) {
	src := newSource(t, partitionData{name: "A", records: [][2]string{{"key", "value"}}})
	dst := store.NewMemory()

	_, err := NewPipeline(Options{}).Run(context.Background(), src, dst)
	require.NoError(t, err)

	parts, _ := dst.ListPartitions()
	v, ok := dst.Get(parts[0], []byte("key"))
	require.True(t, ok)
	assert.Len(t, v, digest.Size)
	assert.Equal(t, strings.ToLower(string(v)), string(v))
}
