package migrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/config"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/digest"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/export"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/metrics"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/report"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Source.Path = filepath.Join(dir, "my_db")
	cfg.Source.Seed = true
	cfg.Output.Path = filepath.Join(dir, "hashed_db")
	cfg.Perf.Workers = 3
	cfg.Perf.QueueSize = 2
	cfg.Report.Enabled = true
	cfg.Report.Dir = filepath.Join(dir, "reports")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestMigratorEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Export.ParquetPath = filepath.Join(filepath.Dir(cfg.Output.Path), "digests.parquet")
	cfg.Publish.Backend = "local"
	cfg.Publish.LocalDir = filepath.Join(filepath.Dir(cfg.Output.Path), "artifacts")

	m := metrics.New("migrator_test")
	stats, err := New(cfg, WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 3, stats.Partitions)
	assert.Equal(t, int64(15), stats.Written)
	assert.True(t, stats.State.Complete())

	// Every source record is in the destination as its digest.
	src, err := store.OpenSource(cfg.Source.Path)
	require.NoError(t, err)
	defer src.Close()
	dst, err := store.OpenSource(cfg.Output.Path)
	require.NoError(t, err)
	defer dst.Close()

	srcParts, err := src.ListPartitions()
	require.NoError(t, err)
	dstParts, err := dst.ListPartitions()
	require.NoError(t, err)
	require.Equal(t, store.Names(srcParts), store.Names(dstParts))
	assert.Equal(t, []string{"ColumnFamily_1", "ColumnFamily_2", "ColumnFamily_3"}, store.Names(dstParts))

	for i, sp := range srcParts {
		want := map[string]string{}
		require.NoError(t, src.Iterate(context.Background(), sp, func(k, v []byte) error {
			d, err := digest.SHA256(k, v)
			want[string(k)] = d.String()
			return err
		}))
		got := map[string]string{}
		require.NoError(t, dst.Iterate(context.Background(), dstParts[i], func(k, v []byte) error {
			got[string(k)] = string(v)
			return nil
		}))
		assert.Equal(t, want, got, sp.Name())
	}

	rows, err := export.ReadParquet(cfg.Export.ParquetPath)
	require.NoError(t, err)
	assert.Len(t, rows, 15)

	mgr, err := report.NewManager(report.Config{Enabled: true, Dir: cfg.Report.Dir})
	require.NoError(t, err)
	r, err := mgr.Load(context.Background(), stats.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSuccess, r.Outcome)
	assert.Equal(t, int64(15), r.Written)
	assert.True(t, r.SinkDrained)
	assert.Len(t, r.Artifacts, 3)

	_, err = os.Stat(filepath.Join(cfg.Publish.LocalDir, "migrations", stats.RunID, "destination.db.zst"))
	assert.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues(report.OutcomeSuccess)))
}

func TestMigratorRerunOverwritesDigests(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(cfg).Run(context.Background())
	require.NoError(t, err)

	cfg.Source.Seed = false
	stats, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15), stats.Written)

	dst, err := store.OpenSource(cfg.Output.Path)
	require.NoError(t, err)
	defer dst.Close()
	parts, err := dst.ListPartitions()
	require.NoError(t, err)

	total := 0
	for _, p := range parts {
		require.NoError(t, dst.Iterate(context.Background(), p, func(_, _ []byte) error {
			total++
			return nil
		}))
	}
	assert.Equal(t, 15, total)
}

func TestMigratorMissingSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source.Seed = false

	stats, err := New(cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open source")
	assert.False(t, stats.State.SourceDrained)

	_, statErr := os.Stat(cfg.Output.Path)
	assert.True(t, os.IsNotExist(statErr), "no destination should be created when the source cannot be opened")

	mgr, err := report.NewManager(report.Config{Enabled: true, Dir: cfg.Report.Dir})
	require.NoError(t, err)
	r, err := mgr.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeFailed, r.Outcome)
	assert.NotEmpty(t, r.Error)
}

type closeTracker struct {
	*store.Memory
	closed   int
	closeErr error
}

func (c *closeTracker) Close() error {
	c.closed++
	if err := c.Memory.Close(); err != nil {
		return err
	}
	return c.closeErr
}

func TestMigratorReleasesSourceWhenDestinationFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source.Seed = false

	src := &closeTracker{Memory: store.NewMemory("A")}
	boom := errors.New("destination locked")

	m := New(cfg, WithStores(
		func(string) (store.Source, error) { return src, nil },
		func(string) (store.ReadWriter, error) { return nil, boom },
	))
	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, src.closed)
}

func TestMigratorClosesStoresOnEveryPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source.Seed = false

	t.Run("success with close error", func(t *testing.T) {
		src := &closeTracker{Memory: newSource(t, partitionData{name: "A", records: [][2]string{{"k", "v"}}})}
		dst := &closeTracker{Memory: store.NewMemory(), closeErr: errors.New("sync failed")}

		stats, err := New(cfg, WithStores(
			func(string) (store.Source, error) { return src, nil },
			func(string) (store.ReadWriter, error) { return dst, nil },
		)).Run(context.Background())

		require.NoError(t, err, "close failures are logged, not returned")
		assert.Equal(t, int64(1), stats.Written)
		assert.Equal(t, 1, src.closed)
		assert.Equal(t, 1, dst.closed)
	})

	t.Run("fatal pipeline error", func(t *testing.T) {
		inner := newSource(t, partitionData{name: "A", records: [][2]string{{"k", "v"}}})
		src := &closeTracker{Memory: inner}
		dst := &closeTracker{Memory: store.NewMemory()}
		require.NoError(t, dst.Memory.Close())
		dst.closed = 0

		_, err := New(cfg, WithStores(
			func(string) (store.Source, error) { return src, nil },
			func(string) (store.ReadWriter, error) { return dst, nil },
		)).Run(context.Background())

		require.ErrorIs(t, err, store.ErrClosed)
		assert.Equal(t, 1, src.closed)
		assert.Equal(t, 1, dst.closed)
	})
}

func TestMigratorCancelled(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(cfg).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
