package migrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/digest"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

type partitionData struct {
	name    string
	records [][2]string
}

// newSource builds an in-memory source with the given partitions in order.
func newSource(t *testing.T, parts ...partitionData) *store.Memory {
	t.Helper()
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.name
	}
	src := store.NewMemory(names...)
	handles, err := src.ListPartitions()
	require.NoError(t, err)
	for i, p := range parts {
		for _, rec := range p.records {
			require.NoError(t, src.Put(handles[i], []byte(rec[0]), []byte(rec[1])))
		}
	}
	return src
}

// generated returns n partitions of per records each with zero-padded keys.
func generated(n, per int) []partitionData {
	parts := make([]partitionData, n)
	for i := range parts {
		parts[i].name = fmt.Sprintf("part_%d", i)
		for j := 0; j < per; j++ {
			parts[i].records = append(parts[i].records, [2]string{
				fmt.Sprintf("key-%05d", i*per+j),
				fmt.Sprintf("value-%d", j%100),
			})
		}
	}
	return parts
}

// expected computes the destination contents a run should produce.
func expected(t *testing.T, parts ...partitionData) map[string]map[string]string {
	t.Helper()
	out := make(map[string]map[string]string, len(parts))
	for _, p := range parts {
		recs := make(map[string]string, len(p.records))
		for _, rec := range p.records {
			d, err := digest.SHA256([]byte(rec[0]), []byte(rec[1]))
			require.NoError(t, err)
			recs[rec[0]] = d.String()
		}
		out[p.name] = recs
	}
	return out
}

// faultyDestination wraps a Memory store, recording put order and
// optionally failing or delaying puts.
type faultyDestination struct {
	*store.Memory

	fail  func(key string, attempt int) error
	delay time.Duration

	mu       sync.Mutex
	attempts map[string]int
	order    []string
}

func newFaultyDestination() *faultyDestination {
	return &faultyDestination{
		Memory:   store.NewMemory(),
		attempts: make(map[string]int),
	}
}

func (d *faultyDestination) Put(p store.Partition, key, value []byte) error {
	d.mu.Lock()
	d.attempts[string(key)]++
	attempt := d.attempts[string(key)]
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail != nil {
		if err := d.fail(string(key), attempt); err != nil {
			return err
		}
	}
	if err := d.Memory.Put(p, key, value); err != nil {
		return err
	}

	d.mu.Lock()
	d.order = append(d.order, p.Name()+"/"+string(key))
	d.mu.Unlock()
	return nil
}

func (d *faultyDestination) Order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

// brokenSource fails iteration after a number of records.
type brokenSource struct {
	*store.Memory
	after   int
	err     error
	listErr error
}

func (s *brokenSource) ListPartitions() ([]store.Partition, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Memory.ListPartitions()
}

func (s *brokenSource) Iterate(ctx context.Context, p store.Partition, fn store.VisitFunc) error {
	n := 0
	return s.Memory.Iterate(ctx, p, func(key, value []byte) error {
		if n == s.after {
			return s.err
		}
		n++
		return fn(key, value)
	})
}

// lockedBuffer is an io.Writer safe for concurrent log handlers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})), buf
}
