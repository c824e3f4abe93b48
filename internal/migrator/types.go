package migrator

import (
	"time"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/digest"
	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

// RawRecord is a source record awaiting digesting.
// Workers receive only this; it is never mutated after the reader creates it.
type RawRecord struct {
	Partition store.Partition // source handle
	Key       []byte
	Value     []byte
}

// DigestedRecord is a record ready for the writer.
type DigestedRecord struct {
	Partition store.Partition // source handle; the writer maps it to the destination
	Key       []byte
	Digest    digest.Value
}

// Stats summarizes one pipeline run.
type Stats struct {
	RunID          string
	Partitions     int
	Read           int64
	Digested       int64
	Written        int64
	DigestFailures int64
	WriteFailures  int64
	Retries        int64
	StartedAt      time.Time
	FinishedAt     time.Time
	State          Snapshot
}

// Duration is the wall time of the run.
func (s *Stats) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Failures is the number of dropped records.
func (s *Stats) Failures() int64 {
	return s.DigestFailures + s.WriteFailures
}
