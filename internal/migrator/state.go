package migrator

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStateOrder is returned when a completion signal is set twice or before
// the signal it depends on.
var ErrStateOrder = errors.New("completion signal out of order")

// State holds the three completion signals of a run. Each moves from false to
// true at most once, in the order source, digest, sink.
type State struct {
	mu            sync.Mutex
	sourceDrained bool
	digestDrained bool
	sinkDrained   bool
}

// Snapshot is a point-in-time copy of a State.
type Snapshot struct {
	SourceDrained bool `json:"source_drained"`
	DigestDrained bool `json:"digest_drained"`
	SinkDrained   bool `json:"sink_drained"`
}

// Complete reports whether every stage has drained.
func (s Snapshot) Complete() bool {
	return s.SourceDrained && s.DigestDrained && s.SinkDrained
}

// MarkSourceDrained is called by the reader once every partition is exhausted.
func (s *State) MarkSourceDrained() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sourceDrained {
		return fmt.Errorf("%w: source already drained", ErrStateOrder)
	}
	s.sourceDrained = true
	return nil
}

// MarkDigestDrained is called by the coordinator once every worker has exited.
func (s *State) MarkDigestDrained() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sourceDrained {
		return fmt.Errorf("%w: digest drained before source", ErrStateOrder)
	}
	if s.digestDrained {
		return fmt.Errorf("%w: digest already drained", ErrStateOrder)
	}
	s.digestDrained = true
	return nil
}

// MarkSinkDrained is called by the writer after its final pop.
func (s *State) MarkSinkDrained() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.digestDrained {
		return fmt.Errorf("%w: sink drained before digest", ErrStateOrder)
	}
	if s.sinkDrained {
		return fmt.Errorf("%w: sink already drained", ErrStateOrder)
	}
	s.sinkDrained = true
	return nil
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SourceDrained: s.sourceDrained,
		DigestDrained: s.digestDrained,
		SinkDrained:   s.sinkDrained,
	}
}
