package store

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
)

// Memory is an in-memory store. Records within a partition iterate in key
// order, matching the bbolt engine.
type Memory struct {
	mu         sync.RWMutex
	partitions []Partition
	data       []map[string][]byte
	closed     bool
}

// NewMemory creates a store holding the named, empty partitions.
func NewMemory(names ...string) *Memory {
	m := &Memory{}
	if len(names) > 0 {
		m.partitions = partitionsFromNames(names)
		m.data = make([]map[string][]byte, len(names))
		for i := range m.data {
			m.data[i] = make(map[string][]byte)
		}
	}
	return m
}

func (m *Memory) ListPartitions() ([]Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	return slices.Clone(m.partitions), nil
}

func (m *Memory) Iterate(ctx context.Context, p Partition, fn VisitFunc) error {
	m.mu.RLock()
	if err := m.checkLocked(p); err != nil {
		m.mu.RUnlock()
		return err
	}
	keys := make([]string, 0, len(m.data[p.index]))
	for k := range m.data[p.index] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = bytes.Clone(m.data[p.index][k])
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// CreatePartitions replaces the partition layout; existing partitions with
// a matching name keep their records.
func (m *Memory) CreatePartitions(names []string) ([]Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	data := make([]map[string][]byte, len(names))
	for i, name := range names {
		data[i] = make(map[string][]byte)
		for j, old := range m.partitions {
			if old.name == name {
				data[i] = m.data[j]
			}
		}
	}

	m.partitions = partitionsFromNames(names)
	m.data = data
	return slices.Clone(m.partitions), nil
}

func (m *Memory) Put(p Partition, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(p); err != nil {
		return err
	}
	m.data[p.index][string(key)] = bytes.Clone(value)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Get returns a stored value. It keeps working after Close so tests can
// inspect a finished destination.
func (m *Memory) Get(p Partition, key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if validate(m.partitions, p) != nil {
		return nil, false
	}
	v, ok := m.data[p.index][string(key)]
	return bytes.Clone(v), ok
}

// Snapshot copies the contents keyed by partition name.
func (m *Memory) Snapshot() map[string]map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]string, len(m.partitions))
	for i, p := range m.partitions {
		recs := make(map[string]string, len(m.data[i]))
		for k, v := range m.data[i] {
			recs[k] = string(v)
		}
		out[p.name] = recs
	}
	return out
}

// Len returns the total number of records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, d := range m.data {
		n += len(d)
	}
	return n
}

func (m *Memory) checkLocked(p Partition) error {
	if m.closed {
		return ErrClosed
	}
	return validate(m.partitions, p)
}

var _ ReadWriter = (*Memory)(nil)
