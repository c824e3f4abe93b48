// Package store defines the partitioned key-value capability the migrator
// consumes and provides the bbolt and in-memory engines behind it.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownPartition is returned when a handle does not belong to the store.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrReadOnly is returned by mutating calls on a store opened read-only.
	ErrReadOnly = errors.New("store is read-only")

	// ErrClosed is returned by calls on a closed store.
	ErrClosed = errors.New("store closed")
)

// Partition is an opaque handle to a named partition. The index is the
// partition's position in the store's listing order; the same index in a
// destination created from a source's names refers to the counterpart.
type Partition struct {
	index int
	name  string
}

// Index returns the partition's position in listing order.
func (p Partition) Index() int { return p.index }

// Name returns the partition's name.
func (p Partition) Name() string { return p.name }

func (p Partition) String() string {
	return fmt.Sprintf("%s#%d", p.name, p.index)
}

// VisitFunc receives one record. Key and value are owned by the callee.
type VisitFunc func(key, value []byte) error

// Source is the read side consumed by the reader stage.
type Source interface {
	// ListPartitions returns every partition in a stable order.
	ListPartitions() ([]Partition, error)

	// Iterate calls fn for each record of p in store order. Iteration stops
	// at the first error returned by fn or when ctx is done.
	Iterate(ctx context.Context, p Partition, fn VisitFunc) error

	Close() error
}

// Destination is the write side consumed by the writer stage.
type Destination interface {
	// CreatePartitions creates (or reuses) partitions with the given names and
	// returns their handles in the same order.
	CreatePartitions(names []string) ([]Partition, error)

	Put(p Partition, key, value []byte) error

	Close() error
}

// ReadWriter is a store usable on both sides, such as a destination that is
// exported after a run.
type ReadWriter interface {
	Source
	Destination
}

// Names returns the names of parts in order.
func Names(parts []Partition) []string {
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.name
	}
	return names
}

// validate checks that p was issued by a store holding known.
func validate(known []Partition, p Partition) error {
	if p.index < 0 || p.index >= len(known) || known[p.index] != p {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	return nil
}

func partitionsFromNames(names []string) []Partition {
	parts := make([]Partition, len(names))
	for i, name := range names {
		parts[i] = Partition{index: i, name: name}
	}
	return parts
}
