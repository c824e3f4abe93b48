package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const openTimeout = time.Second

// Bolt is a bbolt-backed store. Each top-level bucket is one partition.
type Bolt struct {
	db       *bolt.DB
	path     string
	readOnly bool

	mu         sync.RWMutex
	partitions []Partition
	closed     bool
}

// OpenSource opens an existing database read-only.
func OpenSource(path string) (*Bolt, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true, Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}

	return &Bolt{db: db, path: path, readOnly: true}, nil
}

// OpenDestination opens or creates a writable database.
// Commits are not fsynced individually; Close syncs once at the end.
func OpenDestination(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open destination %s: %w", path, err)
	}
	db.NoSync = true

	return &Bolt{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Bolt) Path() string {
	return s.path
}

// ListPartitions returns partitions created through this handle first, in
// creation order, followed by any other buckets in key order.
func (s *Bolt) ListPartitions() ([]Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	names := Names(s.partitions)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !slices.Contains(names, string(name)) {
				names = append(names, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	s.partitions = partitionsFromNames(names)
	return slices.Clone(s.partitions), nil
}

// Iterate walks the partition's bucket in key order.
func (s *Bolt) Iterate(ctx context.Context, p Partition, fn VisitFunc) error {
	if err := s.check(p); err != nil {
		return err
	}

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p.name))
		if b == nil {
			return fmt.Errorf("%w: bucket %q missing", ErrUnknownPartition, p.name)
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			// nested buckets have nil values
			if v == nil {
				continue
			}

			// bbolt memory is only valid inside the transaction
			if err := fn(slices.Clone(k), slices.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreatePartitions creates missing buckets and returns handles indexed in
// the order of names.
func (s *Bolt) CreatePartitions(names []string) ([]Partition, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("partition %d: empty name", i)
		}
		if slices.Contains(names[:i], name) {
			return nil, fmt.Errorf("partition %d: duplicate name %q", i, name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create partitions: %w", err)
	}

	s.partitions = partitionsFromNames(names)
	return slices.Clone(s.partitions), nil
}

// Put stores one record.
func (s *Bolt) Put(p Partition, key, value []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if err := s.check(p); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p.name))
		if b == nil {
			return fmt.Errorf("%w: bucket %q missing", ErrUnknownPartition, p.name)
		}
		return b.Put(key, value)
	})
}

// Close syncs a writable database and releases the file.
func (s *Bolt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if !s.readOnly {
		if err := s.db.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", s.path, err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", s.path, err))
	}
	return errors.Join(errs...)
}

func (s *Bolt) check(p Partition) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return validate(s.partitions, p)
}

var _ ReadWriter = (*Bolt)(nil)
