package store

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

// SeedOptions controls sample data generation.
type SeedOptions struct {
	Partitions          int
	RecordsPerPartition int
	Rand                *rand.Rand // nil uses the global source
}

// DefaultSeedOptions returns three partitions of five records each.
func DefaultSeedOptions() SeedOptions {
	return SeedOptions{
		Partitions:          3,
		RecordsPerPartition: 5,
	}
}

// SeedPartitionName returns the name of the i-th (zero-based) seeded partition.
func SeedPartitionName(i int) string {
	return "ColumnFamily_" + strconv.Itoa(i+1)
}

// Seed creates (or extends) the database at path with sample records.
// Keys are numbered across partitions: key-0..key-4 in the first, key-5..
// in the second, and so on. Values are "value-<0..99>".
func Seed(path string, opts SeedOptions) (int, error) {
	if opts.Partitions < 1 || opts.RecordsPerPartition < 0 {
		return 0, fmt.Errorf("invalid seed options: %d partitions, %d records",
			opts.Partitions, opts.RecordsPerPartition)
	}

	intN := rand.IntN
	if opts.Rand != nil {
		intN = opts.Rand.IntN
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	log := slog.With("component", "seed", "path", path)

	written := 0
	err = db.Update(func(tx *bolt.Tx) error {
		for i := 0; i < opts.Partitions; i++ {
			name := SeedPartitionName(i)
			b, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}

			for j := 0; j < opts.RecordsPerPartition; j++ {
				key := "key-" + strconv.Itoa(i*opts.RecordsPerPartition+j)
				value := "value-" + strconv.Itoa(intN(100))
				if err := b.Put([]byte(key), []byte(value)); err != nil {
					return fmt.Errorf("put [%d][%d]: %w", i+1, j, err)
				}
				log.Debug("seeded record", "partition", name, "key", key, "value", value)
				written++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Info("seeded source", "partitions", opts.Partitions, "records", written)
	return written, nil
}
