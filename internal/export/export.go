// Package export writes a migrated store as a parquet table of digests.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-digest-migrator/internal/store"
)

// Row is one migrated record.
type Row struct {
	Partition string `parquet:"partition,dict"`
	Key       string `parquet:"key"`
	Digest    string `parquet:"digest"`
}

const batchSize = 1024

// WriteParquet writes every record of src to path, zstd-compressed, one row
// per record in partition then store order. The file appears atomically.
func WriteParquet(ctx context.Context, src store.Source, path string) (int64, error) {
	parts, err := src.ListPartitions()
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("create export directory %s: %w", dir, err)
		}
	}

	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tempPath, err)
	}
	defer func() {
		f.Close()
		os.Remove(tempPath)
	}()

	w := parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Zstd))

	var total int64
	batch := make([]Row, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for _, p := range parts {
		err := src.Iterate(ctx, p, func(key, value []byte) error {
			batch = append(batch, Row{Partition: p.Name(), Key: string(key), Digest: string(value)})
			if len(batch) == batchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("export partition %s: %w", p.Name(), err)
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return 0, fmt.Errorf("rename export: %w", err)
	}

	slog.Info("exported digest table", "component", "export", "path", path, "rows", total)
	return total, nil
}

// ReadParquet loads every row of a file written by WriteParquet.
func ReadParquet(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	rows, err := parquet.Read[Row](f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}
