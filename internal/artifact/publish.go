package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Item is one artifact of a run. Exactly one of Data and Path is set.
// Compress stores Path zstd-compressed under Name + ".zst".
type Item struct {
	Name     string
	Data     []byte
	Path     string
	Compress bool
}

func (it Item) objectName() string {
	if it.Compress {
		return it.Name + ".zst"
	}
	return it.Name
}

// Publish uploads items under <prefix><runID>/ and returns their URIs.
// Every item is written to a temporary key first; nothing is finalized
// unless all uploads succeed. Existing artifacts are never overwritten.
func (s *Store) Publish(ctx context.Context, runID string, items []Item) ([]string, error) {
	log := slog.With("component", "artifact", "run_id", runID)

	finalKeys := make([]string, 0, len(items))
	for _, it := range items {
		key := s.Key(runID, it.objectName())
		exists, err := s.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", key, err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrExists, key)
		}
		finalKeys = append(finalKeys, key)
	}

	tempKeys := make([]string, 0, len(items))
	for i, it := range items {
		tempKey, err := s.writeItem(ctx, finalKeys[i], it)
		if err != nil {
			if abortErr := s.Abort(ctx, tempKeys); abortErr != nil {
				log.Warn("failed to clean up temp artifacts", "error", abortErr)
			}
			return nil, fmt.Errorf("upload %s: %w", it.Name, err)
		}
		tempKeys = append(tempKeys, tempKey)
	}

	if err := s.Finalize(ctx, tempKeys, finalKeys); err != nil {
		return nil, err
	}

	uris := make([]string, len(finalKeys))
	for i, key := range finalKeys {
		uris[i] = s.URI(key)
	}
	log.Info("published artifacts", "count", len(uris))
	return uris, nil
}

func (s *Store) writeItem(ctx context.Context, key string, it Item) (string, error) {
	if it.Path == "" {
		return s.WriteTemp(ctx, key, it.Data)
	}

	f, err := os.Open(it.Path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", it.Path, err)
	}
	defer f.Close()

	return s.writeTemp(ctx, key, func(w io.Writer) error {
		if !it.Compress {
			_, err := io.Copy(w, f)
			return err
		}
		return compress(w, f)
	})
}

// compress streams r into w as a zstd frame.
func compress(w io.Writer, r io.Reader) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return fmt.Errorf("zstd compress: %w", err)
	}
	return enc.Close()
}

// Decompress streams a zstd frame from r into w.
func Decompress(w io.Writer, r io.Reader) error {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	return nil
}
