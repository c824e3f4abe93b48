// Package artifact publishes run outputs (report, parquet export, database
// snapshot) to a blob bucket with a temp-then-finalize protocol.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// ErrExists is returned when publishing over an existing artifact.
var ErrExists = errors.New("artifact already exists")

// Config configures the artifact backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS or S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	Endpoint string
	Region   string

	// Common
	Prefix string // "migrations/" (path prefix within bucket or local dir)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // empty for local
	ModTime time.Time
}

// Store writes artifacts to a gocloud bucket.
type Store struct {
	bucket   *blob.Bucket
	scheme   string
	location string // bucket name or local directory
	prefix   string
}

// NewStore opens the backend described by cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		dir, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", cfg.LocalDir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create base directory %s: %w", dir, err)
		}
		bucket, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, fmt.Errorf("open local bucket %s: %w", dir, err)
		}
		return &Store{bucket: bucket, scheme: "file", location: dir, prefix: cfg.Prefix}, nil

	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", cfg.Bucket))
		if err != nil {
			return nil, fmt.Errorf("open GCS bucket %s: %w", cfg.Bucket, err)
		}
		return &Store{bucket: bucket, scheme: "gs", location: cfg.Bucket, prefix: cfg.Prefix}, nil

	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		bucket, err := blob.OpenBucket(ctx, s3URL(cfg))
		if err != nil {
			return nil, fmt.Errorf("open S3 bucket %s: %w", cfg.Bucket, err)
		}
		return &Store{bucket: bucket, scheme: "s3", location: cfg.Bucket, prefix: cfg.Prefix}, nil

	default:
		return nil, fmt.Errorf("unknown artifact backend: %s", cfg.Backend)
	}
}

func s3URL(cfg Config) string {
	bucketURL := fmt.Sprintf("s3://%s", cfg.Bucket)

	params := url.Values{}
	if cfg.Region != "" {
		params.Set("region", cfg.Region)
	}
	if cfg.Endpoint != "" {
		params.Set("endpoint", cfg.Endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}

// Key returns the bucket key of an artifact of a run.
func (s *Store) Key(runID, name string) string {
	return s.prefix + runID + "/" + name
}

// URI returns the canonical URI for the given key.
// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
func (s *Store) URI(key string) string {
	if s.scheme == "file" {
		return "file://" + filepath.ToSlash(filepath.Join(s.location, filepath.FromSlash(key)))
	}
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.location, key)
}

// WriteTemp writes data next to key under a unique temporary name and
// returns that name for Finalize.
func (s *Store) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	return s.writeTemp(ctx, key, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (s *Store) writeTemp(ctx context.Context, key string, fill func(io.Writer) error) (string, error) {
	tempKey := key + ".tmp." + uuid.New().String()

	w, err := s.bucket.NewWriter(ctx, tempKey, nil)
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", tempKey, err)
	}

	if err := fill(w); err != nil {
		w.Close()
		s.bucket.Delete(ctx, tempKey)
		return "", fmt.Errorf("write data to %s: %w", tempKey, err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", tempKey, err)
	}

	return tempKey, nil
}

// Finalize moves each tempKeys[i] to finalKeys[i] using copy + delete.
// If any copy fails, already copied objects and every temp object are removed.
func (s *Store) Finalize(ctx context.Context, tempKeys, finalKeys []string) error {
	if len(tempKeys) != len(finalKeys) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalKeys), len(tempKeys))
	}

	for i, tempKey := range tempKeys {
		finalKey := finalKeys[i]

		if err := s.copyObject(ctx, tempKey, finalKey); err != nil {
			for j := 0; j < i; j++ {
				s.bucket.Delete(ctx, finalKeys[j])
			}
			s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKey, err)
		}
	}

	for _, tempKey := range tempKeys {
		s.bucket.Delete(ctx, tempKey) // ignore errors
	}

	return nil
}

func (s *Store) copyObject(ctx context.Context, srcKey, dstKey string) error {
	r, err := s.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	w, err := s.bucket.NewWriter(ctx, dstKey, nil)
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}

	return w.Close()
}

// Abort removes temporary objects without publishing.
func (s *Store) Abort(ctx context.Context, tempKeys []string) error {
	var errs []error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether key is stored.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Head returns metadata about a stored object.
func (s *Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// List returns all keys with the given prefix, skipping temporary objects.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir || strings.Contains(obj.Key, ".tmp.") {
			continue
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// ReadAll returns the contents of key.
func (s *Store) ReadAll(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Close releases the bucket connection.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
