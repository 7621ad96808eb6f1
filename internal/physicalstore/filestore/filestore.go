// Package filestore implements physicalstore.Store as a content-addressed
// directory tree on local disk, sharded two hex digits deep so a cache
// holding millions of fragments doesn't put them all in one directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/splitgraph/sgr-objects/internal/types"
)

// Store is a local-filesystem physicalstore.Store.
type Store struct {
	baseDir string
}

// Open returns a Store rooted at baseDir, creating it if necessary.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating physical store root %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// shardDir buckets an id by its first two characters after the format
// prefix byte, mirroring the two-level sharding content-addressed stores
// commonly use to keep any one directory's entry count bounded.
func (s *Store) shardDir(id string) string {
	shard := "misc"
	if len(id) >= 3 {
		shard = id[1:3]
	}
	return filepath.Join(s.baseDir, shard)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.shardDir(id), id)
}

// Exists reports whether id has a complete, durable payload.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking existence of %s: %w", id, err)
}

// Write durably stores r's contents under id via write-to-temp-then-rename
// so a reader never observes a partial payload under id.
func (s *Store) Write(ctx context.Context, id string, r io.Reader) error {
	dir := s.shardDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating shard dir for %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(dir, id+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", id, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing payload for %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing payload for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, s.path(id)); err != nil {
		return fmt.Errorf("committing payload for %s: %w", id, err)
	}
	return nil
}

// Read opens the payload stored under id.
func (s *Store) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", id, types.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	return f, nil
}

// Delete removes the payloads for ids. Deleting an id with no payload is
// not an error.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting %s: %w", id, err)
		}
	}
	return nil
}

// Size returns the byte length of the payload stored under id.
func (s *Store) Size(ctx context.Context, id string) (int64, error) {
	info, err := os.Stat(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("sizing %s: %w", id, types.ErrObjectNotFound)
		}
		return 0, fmt.Errorf("sizing %s: %w", id, err)
	}
	return info.Size(), nil
}

// ListAll returns every id with a stored payload, walking the shard tree.
func (s *Store) ListAll(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if len(name) > 4 && name[len(name)-4:] == ".tmp" {
			return nil
		}
		// A CreateTemp-generated name embeds ".tmp." before its random
		// suffix; skip anything that still looks like an in-flight write.
		if containsTmpMarker(name) {
			return nil
		}
		ids = append(ids, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing physical store contents: %w", err)
	}
	return ids, nil
}

func containsTmpMarker(name string) bool {
	const marker = ".tmp."
	for i := 0; i+len(marker) <= len(name); i++ {
		if name[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
