package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aweris/cowverse/internal/compression"
)

const digestPrefix = "sha256:"

// LocalArchive implements Archive using the local filesystem.
//
// Storage layout:
//
//	basePath/
//	  objects/
//	    ab/cd123...  (zstd framed, named by hex digest)
type LocalArchive struct {
	basePath   string
	cache      Cache
	compressor *compression.Compressor
}

// LocalOptions configures a LocalArchive.
type LocalOptions struct {
	CacheBytes  int64
	Compression bool
	Level       compression.Level
}

func NewLocalArchive(basePath string, opts LocalOptions) (*LocalArchive, error) {
	objectsDir := filepath.Join(basePath, "objects")
	if err := os.MkdirAll(objectsDir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", objectsDir, err)
	}

	compressor, err := compression.NewCompressor(opts.Level, opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	cache, err := NewCache(opts.CacheBytes)
	if err != nil {
		compressor.Close()
		return nil, err
	}

	return &LocalArchive{
		basePath:   basePath,
		cache:      cache,
		compressor: compressor,
	}, nil
}

// Get retrieves an object by digest.
func (a *LocalArchive) Get(_ context.Context, digest string) ([]byte, error) {
	if data, ok := a.cache.Get(digest); ok {
		return append([]byte(nil), data...), nil
	}

	framed, err := os.ReadFile(a.objectPath(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}

	data, err := a.compressor.Decompress(framed)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", digest, err)
	}

	a.cache.Add(digest, data)
	return append([]byte(nil), data...), nil
}

// Put stores an object under digest.
func (a *LocalArchive) Put(_ context.Context, digest string, data []byte) error {
	path := a.objectPath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	// Write to a temp file first so a concurrent reader never sees a
	// partial object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(a.compressor.Compress(data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename object: %w", err)
	}

	a.cache.Add(digest, append([]byte(nil), data...))
	return nil
}

// Has checks if an object exists.
func (a *LocalArchive) Has(_ context.Context, digest string) (bool, error) {
	_, err := os.Stat(a.objectPath(digest))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes an object from disk and cache.
func (a *LocalArchive) Delete(_ context.Context, digest string) error {
	a.cache.Remove(digest)
	err := os.Remove(a.objectPath(digest))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Digests walks the object directory.
func (a *LocalArchive) Digests(ctx context.Context) ([]string, error) {
	root := filepath.Join(a.basePath, "objects")
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, digestPrefix+strings.ReplaceAll(filepath.ToSlash(rel), "/", ""))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return out, nil
}

func (a *LocalArchive) Close() error {
	a.cache.Close()
	return a.compressor.Close()
}

// objectPath returns the filesystem path for a digest.
// Git-style sharding: objects/ab/cd123...
func (a *LocalArchive) objectPath(digest string) string {
	hash := strings.TrimPrefix(digest, digestPrefix)
	if len(hash) < 4 {
		return filepath.Join(a.basePath, "objects", hash)
	}
	return filepath.Join(a.basePath, "objects", hash[:2], hash[2:])
}
