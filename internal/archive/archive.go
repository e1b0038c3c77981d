// Package archive implements content-addressed storage for snapshot
// encodings.
//
// Objects are keyed by digest ("sha256:..."). The same digest always maps to
// the same bytes, so Put is idempotent and identical snapshots share one
// object. Backends:
//   - MemoryArchive: in-process map, the default
//   - LocalArchive: sharded files on disk, zstd framed, with an object cache
//   - BadgerArchive: embedded BadgerDB, zstd framed
package archive

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("archive: object not found")

// Archive handles content-addressed object storage.
type Archive interface {
	// Put stores data under digest. Storing an existing digest is a no-op.
	Put(ctx context.Context, digest string, data []byte) error

	// Get retrieves an object by digest.
	Get(ctx context.Context, digest string) ([]byte, error)

	// Has checks if an object exists.
	Has(ctx context.Context, digest string) (bool, error)

	// Delete removes an object. Deleting a missing object is a no-op.
	Delete(ctx context.Context, digest string) error

	// Digests lists every stored digest.
	Digests(ctx context.Context) ([]string, error)

	Close() error
}
