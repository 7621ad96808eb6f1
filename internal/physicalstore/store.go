// Package physicalstore defines the byte-addressable payload storage
// contract: create, delete, size, exists, iterate, keyed by object id.
// Durable across process restart. Implementations must make a write
// atomic at object granularity — a partial write must never become
// visible under the object's id.
package physicalstore

import (
	"context"
	"io"
)

// Store is the physical-store contract. The metadata store owns
// row-level truth about an object; Store owns its payload bytes.
type Store interface {
	// Exists reports whether id has a complete, durable payload.
	Exists(ctx context.Context, id string) (bool, error)

	// Write durably stores r's contents under id. Implementations must
	// not let a partial write become visible: id either doesn't exist or
	// is complete.
	Write(ctx context.Context, id string, r io.Reader) error

	// Read opens the payload stored under id. The caller must Close the
	// returned reader.
	Read(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes the payloads for ids. Deleting an id with no
	// payload is not an error.
	Delete(ctx context.Context, ids []string) error

	// Size returns the byte length of the payload stored under id.
	Size(ctx context.Context, id string) (int64, error)

	// ListAll returns every id with a stored payload.
	ListAll(ctx context.Context) ([]string, error)
}

// ExistsAll reports, for each of ids, whether it has a complete durable
// payload in store. Presence here is a statement about bytes on disk,
// independent of any cache-status bookkeeping a caller layers on top.
func ExistsAll(ctx context.Context, store Store, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	for _, id := range ids {
		ok, err := store.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			result[id] = true
		}
	}
	return result, nil
}
