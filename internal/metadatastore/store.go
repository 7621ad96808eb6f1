// Package metadatastore defines the durable, transactional metadata
// interface: the `objects`, `object_locations`, `object_cache_status`,
// `snap_cache`, `snap_cache_misses`, and `tables` tables, plus the
// row/table locking primitives the cache manager needs to coordinate
// concurrent readers.
package metadatastore

import (
	"context"
	"time"

	"github.com/splitgraph/sgr-objects/internal/types"
)

// ClaimResult reports whether a Claim call inserted a fresh cache-status
// row or found (and bumped) an existing one — the cache manager uses this
// to decide whether it is responsible for fetching the object.
type ClaimResult struct {
	ObjectID string
	Inserted bool
	Status   types.CacheStatus
}

// EvictionCandidate is a cache-status row eligible for eviction, joined
// with the object's size for scoring.
type EvictionCandidate struct {
	ObjectID string
	Size     int64
	LastUsed time.Time
}

// Tx is a transactional handle. Commit or Rollback must be called exactly
// once; a Store method holding a Tx past that point must return the tx's
// error. Phase boundaries in the cache manager are expressed as Commit
// calls between these handles.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store is the full metadata-store contract. Implementations must make
// every method safe under concurrent callers from distinct processes;
// conflict resolution happens at the primary-key level.
type Store interface {
	// BeginTx starts a transaction. Implementations that don't need
	// explicit row locks between statements may return a transaction
	// that's really just a connection-scoped context; what matters is
	// that Commit releases whatever locks were taken since BeginTx.
	BeginTx(ctx context.Context) (Tx, error)

	// RegisterObjects durably registers fragment metadata. Idempotent:
	// re-registering an object with the same id and identical fields
	// succeeds silently; registering a different payload under an
	// existing id is a caller bug and returns an error.
	RegisterObjects(ctx context.Context, tx Tx, objects []types.Object) error

	// RegisterLocations durably registers external retrieval addresses.
	RegisterLocations(ctx context.Context, tx Tx, locations []types.ObjectLocation) error

	// RegisterTableBinding upserts the object a table is bound to at an
	// image.
	RegisterTableBinding(ctx context.Context, tx Tx, binding types.TableBinding) error

	// GetTableBinding returns the object a table is bound to at an image.
	GetTableBinding(ctx context.Context, tx Tx, namespace, repository, imageHash, table string) (*types.TableBinding, error)

	// GetObjects returns metadata for the requested ids. Ids with no
	// registered object are silently omitted from the result.
	GetObjects(ctx context.Context, tx Tx, ids []string) (map[string]*types.Object, error)

	// GetObjectLocations returns external locations for the requested ids.
	GetObjectLocations(ctx context.Context, tx Tx, ids []string) (map[string][]types.ObjectLocation, error)

	// ExistingObjects returns the subset of ids that have registered
	// metadata.
	ExistingObjects(ctx context.Context, tx Tx, ids []string) (map[string]bool, error)

	// Claim upserts a cache-status row: on conflict, increments refcount
	// and bumps last_used; on insert, ready=false, refcount=1,
	// last_used=now.
	Claim(ctx context.Context, tx Tx, objectIDs []string, now time.Time) ([]ClaimResult, error)

	// Release decrements refcount for the given ids. Refcount never goes
	// below zero; releasing an id with refcount already zero is a no-op
	// (defensive against double-release on the error path).
	Release(ctx context.Context, tx Tx, objectIDs []string) error

	// SetReady marks cache-status rows ready and bumps last_used.
	SetReady(ctx context.Context, tx Tx, objectIDs []string, now time.Time) error

	// GetCacheStatus returns current cache-status rows for the given ids.
	GetCacheStatus(ctx context.Context, tx Tx, ids []string) (map[string]types.CacheStatus, error)

	// DeleteCacheStatus removes cache-status rows (used by eviction and by
	// fetch-failure rollback).
	DeleteCacheStatus(ctx context.Context, tx Tx, ids []string) error

	// CurrentOccupancy sums the size of every ready=true cached object
	// plus every collapsed-snapshot cache entry; a ready object that is
	// also a snap-cache snap_id is counted once.
	CurrentOccupancy(ctx context.Context, tx Tx) (int64, error)

	// LockCacheStatusExclusive acquires a table-level exclusive lock on
	// cache-status, used only by eviction. The caller must already have
	// committed its prior transaction so it isn't holding any row locks
	// that would deadlock against itself.
	LockCacheStatusExclusive(ctx context.Context) (Tx, error)

	// EvictionCandidates returns cache-status rows with refcount=0 whose
	// id is not in protect.
	EvictionCandidates(ctx context.Context, tx Tx, protect map[string]bool) ([]EvictionCandidate, error)

	// StaleUnreadyCandidates returns cache-status rows with ready=false
	// and last_used older than cutoff — crash orphans eligible for the
	// grace-period sweep.
	StaleUnreadyCandidates(ctx context.Context, tx Tx, cutoff time.Time) ([]EvictionCandidate, error)

	// DeleteSnapCacheForObjects removes snap-cache rows whose snap_id or
	// diff_id is one of the given (now-deleted) ids.
	DeleteSnapCacheForObjects(ctx context.Context, tx Tx, ids []string) error

	// GetSnapCacheEntry returns the collapsed-snapshot cache entry keyed
	// by diffID, if one exists.
	GetSnapCacheEntry(ctx context.Context, tx Tx, diffID string) (*types.SnapCacheEntry, error)

	// InsertSnapCacheEntry inserts a collapsed-snapshot cache row. Returns
	// types.ErrDuplicateRegistration if diffID already has an entry —
	// this is the "insert as lock" idiom for collapsing a chain exactly
	// once under concurrent promoters.
	InsertSnapCacheEntry(ctx context.Context, tx Tx, entry types.SnapCacheEntry) error

	// AllSnapCacheSizes sums the size of every collapsed-snapshot entry
	// (used by CurrentOccupancy).
	AllSnapCacheSizes(ctx context.Context, tx Tx) (int64, error)

	// AppendMissLogEntry records one materialization request resolving to
	// diffID.
	AppendMissLogEntry(ctx context.Context, tx Tx, diffID string, now time.Time) error

	// CountRecentMisses counts miss-log rows for diffID with used_time
	// at or after cutoff.
	CountRecentMisses(ctx context.Context, tx Tx, diffID string, cutoff time.Time) (int, error)

	// ZeroAllRefcounts sets refcount to 0 on every cache-status row. This
	// is the startup repair routine for leaked refcounts after abnormal
	// termination; callers should only invoke it when certain no peer
	// process is live.
	ZeroAllRefcounts(ctx context.Context, tx Tx) (int, error)

	// GetObjectTree walks an object's parent chain from head to root,
	// returning [head, parent(head), ..., root], inclusive.
	GetObjectTree(ctx context.Context, tx Tx, head string) ([]*types.Object, error)

	// ReferencedObjectIDs returns every object id transitively reachable
	// from a table binding (used by Sweep's full-GC pass).
	ReferencedObjectIDs(ctx context.Context, tx Tx) (map[string]bool, error)

	// AllObjectIDs returns every registered object id.
	AllObjectIDs(ctx context.Context, tx Tx) ([]string, error)

	// DeleteObjects removes object rows, their locations, and any
	// snap-cache rows keyed on them.
	DeleteObjects(ctx context.Context, tx Tx, ids []string) error

	// Close releases the store's resources.
	Close() error
}
