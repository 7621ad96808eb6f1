package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// GetSnapCacheEntry returns the collapsed-snapshot recorded for diffID, if
// any exists yet. The resolver checks this to short-circuit a chain, and
// the promotion path reads the winner's row after losing the insert-as-lock.
func (s *Store) GetSnapCacheEntry(ctx context.Context, t metadatastore.Tx, diffID string) (*types.SnapCacheEntry, error) {
	exec := s.exec(t)
	row := exec.QueryRowContext(ctx, `SELECT snap_id, diff_id, size FROM snap_cache WHERE diff_id = ?`, diffID)
	var entry types.SnapCacheEntry
	if err := row.Scan(&entry.SnapID, &entry.DiffID, &entry.Size); err != nil {
		return nil, wrapDBError("get snap cache entry for "+diffID, err)
	}
	return &entry, nil
}

// InsertSnapCacheEntry records a freshly-collapsed snapshot. The UNIQUE
// constraint on snap_cache.diff_id is the "insert as lock" this store
// relies on for promotion: exactly one caller's INSERT succeeds, every
// other racing caller gets types.ErrDuplicateRegistration and should fall
// back to reading the winner's row with GetSnapCacheEntry.
func (s *Store) InsertSnapCacheEntry(ctx context.Context, t metadatastore.Tx, entry types.SnapCacheEntry) error {
	exec := s.exec(t)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO snap_cache (snap_id, diff_id, size) VALUES (?, ?, ?)
	`, entry.SnapID, entry.DiffID, entry.Size)
	if err != nil {
		return wrapDBError("insert snap cache entry for "+entry.DiffID, err)
	}
	return nil
}

// AllSnapCacheSizes sums the size of every collapsed snapshot, used by
// CurrentOccupancy.
func (s *Store) AllSnapCacheSizes(ctx context.Context, t metadatastore.Tx) (int64, error) {
	exec := s.exec(t)
	var total sql.NullInt64
	row := exec.QueryRowContext(ctx, `SELECT SUM(size) FROM snap_cache`)
	if err := row.Scan(&total); err != nil {
		return 0, wrapDBError("sum snap cache sizes", err)
	}
	return total.Int64, nil
}

// DeleteSnapCacheForObjects removes any snap_cache rows whose snap_id or
// diff_id is among ids — called before DeleteObjects so the cascade
// never leaves a dangling collapsed-snapshot reference.
func (s *Store) DeleteSnapCacheForObjects(ctx context.Context, t metadatastore.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	exec := s.exec(t)
	placeholders := idPlaceholders(len(ids))
	args := toArgs(ids)
	doubled := make([]any, 0, len(args)*2)
	doubled = append(doubled, args...)
	doubled = append(doubled, args...)
	_, err := exec.ExecContext(ctx, `
		DELETE FROM snap_cache WHERE snap_id IN (`+placeholders+`) OR diff_id IN (`+placeholders+`)
	`, doubled...)
	if err != nil {
		return wrapDBError("delete snap cache entries", err)
	}
	return nil
}

// AppendMissLogEntry records a cache miss against a DIFF that has a
// collapse-eligible parent chain. The miss log feeds the
// collapse-worthiness heuristic — a DIFF resolved straight from disk
// without a promotion decision still counts toward that heuristic.
func (s *Store) AppendMissLogEntry(ctx context.Context, t metadatastore.Tx, diffID string, now time.Time) error {
	exec := s.exec(t)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO snap_cache_misses (diff_id, used_time) VALUES (?, ?)
	`, diffID, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wrapDBError("append miss log entry for "+diffID, err)
	}
	return nil
}

// CountRecentMisses returns how many miss-log entries exist for diffID
// at or after cutoff.
func (s *Store) CountRecentMisses(ctx context.Context, t metadatastore.Tx, diffID string, cutoff time.Time) (int, error) {
	exec := s.exec(t)
	row := exec.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM snap_cache_misses WHERE diff_id = ? AND used_time >= ?
	`, diffID, cutoff.UTC().Format(time.RFC3339Nano))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, wrapDBError("count recent misses for "+diffID, err)
	}
	return count, nil
}
