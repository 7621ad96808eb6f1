package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// Claim inserts a fresh cache-status row (ready=false, refcount=1) or, on
// conflict, bumps refcount and last_used on the existing row. The caller
// learns which happened via ClaimResult.Inserted — only the worker that
// inserted is responsible for fetching.
func (s *Store) Claim(ctx context.Context, t metadatastore.Tx, objectIDs []string, now time.Time) ([]metadatastore.ClaimResult, error) {
	exec := s.exec(t)
	results := make([]metadatastore.ClaimResult, 0, len(objectIDs))
	nowStr := now.UTC().Format(time.RFC3339Nano)

	for _, id := range objectIDs {
		// INSERT OR IGNORE + RowsAffected, rather than an upsert, because
		// last_insert_rowid() is only touched by the INSERT branch of an
		// ON CONFLICT DO UPDATE — on the UPDATE branch it silently retains
		// whatever value the connection last saw, which would misreport
		// Inserted on every other claim after the first.
		res, err := exec.ExecContext(ctx, `
			INSERT OR IGNORE INTO object_cache_status (object_id, ready, refcount, last_used)
			VALUES (?, 0, 1, ?)
		`, id, nowStr)
		if err != nil {
			return nil, wrapDBError(fmt.Sprintf("claim %s", id), err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, wrapDBError(fmt.Sprintf("claim %s", id), err)
		}
		inserted := affected > 0

		if !inserted {
			if _, err := exec.ExecContext(ctx, `
				UPDATE object_cache_status SET refcount = refcount + 1, last_used = ? WHERE object_id = ?
			`, nowStr, id); err != nil {
				return nil, wrapDBError(fmt.Sprintf("claim %s", id), err)
			}
		}

		status, err := s.getOneCacheStatus(ctx, exec, id)
		if err != nil {
			return nil, err
		}
		results = append(results, metadatastore.ClaimResult{ObjectID: id, Inserted: inserted, Status: *status})
	}
	return results, nil
}

func (s *Store) getOneCacheStatus(ctx context.Context, exec execer, id string) (*types.CacheStatus, error) {
	row := exec.QueryRowContext(ctx, `SELECT object_id, ready, refcount, last_used FROM object_cache_status WHERE object_id = ?`, id)
	var (
		status   types.CacheStatus
		readyInt int
		lastUsed string
	)
	if err := row.Scan(&status.ObjectID, &readyInt, &status.Refcount, &lastUsed); err != nil {
		return nil, wrapDBError(fmt.Sprintf("get cache status %s", id), err)
	}
	status.Ready = readyInt != 0
	if ts, err := time.Parse(time.RFC3339Nano, lastUsed); err == nil {
		status.LastUsed = ts
	}
	return &status, nil
}

// Release decrements refcount for the given ids, floored at zero.
func (s *Store) Release(ctx context.Context, t metadatastore.Tx, objectIDs []string) error {
	if len(objectIDs) == 0 {
		return nil
	}
	exec := s.exec(t)
	for _, id := range objectIDs {
		_, err := exec.ExecContext(ctx, `
			UPDATE object_cache_status SET refcount = MAX(refcount - 1, 0) WHERE object_id = ?
		`, id)
		if err != nil {
			return wrapDBError(fmt.Sprintf("release %s", id), err)
		}
	}
	return nil
}

// SetReady marks cache-status rows ready and bumps last_used.
func (s *Store) SetReady(ctx context.Context, t metadatastore.Tx, objectIDs []string, now time.Time) error {
	if len(objectIDs) == 0 {
		return nil
	}
	exec := s.exec(t)
	nowStr := now.UTC().Format(time.RFC3339Nano)
	placeholders := idPlaceholders(len(objectIDs))
	args := append([]any{nowStr}, toArgs(objectIDs)...)
	_, err := exec.ExecContext(ctx, fmt.Sprintf(`
		UPDATE object_cache_status SET ready = 1, last_used = ? WHERE object_id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return wrapDBError("set ready", err)
	}
	return nil
}

// GetCacheStatus returns current cache-status rows for the given ids.
func (s *Store) GetCacheStatus(ctx context.Context, t metadatastore.Tx, ids []string) (map[string]types.CacheStatus, error) {
	if len(ids) == 0 {
		return map[string]types.CacheStatus{}, nil
	}
	exec := s.exec(t)
	query := fmt.Sprintf(`
		SELECT object_id, ready, refcount, last_used FROM object_cache_status WHERE object_id IN (%s)
	`, idPlaceholders(len(ids)))
	rows, err := exec.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, wrapDBError("get cache status", err)
	}
	defer rows.Close()

	result := make(map[string]types.CacheStatus, len(ids))
	for rows.Next() {
		var (
			status   types.CacheStatus
			readyInt int
			lastUsed string
		)
		if err := rows.Scan(&status.ObjectID, &readyInt, &status.Refcount, &lastUsed); err != nil {
			return nil, wrapDBError("scan cache status row", err)
		}
		status.Ready = readyInt != 0
		if ts, err := time.Parse(time.RFC3339Nano, lastUsed); err == nil {
			status.LastUsed = ts
		}
		result[status.ObjectID] = status
	}
	return result, wrapDBError("iterate cache status rows", rows.Err())
}

// DeleteCacheStatus removes cache-status rows.
func (s *Store) DeleteCacheStatus(ctx context.Context, t metadatastore.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	exec := s.exec(t)
	_, err := exec.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM object_cache_status WHERE object_id IN (%s)
	`, idPlaceholders(len(ids))), toArgs(ids)...)
	if err != nil {
		return wrapDBError("delete cache status", err)
	}
	return nil
}

// CurrentOccupancy sums the size of every ready=true cached object plus
// every collapsed-snapshot cache entry. A promoted snapshot is registered
// both as a ready object and as a snap_cache row keyed on the same id, so
// its own object row is excluded from the ready-object sum to avoid
// counting its bytes twice.
func (s *Store) CurrentOccupancy(ctx context.Context, t metadatastore.Tx) (int64, error) {
	exec := s.exec(t)
	var readySize sql.NullInt64
	row := exec.QueryRowContext(ctx, `
		SELECT SUM(o.size) FROM objects o
		JOIN object_cache_status cs ON cs.object_id = o.object_id
		WHERE cs.ready = 1
		AND o.object_id NOT IN (SELECT snap_id FROM snap_cache)
	`)
	if err := row.Scan(&readySize); err != nil {
		return 0, wrapDBError("sum ready object sizes", err)
	}
	snapSize, err := s.AllSnapCacheSizes(ctx, t)
	if err != nil {
		return 0, err
	}
	return readySize.Int64 + snapSize, nil
}

// LockCacheStatusExclusive acquires SQLite's write lock via BEGIN
// IMMEDIATE against the cache_locks singleton row, standing in for a
// table-level exclusive lock. Because this store runs with a single
// connection and _txlock=immediate, any BeginTx already serializes
// writers; touching cache_locks here documents intent and gives stores
// with real multi-connection pools a concrete row to lock on.
func (s *Store) LockCacheStatusExclusive(ctx context.Context) (metadatastore.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBError("begin exclusive lock transaction", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := sqlTx.ExecContext(ctx, `UPDATE cache_locks SET held_at = ? WHERE id = 1`, now); err != nil {
		sqlTx.Rollback()
		return nil, wrapDBError("acquire cache status exclusive lock", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}

// EvictionCandidates returns cache-status rows with refcount=0 whose id
// is not in protect.
func (s *Store) EvictionCandidates(ctx context.Context, t metadatastore.Tx, protect map[string]bool) ([]metadatastore.EvictionCandidate, error) {
	exec := s.exec(t)
	rows, err := exec.QueryContext(ctx, `
		SELECT cs.object_id, o.size, cs.last_used
		FROM object_cache_status cs
		JOIN objects o ON o.object_id = cs.object_id
		WHERE cs.refcount = 0
	`)
	if err != nil {
		return nil, wrapDBError("eviction candidates", err)
	}
	defer rows.Close()

	var out []metadatastore.EvictionCandidate
	for rows.Next() {
		var (
			c        metadatastore.EvictionCandidate
			lastUsed string
		)
		if err := rows.Scan(&c.ObjectID, &c.Size, &lastUsed); err != nil {
			return nil, wrapDBError("scan eviction candidate", err)
		}
		if protect[c.ObjectID] {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, lastUsed); err == nil {
			c.LastUsed = ts
		}
		out = append(out, c)
	}
	return out, wrapDBError("iterate eviction candidates", rows.Err())
}

// StaleUnreadyCandidates returns cache-status rows with ready=false and
// last_used older than cutoff.
func (s *Store) StaleUnreadyCandidates(ctx context.Context, t metadatastore.Tx, cutoff time.Time) ([]metadatastore.EvictionCandidate, error) {
	exec := s.exec(t)
	rows, err := exec.QueryContext(ctx, `
		SELECT cs.object_id, COALESCE(o.size, 0), cs.last_used
		FROM object_cache_status cs
		LEFT JOIN objects o ON o.object_id = cs.object_id
		WHERE cs.ready = 0 AND cs.last_used < ?
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, wrapDBError("stale unready candidates", err)
	}
	defer rows.Close()

	var out []metadatastore.EvictionCandidate
	for rows.Next() {
		var (
			c        metadatastore.EvictionCandidate
			lastUsed string
		)
		if err := rows.Scan(&c.ObjectID, &c.Size, &lastUsed); err != nil {
			return nil, wrapDBError("scan stale candidate", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, lastUsed); err == nil {
			c.LastUsed = ts
		}
		out = append(out, c)
	}
	return out, wrapDBError("iterate stale candidates", rows.Err())
}

// ZeroAllRefcounts sets refcount to 0 on every cache-status row.
func (s *Store) ZeroAllRefcounts(ctx context.Context, t metadatastore.Tx) (int, error) {
	exec := s.exec(t)
	res, err := exec.ExecContext(ctx, `UPDATE object_cache_status SET refcount = 0 WHERE refcount != 0`)
	if err != nil {
		return 0, wrapDBError("zero refcounts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("zero refcounts", err)
	}
	return int(n), nil
}
