package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// indexJSON / schemaJSON are the typed boundary for the index and schema
// JSON columns: parsed on read, serialized on write, never exposed as
// loose maps to core logic.

type indexJSON struct {
	Range map[string][2]string `json:"range"`
	Bloom map[string][]byte    `json:"bloom,omitempty"` // base64, see encoding/json []byte default
}

func encodeIndex(idx *types.Index) (string, error) {
	if idx == nil {
		return "{}", nil
	}
	doc := indexJSON{Range: make(map[string][2]string, len(idx.Range))}
	for col, rng := range idx.Range {
		doc.Range[col] = [2]string{rng.Min, rng.Max}
	}
	if len(idx.Bloom) > 0 {
		doc.Bloom = make(map[string][]byte, len(idx.Bloom))
		for col, b := range idx.Bloom {
			doc.Bloom[col] = b
		}
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding index: %w", err)
	}
	return string(buf), nil
}

func decodeIndex(s string) (*types.Index, error) {
	if s == "" || s == "{}" {
		return &types.Index{Range: map[string]types.Range{}}, nil
	}
	var doc indexJSON
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	idx := &types.Index{Range: make(map[string]types.Range, len(doc.Range))}
	for col, pair := range doc.Range {
		idx.Range[col] = types.Range{Min: pair[0], Max: pair[1]}
	}
	if len(doc.Bloom) > 0 {
		idx.Bloom = make(map[string][]byte, len(doc.Bloom))
		for col, b := range doc.Bloom {
			idx.Bloom[col] = b
		}
	}
	return idx, nil
}

func encodeSchema(cols []types.ColumnSpec) (string, error) {
	buf, err := json.Marshal(cols)
	if err != nil {
		return "", fmt.Errorf("encoding schema: %w", err)
	}
	return string(buf), nil
}

func decodeSchema(s string) ([]types.ColumnSpec, error) {
	if s == "" {
		return nil, nil
	}
	var cols []types.ColumnSpec
	if err := json.Unmarshal([]byte(s), &cols); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return cols, nil
}

// RegisterObjects durably registers fragment metadata. Idempotent:
// re-registering an object with the same id and identical payload fields
// is a no-op for that row. Re-registering an existing id under a
// different format, parent, namespace, size, index, or schema is a
// caller bug and returns an error wrapping types.ErrDuplicateRegistration
// — object_id is supposed to uniquely determine payload.
func (s *Store) RegisterObjects(ctx context.Context, t metadatastore.Tx, objects []types.Object) error {
	exec := s.exec(t)
	for _, obj := range objects {
		if err := obj.Validate(); err != nil {
			return fmt.Errorf("registering object: %w", err)
		}
		idxJSON, err := encodeIndex(obj.Index)
		if err != nil {
			return err
		}
		schemaJSON, err := encodeSchema(obj.Schema)
		if err != nil {
			return err
		}
		createdAt := obj.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var parentID any
		if obj.ParentID != "" {
			parentID = obj.ParentID
		}
		res, err := exec.ExecContext(ctx, `
			INSERT INTO objects (object_id, format, parent_id, namespace, size, index_json, schema_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (object_id) DO NOTHING
		`, obj.ObjectID, string(obj.Format), parentID, obj.Namespace, obj.Size, idxJSON, schemaJSON, createdAt.Format(time.RFC3339Nano))
		if err != nil {
			return wrapDBError(fmt.Sprintf("register object %s", obj.ObjectID), err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapDBError(fmt.Sprintf("register object %s", obj.ObjectID), err)
		}
		if affected > 0 {
			continue
		}
		if err := s.checkObjectMatches(ctx, exec, obj, idxJSON, schemaJSON); err != nil {
			return err
		}
	}
	return nil
}

// checkObjectMatches compares a re-registration attempt against the
// already-stored row for the same id, so a divergent payload under an
// existing id fails loudly instead of being swallowed by the insert's
// ON CONFLICT DO NOTHING.
func (s *Store) checkObjectMatches(ctx context.Context, exec execer, obj types.Object, idxJSON, schemaJSON string) error {
	row := exec.QueryRowContext(ctx, `
		SELECT format, COALESCE(parent_id, ''), namespace, size, index_json, schema_json
		FROM objects WHERE object_id = ?
	`, obj.ObjectID)
	var (
		format, parentID, namespace, existingIdx, existingSchema string
		size                                                     int64
	)
	if err := row.Scan(&format, &parentID, &namespace, &size, &existingIdx, &existingSchema); err != nil {
		return wrapDBError(fmt.Sprintf("re-reading object %s for conflict check", obj.ObjectID), err)
	}
	if format != string(obj.Format) || parentID != obj.ParentID || namespace != obj.Namespace ||
		size != obj.Size || existingIdx != idxJSON || existingSchema != schemaJSON {
		return fmt.Errorf("registering object %s with a different payload than already stored: %w", obj.ObjectID, types.ErrDuplicateRegistration)
	}
	return nil
}

// RegisterLocations durably registers external retrieval addresses.
func (s *Store) RegisterLocations(ctx context.Context, t metadatastore.Tx, locations []types.ObjectLocation) error {
	exec := s.exec(t)
	for _, loc := range locations {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO object_locations (object_id, url, protocol)
			VALUES (?, ?, ?)
			ON CONFLICT (object_id, url, protocol) DO NOTHING
		`, loc.ObjectID, loc.URL, loc.Protocol)
		if err != nil {
			return wrapDBError(fmt.Sprintf("register location for %s", loc.ObjectID), err)
		}
	}
	return nil
}

func idPlaceholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// GetObjects returns metadata for the requested ids.
func (s *Store) GetObjects(ctx context.Context, t metadatastore.Tx, ids []string) (map[string]*types.Object, error) {
	if len(ids) == 0 {
		return map[string]*types.Object{}, nil
	}
	return s.getObjectsWithExec(ctx, s.exec(t), ids)
}

// GetObjectLocations returns external locations for the requested ids.
func (s *Store) GetObjectLocations(ctx context.Context, t metadatastore.Tx, ids []string) (map[string][]types.ObjectLocation, error) {
	if len(ids) == 0 {
		return map[string][]types.ObjectLocation{}, nil
	}
	exec := s.exec(t)
	query := fmt.Sprintf(`
		SELECT object_id, url, protocol FROM object_locations WHERE object_id IN (%s)
	`, idPlaceholders(len(ids)))
	rows, err := exec.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, wrapDBError("get object locations", err)
	}
	defer rows.Close()

	result := make(map[string][]types.ObjectLocation)
	for rows.Next() {
		var loc types.ObjectLocation
		if err := rows.Scan(&loc.ObjectID, &loc.URL, &loc.Protocol); err != nil {
			return nil, wrapDBError("scan location row", err)
		}
		result[loc.ObjectID] = append(result[loc.ObjectID], loc)
	}
	return result, wrapDBError("iterate location rows", rows.Err())
}

// ExistingObjects returns the subset of ids that have registered metadata.
func (s *Store) ExistingObjects(ctx context.Context, t metadatastore.Tx, ids []string) (map[string]bool, error) {
	objs, err := s.GetObjects(ctx, t, ids)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(objs))
	for id := range objs {
		result[id] = true
	}
	return result, nil
}

// GetObjectTree walks an object's parent chain from head to root,
// returning [head, parent(head), ..., root].
func (s *Store) GetObjectTree(ctx context.Context, t metadatastore.Tx, head string) ([]*types.Object, error) {
	exec := s.exec(t)
	var chain []*types.Object
	current := head
	seen := make(map[string]bool)
	for current != "" {
		if seen[current] {
			return nil, fmt.Errorf("object tree for %s: cycle detected at %s", head, current)
		}
		seen[current] = true

		objs, err := s.getObjectsWithExec(ctx, exec, []string{current})
		if err != nil {
			return nil, err
		}
		obj, ok := objs[current]
		if !ok {
			return nil, fmt.Errorf("object tree for %s: %w: %s", head, types.ErrObjectNotFound, current)
		}
		chain = append(chain, obj)
		current = obj.ParentID
	}
	return chain, nil
}

// getObjectsWithExec is GetObjects against an already-resolved execer, to
// let GetObjectTree reuse the same row-scanning logic one hop at a time
// without re-resolving the transaction on every step.
func (s *Store) getObjectsWithExec(ctx context.Context, exec execer, ids []string) (map[string]*types.Object, error) {
	query := fmt.Sprintf(`
		SELECT object_id, format, COALESCE(parent_id, ''), namespace, size, index_json, schema_json, created_at
		FROM objects WHERE object_id IN (%s)
	`, idPlaceholders(len(ids)))
	rows, err := exec.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, wrapDBError("get objects", err)
	}
	defer rows.Close()
	result := make(map[string]*types.Object, len(ids))
	for rows.Next() {
		var (
			obj          types.Object
			format       string
			idxJSON      string
			schemaJSON   string
			createdAtStr string
		)
		if err := rows.Scan(&obj.ObjectID, &format, &obj.ParentID, &obj.Namespace, &obj.Size, &idxJSON, &schemaJSON, &createdAtStr); err != nil {
			return nil, wrapDBError("scan object row", err)
		}
		obj.Format = types.Format(format)
		idx, err := decodeIndex(idxJSON)
		if err != nil {
			return nil, err
		}
		obj.Index = idx
		schema, err := decodeSchema(schemaJSON)
		if err != nil {
			return nil, err
		}
		obj.Schema = schema
		if createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr); err == nil {
			obj.CreatedAt = createdAt
		}
		copied := obj
		result[obj.ObjectID] = &copied
	}
	return result, wrapDBError("iterate object rows", rows.Err())
}

// AllObjectIDs returns every registered object id.
func (s *Store) AllObjectIDs(ctx context.Context, t metadatastore.Tx) ([]string, error) {
	exec := s.exec(t)
	rows, err := exec.QueryContext(ctx, `SELECT object_id FROM objects`)
	if err != nil {
		return nil, wrapDBError("list object ids", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan object id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapDBError("iterate object ids", rows.Err())
}

// ReferencedObjectIDs returns every object id transitively reachable from
// a table binding, via a recursive CTE walking parent_id.
func (s *Store) ReferencedObjectIDs(ctx context.Context, t metadatastore.Tx) (map[string]bool, error) {
	exec := s.exec(t)
	rows, err := exec.QueryContext(ctx, `
		WITH RECURSIVE reachable(object_id) AS (
			SELECT object_id FROM tables
			UNION
			SELECT o.parent_id
			FROM objects o
			JOIN reachable r ON o.object_id = r.object_id
			WHERE o.parent_id IS NOT NULL
		)
		SELECT DISTINCT object_id FROM reachable
	`)
	if err != nil {
		return nil, wrapDBError("referenced object ids", err)
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan referenced id", err)
		}
		result[id] = true
	}
	// snap_cache entries protect their snapshot id: it must not be
	// collected while its row exists. The chain a snapshot was promoted
	// from is protected only through its own table bindings above.
	snapRows, err := exec.QueryContext(ctx, `SELECT snap_id FROM snap_cache`)
	if err != nil {
		return nil, wrapDBError("list snap cache ids", err)
	}
	defer snapRows.Close()
	for snapRows.Next() {
		var id string
		if err := snapRows.Scan(&id); err != nil {
			return nil, wrapDBError("scan snap cache id", err)
		}
		result[id] = true
	}
	return result, wrapDBError("iterate snap cache ids", snapRows.Err())
}

// DeleteObjects removes object rows, their locations, and any snap-cache
// rows keyed on them.
func (s *Store) DeleteObjects(ctx context.Context, t metadatastore.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	exec := s.exec(t)
	placeholders := idPlaceholders(len(ids))
	args := toArgs(ids)

	if err := s.DeleteSnapCacheForObjects(ctx, t, ids); err != nil {
		return err
	}
	if _, err := exec.ExecContext(ctx, fmt.Sprintf(`DELETE FROM object_locations WHERE object_id IN (%s)`, placeholders), args...); err != nil {
		return wrapDBError("delete object locations", err)
	}
	if _, err := exec.ExecContext(ctx, fmt.Sprintf(`DELETE FROM objects WHERE object_id IN (%s)`, placeholders), args...); err != nil {
		return wrapDBError("delete objects", err)
	}
	return nil
}
