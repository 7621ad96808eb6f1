// Package writepath conflates a table's pending change-log entries into a
// single DIFF fragment (or, when nothing actually changed, re-binds the
// table to its prior fragment unchanged), and registers explicit snapshot
// creation.
package writepath

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/splitgraph/sgr-objects/internal/fragmentapplier"
	"github.com/splitgraph/sgr-objects/internal/fragmentindex"
	"github.com/splitgraph/sgr-objects/internal/idgen"
	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/physicalstore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// Writer commits pending change-log entries and explicit snapshots
// against a metadata store and physical store.
type Writer struct {
	meta     metadatastore.Store
	physical physicalstore.Store
}

// New builds a Writer.
func New(meta metadatastore.Store, physical physicalstore.Store) *Writer {
	return &Writer{meta: meta, physical: physical}
}

// pending tracks the conflated state of a single primary key across one
// commit's change-log entries.
type pending struct {
	key      string             // canonical primary-key string, stable across merges
	action   types.ChangeAction // I, U, or D after conflation
	pkValues map[string]string  // primary-key columns, always known
	fullRow  map[string]string  // authoritative full row, known for I and D
	changed  map[string]string  // changed fields only, known for a bare U
}

func pkColumnNames(schema []types.ColumnSpec) []string {
	cols := make([]types.ColumnSpec, len(schema))
	copy(cols, schema)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Ordinal < cols[j].Ordinal })
	var names []string
	for _, c := range cols {
		if c.IsPK {
			names = append(names, c.Name)
		}
	}
	return names
}

func pkKey(pkColumns []string, values []string) string {
	parts := make([]string, len(pkColumns))
	for i, c := range pkColumns {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = c + "=" + v
	}
	return strings.Join(parts, "\x1f")
}

func pkValuesMap(pkColumns, values []string) map[string]string {
	m := make(map[string]string, len(pkColumns))
	for i, c := range pkColumns {
		if i < len(values) {
			m[c] = values[i]
		}
	}
	return m
}

// splitPKChange splits a U entry that changes a primary-key column into a
// D on the old key followed by an I on the new key, both carrying the
// entry's row_data (which is always the row's full post-change state).
func splitPKChange(pkColumns []string, e types.ChangeLogEntry) []types.ChangeLogEntry {
	if e.Action != types.ActionUpdate {
		return []types.ChangeLogEntry{e}
	}
	for _, col := range pkColumns {
		if _, changed := e.ChangedFields[col]; changed {
			newKey := make([]string, len(pkColumns))
			for i, c := range pkColumns {
				newKey[i] = e.RowData[c]
			}
			return []types.ChangeLogEntry{
				{PrimaryKey: e.PrimaryKey, Action: types.ActionDelete, RowData: e.RowData},
				{PrimaryKey: newKey, Action: types.ActionInsert, RowData: e.RowData},
			}
		}
	}
	return []types.ChangeLogEntry{e}
}

// conflate folds entries in order, applying the per-primary-key
// conflation rules, and returns the final pending state per key in first-
// seen order (order only matters for deterministic fragment output).
func conflate(pkColumns []string, entries []types.ChangeLogEntry) ([]*pending, error) {
	acc := make(map[string]*pending)
	var order []string

	for _, raw := range entries {
		for _, e := range splitPKChange(pkColumns, raw) {
			key := pkKey(pkColumns, e.PrimaryKey)
			prior, exists := acc[key]
			if !exists {
				p := &pending{key: key, pkValues: pkValuesMap(pkColumns, e.PrimaryKey)}
				switch e.Action {
				case types.ActionInsert:
					p.action, p.fullRow = types.ActionInsert, e.RowData
				case types.ActionDelete:
					p.action, p.fullRow = types.ActionDelete, e.RowData
				case types.ActionUpdate:
					p.action, p.changed = types.ActionUpdate, e.ChangedFields
				default:
					return nil, fmt.Errorf("change log entry for key %s: unknown action %q: %w", key, e.Action, types.ErrMalformedChangeLog)
				}
				acc[key] = p
				order = append(order, key)
				continue
			}

			switch {
			case prior.action == types.ActionDelete && e.Action == types.ActionInsert:
				diff := rowDiff(prior.fullRow, e.RowData)
				if len(diff) == 0 {
					delete(acc, key)
					continue
				}
				prior.action, prior.changed, prior.fullRow = types.ActionUpdate, diff, nil

			case prior.action == types.ActionInsert && e.Action == types.ActionUpdate:
				merged := cloneMap(prior.fullRow)
				for k, v := range e.ChangedFields {
					merged[k] = v
				}
				prior.fullRow = merged

			case prior.action == types.ActionUpdate && e.Action == types.ActionUpdate:
				merged := cloneMap(prior.changed)
				for k, v := range e.ChangedFields {
					merged[k] = v
				}
				prior.changed = merged

			case prior.action == types.ActionInsert && e.Action == types.ActionDelete:
				delete(acc, key)

			case prior.action == types.ActionUpdate && e.Action == types.ActionDelete:
				prior.action, prior.fullRow, prior.changed = types.ActionDelete, e.RowData, nil

			case prior.action == types.ActionDelete && e.Action == types.ActionDelete:
				return nil, fmt.Errorf("key %s: two deletes for the same row in one commit: %w", key, types.ErrMalformedChangeLog)

			case prior.action == types.ActionInsert && e.Action == types.ActionInsert:
				return nil, fmt.Errorf("key %s: two inserts for the same row in one commit: %w", key, types.ErrMalformedChangeLog)

			default:
				return nil, fmt.Errorf("key %s: unsupported conflation transition %s -> %s: %w", key, prior.action, e.Action, types.ErrMalformedChangeLog)
			}
		}
	}

	result := make([]*pending, 0, len(order))
	for _, key := range order {
		if p, ok := acc[key]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

func rowDiff(oldRow, newRow map[string]string) map[string]string {
	diff := make(map[string]string)
	for k, v := range newRow {
		if oldRow[k] != v {
			diff[k] = v
		}
	}
	return diff
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Commit conflates changes for table and either writes a fresh DIFF
// fragment bound at newImage, or — if conflation produces no net rows —
// re-binds the table at newImage to the same fragment bound at the prior
// image. It returns the object id the table now resolves to.
func (w *Writer) Commit(ctx context.Context, namespace, repository, priorImage, newImage, table string, schema []types.ColumnSpec, changes []types.ChangeLogEntry) (string, error) {
	pkColumns := pkColumnNames(schema)

	prior, err := w.meta.GetTableBinding(ctx, nil, namespace, repository, priorImage, table)
	if err != nil {
		return "", fmt.Errorf("looking up prior binding for %s/%s@%s.%s: %w", namespace, repository, priorImage, table, err)
	}

	conflated, err := conflate(pkColumns, changes)
	if err != nil {
		return "", fmt.Errorf("conflating change log for %s: %w", table, err)
	}

	var upserts, deletes []*pending
	for _, p := range conflated {
		if p.action == types.ActionDelete {
			deletes = append(deletes, p)
		} else {
			upserts = append(upserts, p)
		}
	}

	if len(upserts) == 0 && len(deletes) == 0 {
		if err := w.meta.RegisterTableBinding(ctx, nil, types.TableBinding{
			Namespace: namespace, Repository: repository, ImageHash: newImage,
			TableName: table, Schema: schema, ObjectID: prior.ObjectID,
		}); err != nil {
			return "", fmt.Errorf("re-binding %s at %s: %w", table, newImage, err)
		}
		return prior.ObjectID, nil
	}

	var baseline map[string]map[string]string
	needsBaseline := false
	for _, p := range upserts {
		if p.action == types.ActionUpdate {
			needsBaseline = true
			break
		}
	}
	if needsBaseline {
		baseline, err = w.materializeByKey(ctx, pkColumns, prior.ObjectID)
		if err != nil {
			return "", fmt.Errorf("materializing current state of %s to resolve partial updates: %w", table, err)
		}
	}

	rows := make([]types.FragmentRow, 0, len(upserts)+len(deletes))
	for _, p := range upserts {
		var values map[string]string
		switch p.action {
		case types.ActionInsert:
			values = p.fullRow
		case types.ActionUpdate:
			base, ok := baseline[p.key]
			if !ok {
				return "", fmt.Errorf("change log for %s: update references a row not present in the current table state: %w", table, types.ErrMalformedChangeLog)
			}
			values = cloneMap(base)
			for k, v := range p.changed {
				values[k] = v
			}
		}
		rows = append(rows, types.FragmentRow{Upsert: true, Values: values})
	}
	for _, p := range deletes {
		rows = append(rows, types.FragmentRow{Upsert: false, Values: p.pkValues})
	}

	newID, err := idgen.NewObjectID('o')
	if err != nil {
		return "", fmt.Errorf("generating fragment id: %w", err)
	}

	var buf bytes.Buffer
	if err := fragmentapplier.EncodePayload(&buf, rows); err != nil {
		return "", fmt.Errorf("encoding fragment payload for %s: %w", newID, err)
	}
	if err := w.physical.Write(ctx, newID, bytes.NewReader(buf.Bytes())); err != nil {
		return "", fmt.Errorf("writing fragment payload for %s: %w", newID, err)
	}

	idx := fragmentindex.BuildIndex(rows, schema)
	if err := w.meta.RegisterObjects(ctx, nil, []types.Object{{
		ObjectID: newID, Format: types.FormatDiff, ParentID: prior.ObjectID,
		Namespace: namespace, Size: int64(buf.Len()), Index: idx, Schema: schema,
		CreatedAt: time.Now(),
	}}); err != nil {
		return "", fmt.Errorf("registering fragment %s: %w", newID, err)
	}

	if err := w.meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: namespace, Repository: repository, ImageHash: newImage,
		TableName: table, Schema: schema, ObjectID: newID,
	}); err != nil {
		return "", fmt.Errorf("binding %s at %s to %s: %w", table, newImage, newID, err)
	}

	return newID, nil
}

func pkColumnValues(pkColumns []string, values map[string]string) []string {
	out := make([]string, len(pkColumns))
	for i, c := range pkColumns {
		out[i] = values[c]
	}
	return out
}

// materializeByKey applies head's full chain and returns its rows indexed
// by primary key, so partial updates (changed_fields only) can be merged
// onto the row's current full state.
func (w *Writer) materializeByKey(ctx context.Context, pkColumns []string, head string) (map[string]map[string]string, error) {
	chain, err := w.meta.GetObjectTree(ctx, nil, head)
	if err != nil {
		return nil, fmt.Errorf("walking chain from %s: %w", head, err)
	}
	objects := make([]*types.Object, len(chain))
	for i, o := range chain {
		objects[len(chain)-1-i] = o
	}
	rows, err := fragmentapplier.ApplyPlan(ctx, w.physical, objects, pkColumns)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]map[string]string, len(rows))
	for _, r := range rows {
		key := pkKey(pkColumns, pkColumnValues(pkColumns, r.Values))
		byKey[key] = r.Values
	}
	return byKey, nil
}

// CreateSnapshot registers rows as a SNAP fragment (no parent) and binds
// table at newImage to it — the explicit, non-incremental commit path.
func (w *Writer) CreateSnapshot(ctx context.Context, namespace, repository, newImage, table string, schema []types.ColumnSpec, rows []types.FragmentRow) (string, error) {
	newID, err := idgen.NewObjectID('s')
	if err != nil {
		return "", fmt.Errorf("generating snapshot id: %w", err)
	}

	var buf bytes.Buffer
	if err := fragmentapplier.EncodePayload(&buf, rows); err != nil {
		return "", fmt.Errorf("encoding snapshot payload for %s: %w", newID, err)
	}
	if err := w.physical.Write(ctx, newID, bytes.NewReader(buf.Bytes())); err != nil {
		return "", fmt.Errorf("writing snapshot payload for %s: %w", newID, err)
	}

	idx := fragmentindex.BuildIndex(rows, schema)
	if err := w.meta.RegisterObjects(ctx, nil, []types.Object{{
		ObjectID: newID, Format: types.FormatSnap, Namespace: namespace,
		Size: int64(buf.Len()), Index: idx, Schema: schema, CreatedAt: time.Now(),
	}}); err != nil {
		return "", fmt.Errorf("registering snapshot %s: %w", newID, err)
	}

	if err := w.meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: namespace, Repository: repository, ImageHash: newImage,
		TableName: table, Schema: schema, ObjectID: newID,
	}); err != nil {
		return "", fmt.Errorf("binding %s at %s to %s: %w", table, newImage, newID, err)
	}

	return newID, nil
}
