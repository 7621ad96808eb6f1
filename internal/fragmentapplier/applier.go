// Package fragmentapplier materializes a resolver plan (a SNAP followed by
// zero or more DIFFs, snap-first) into the rows of a table at that point in
// its history.
package fragmentapplier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/splitgraph/sgr-objects/internal/physicalstore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// EncodePayload serializes rows as the on-disk fragment payload.
func EncodePayload(w io.Writer, rows []types.FragmentRow) error {
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		return fmt.Errorf("encoding fragment payload: %w", err)
	}
	return nil
}

// DecodePayload parses a fragment payload written by EncodePayload.
func DecodePayload(r io.Reader) ([]types.FragmentRow, error) {
	var rows []types.FragmentRow
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding fragment payload: %w", err)
	}
	return rows, nil
}

// rowKey builds a canonical key for a row from pkColumns, or from every
// column in the row (sorted) if the table has no declared primary key —
// the full-tuple-as-key fallback.
func rowKey(values map[string]string, pkColumns []string) string {
	cols := pkColumns
	if len(cols) == 0 {
		cols = make([]string, 0, len(values))
		for c := range values {
			cols = append(cols, c)
		}
		sort.Strings(cols)
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + "=" + values[c]
	}
	return strings.Join(parts, "\x1f")
}

// Apply materializes snapRows followed by diffChain (snap-first,
// oldest-to-newest) into the resulting row set. For each DIFF, every row's
// key is first deleted from the working table (covering updates and
// deletes alike), then every upsert row is reinserted — matching the
// delete-then-insert semantics a DIFF's rows encode.
func Apply(snapRows []types.FragmentRow, diffChain [][]types.FragmentRow, pkColumns []string) []types.FragmentRow {
	table := make(map[string]map[string]string, len(snapRows))
	for _, row := range snapRows {
		table[rowKey(row.Values, pkColumns)] = row.Values
	}
	for _, diff := range diffChain {
		for _, row := range diff {
			delete(table, rowKey(row.Values, pkColumns))
		}
		for _, row := range diff {
			if row.Upsert {
				table[rowKey(row.Values, pkColumns)] = row.Values
			}
		}
	}
	out := make([]types.FragmentRow, 0, len(table))
	for _, values := range table {
		out = append(out, types.FragmentRow{Upsert: true, Values: values})
	}
	return out
}

// ApplyPlan reads each object's payload from physical (snap-first, as
// produced by the resolver) and returns the materialized rows.
func ApplyPlan(ctx context.Context, physical physicalstore.Store, objects []*types.Object, pkColumns []string) ([]types.FragmentRow, error) {
	if len(objects) == 0 {
		return nil, nil
	}
	snapRows, err := readPayload(ctx, physical, objects[0].ObjectID)
	if err != nil {
		return nil, fmt.Errorf("reading base snapshot %s: %w", objects[0].ObjectID, err)
	}
	diffChain := make([][]types.FragmentRow, 0, len(objects)-1)
	for _, obj := range objects[1:] {
		rows, err := readPayload(ctx, physical, obj.ObjectID)
		if err != nil {
			return nil, fmt.Errorf("reading diff %s: %w", obj.ObjectID, err)
		}
		diffChain = append(diffChain, rows)
	}
	return Apply(snapRows, diffChain, pkColumns), nil
}

// CollapseToSnapshot materializes objects the same way ApplyPlan does and
// writes the result to physical under newSnapID as a fresh SNAP payload,
// returning its encoded size. Used by the cache manager's promotion path.
func CollapseToSnapshot(ctx context.Context, physical physicalstore.Store, objects []*types.Object, pkColumns []string, newSnapID string) (int64, error) {
	rows, err := ApplyPlan(ctx, physical, objects, pkColumns)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := EncodePayload(&buf, rows); err != nil {
		return 0, err
	}
	if err := physical.Write(ctx, newSnapID, bytes.NewReader(buf.Bytes())); err != nil {
		return 0, fmt.Errorf("writing collapsed snapshot %s: %w", newSnapID, err)
	}
	return int64(buf.Len()), nil
}

func readPayload(ctx context.Context, physical physicalstore.Store, id string) ([]types.FragmentRow, error) {
	r, err := physical.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return DecodePayload(r)
}
