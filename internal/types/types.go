// Package types holds the domain types shared across the object manager:
// fragments, their locations, cache bookkeeping rows, table bindings, and
// the schema descriptors that replace runtime reflection on column types.
package types

import (
	"fmt"
	"time"
)

// Format distinguishes a full-snapshot fragment from a delta fragment.
type Format string

const (
	FormatSnap Format = "SNAP"
	FormatDiff Format = "DIFF"
)

// Object is an immutable content-addressed fragment: either a standalone
// snapshot of a table or a delta against exactly one parent fragment.
type Object struct {
	ObjectID  string
	Format    Format
	ParentID  string // empty iff Format == FormatSnap
	Namespace string
	Size      int64
	Index     *Index
	Schema    []ColumnSpec
	CreatedAt time.Time
}

// Validate checks the core fragment invariants: SNAP implies no parent,
// DIFF implies a parent, and size is non-negative.
func (o Object) Validate() error {
	switch o.Format {
	case FormatSnap:
		if o.ParentID != "" {
			return fmt.Errorf("object %s: SNAP must not have a parent_id", o.ObjectID)
		}
	case FormatDiff:
		if o.ParentID == "" {
			return fmt.Errorf("object %s: DIFF requires a non-empty parent_id", o.ObjectID)
		}
	default:
		return fmt.Errorf("object %s: unknown format %q", o.ObjectID, o.Format)
	}
	if o.Size < 0 {
		return fmt.Errorf("object %s: size must be non-negative, got %d", o.ObjectID, o.Size)
	}
	return nil
}

// ColumnSpec replaces runtime reflection on column types: every fragment's
// schema is carried explicitly as an ordered list of typed descriptors.
type ColumnSpec struct {
	Ordinal int
	Name    string
	Type    string
	IsPK    bool
}

// Range is the inclusive [min, max] bound recorded for one indexed column.
// Values are serialized as strings so the index is portable across column
// types; comparisons cast back to the column's declared type at evaluation
// time (see internal/fragmentindex).
type Range struct {
	Min string
	Max string
}

// Index is the per-object fragment index: column min/max ranges plus an
// optional per-column bloom filter, used to prune objects before fetch
// without reading their payload.
type Index struct {
	Range map[string]Range
	Bloom map[string][]byte
}

// ObjectLocation is an external retrieval address for an object. Its
// absence means the object is only obtainable from a peer metadata store.
type ObjectLocation struct {
	ObjectID string
	URL      string
	Protocol string
}

// CacheStatus is the per-object bookkeeping row for objects currently held
// (or being prepared) in the local physical store.
type CacheStatus struct {
	ObjectID string
	Ready    bool
	Refcount int
	LastUsed time.Time
}

// SnapCacheEntry records that SnapID is a locally materialized SNAP
// equivalent to applying the delta chain ending at DiffID onto its root
// SNAP (a "collapsed snapshot").
type SnapCacheEntry struct {
	SnapID string
	DiffID string
	Size   int64
}

// MissLogEntry is one row per materialization request that resolved to a
// delta chain ending at DiffID, used to drive promotion decisions.
type MissLogEntry struct {
	DiffID   string
	UsedTime time.Time
}

// TableBinding maps a table at a specific image to the fragment that
// represents it (the head of a possibly-empty delta chain).
type TableBinding struct {
	Namespace  string
	Repository string
	ImageHash  string
	TableName  string
	Schema     []ColumnSpec
	ObjectID   string
}

// QualifierOp is a comparison operator appearing in a pushed-down
// qualifier.
type QualifierOp string

const (
	OpGT QualifierOp = ">"
	OpGE QualifierOp = ">="
	OpLT QualifierOp = "<"
	OpLE QualifierOp = "<="
	OpEQ QualifierOp = "="
	OpNE QualifierOp = "<>"
)

// Qualifier is a single predicate atom: column OP value.
type Qualifier struct {
	Column string
	Op     QualifierOp
	Value  string
}

// QualifierList is CNF: the outer slice is ANDed, each inner slice is ORed.
type QualifierList [][]Qualifier

// ChangeAction is the kind of a pending change-log entry or a conflated
// fragment row.
type ChangeAction string

const (
	ActionInsert ChangeAction = "I"
	ActionDelete ChangeAction = "D"
	ActionUpdate ChangeAction = "U"
)

// ChangeLogEntry is one pending change captured for a table, as surfaced
// by the external change-source collaborator.
type ChangeLogEntry struct {
	PrimaryKey    []string
	Action        ChangeAction
	RowData       map[string]string
	ChangedFields map[string]string
}

// FragmentRow is one row of a DIFF fragment's payload: the upsert/delete
// flag followed by the row's column values (all columns if Upsert, only
// the primary-key columns if not).
type FragmentRow struct {
	Upsert bool
	Values map[string]string
}

// MaterializationPlan is the ordered list the applier executes:
// [snap, diff_1, ..., diff_k], snap-first, oldest-to-newest.
type MaterializationPlan struct {
	Objects  []*Object
	Filtered bool // true if a qualifier filter dropped objects from the full chain
}
