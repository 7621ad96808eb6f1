// Package fragmentindex evaluates pushed-down qualifiers against an
// object's per-column min/max range index without reading its payload.
// It never produces a false negative: an object is only dropped when its
// index provably disproves the qualifier.
package fragmentindex

import (
	"strconv"
	"strings"
	"time"

	"github.com/splitgraph/sgr-objects/internal/types"
)

// ColumnTypes maps a column name to its declared SQL type, so range
// comparisons can cast back to that type instead of guessing from the
// string's shape.
type ColumnTypes map[string]string

// Satisfiable reports whether obj's index fails to disprove qual, casting
// the comparison to colTypes[qual.Column] when known. A true result means
// "keep the object" (it might satisfy the predicate); a false result
// means "the index proves this object cannot contribute a matching row".
func Satisfiable(idx *types.Index, qual types.Qualifier, colTypes ColumnTypes) bool {
	if idx == nil {
		return true
	}
	rng, ok := idx.Range[qual.Column]
	if !ok {
		// Column absent from the index: cannot disprove, assume satisfiable.
		return true
	}
	cmp := compareAs(colTypes[qual.Column])

	switch qual.Op {
	case types.OpGT:
		return cmp(rng.Max, qual.Value) > 0
	case types.OpGE:
		return cmp(rng.Max, qual.Value) >= 0
	case types.OpLT:
		return cmp(rng.Min, qual.Value) < 0
	case types.OpLE:
		return cmp(rng.Min, qual.Value) <= 0
	case types.OpEQ:
		return cmp(rng.Min, qual.Value) <= 0 && cmp(qual.Value, rng.Max) <= 0
	case types.OpNE:
		// Disproved only when the range is the single point equal to value.
		return !(rng.Min == rng.Max && rng.Min == qual.Value)
	default:
		// Unrecognized operators (pattern match, etc.) are always treated
		// as satisfiable; the index has no opinion.
		return true
	}
}

// SatisfiableCNF evaluates a full CNF qualifier list against an object's
// index: the outer list is ANDed, each inner list is ORed. The object
// survives unless some AND-clause is disproved by every one of its OR
// atoms.
func SatisfiableCNF(idx *types.Index, quals types.QualifierList, colTypes ColumnTypes) bool {
	for _, orClause := range quals {
		if len(orClause) == 0 {
			continue
		}
		anySatisfiable := false
		for _, atom := range orClause {
			if Satisfiable(idx, atom, colTypes) {
				anySatisfiable = true
				break
			}
		}
		if !anySatisfiable {
			return false
		}
	}
	return true
}

// Filter returns the subset of candidates whose index does not disprove
// quals, given the table schema (for type-correct comparisons). If quals
// is empty, every candidate is returned unfiltered.
func Filter(candidates []*types.Object, quals types.QualifierList, schema []types.ColumnSpec) []*types.Object {
	if len(quals) == 0 {
		return candidates
	}
	colTypes := make(ColumnTypes, len(schema))
	for _, c := range schema {
		colTypes[c.Name] = c.Type
	}
	kept := make([]*types.Object, 0, len(candidates))
	for _, obj := range candidates {
		if SatisfiableCNF(obj.Index, quals, colTypes) {
			kept = append(kept, obj)
		}
	}
	return kept
}

// BuildIndex computes the per-column min/max range index for a set of
// fragment rows, so it can be attached to an object at registration time
// without a later re-read of its payload. Only upsert rows contribute —
// a delete row carries no non-key column values to index.
func BuildIndex(rows []types.FragmentRow, schema []types.ColumnSpec) *types.Index {
	colTypes := make(ColumnTypes, len(schema))
	for _, c := range schema {
		colTypes[c.Name] = c.Type
	}
	ranges := make(map[string]types.Range)
	for _, row := range rows {
		if !row.Upsert {
			continue
		}
		for col, val := range row.Values {
			cmp := compareAs(colTypes[col])
			rng, ok := ranges[col]
			if !ok {
				ranges[col] = types.Range{Min: val, Max: val}
				continue
			}
			if cmp(val, rng.Min) < 0 {
				rng.Min = val
			}
			if cmp(val, rng.Max) > 0 {
				rng.Max = val
			}
			ranges[col] = rng
		}
	}
	return &types.Index{Range: ranges}
}

// compareAs returns a comparator for index-serialized string values cast
// back to colType. Decimal and date values are serialized to strings for
// portability; this is where they're cast back. An unknown or empty
// colType falls back to a best-effort int/float/timestamp/lexical probe
// so the filter still degrades gracefully when schema is missing.
func compareAs(colType string) func(a, b string) int {
	switch normalizeType(colType) {
	case "integer":
		return func(a, b string) int {
			ai, aerr := strconv.ParseInt(a, 10, 64)
			bi, berr := strconv.ParseInt(b, 10, 64)
			if aerr != nil || berr != nil {
				return strings.Compare(a, b)
			}
			return cmpInt64(ai, bi)
		}
	case "float", "decimal", "numeric":
		return func(a, b string) int {
			af, aerr := strconv.ParseFloat(a, 64)
			bf, berr := strconv.ParseFloat(b, 64)
			if aerr != nil || berr != nil {
				return strings.Compare(a, b)
			}
			return cmpFloat64(af, bf)
		}
	case "date", "timestamp":
		return func(a, b string) int {
			at, aerr := parseTimeLike(a)
			bt, berr := parseTimeLike(b)
			if aerr != nil || berr != nil {
				return strings.Compare(a, b)
			}
			return at.Compare(bt)
		}
	case "text", "varchar", "string":
		return strings.Compare
	default:
		return bestEffortCompare
	}
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch {
	case strings.HasPrefix(t, "int"), strings.HasPrefix(t, "bigint"), strings.HasPrefix(t, "smallint"):
		return "integer"
	case strings.HasPrefix(t, "float"), strings.HasPrefix(t, "double"), strings.HasPrefix(t, "real"):
		return "float"
	case strings.HasPrefix(t, "decimal"), strings.HasPrefix(t, "numeric"):
		return "decimal"
	case strings.HasPrefix(t, "timestamp"):
		return "timestamp"
	case strings.HasPrefix(t, "date"):
		return "date"
	case strings.HasPrefix(t, "text"), strings.HasPrefix(t, "varchar"), strings.HasPrefix(t, "char"):
		return "text"
	default:
		return t
	}
}

func parseTimeLike(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// bestEffortCompare is used when the column's declared type is unknown:
// try integer, then float, then RFC3339 timestamp, then fall back to
// lexical order.
func bestEffortCompare(a, b string) int {
	if ai, aerr := strconv.ParseInt(a, 10, 64); aerr == nil {
		if bi, berr := strconv.ParseInt(b, 10, 64); berr == nil {
			return cmpInt64(ai, bi)
		}
	}
	if af, aerr := strconv.ParseFloat(a, 64); aerr == nil {
		if bf, berr := strconv.ParseFloat(b, 64); berr == nil {
			return cmpFloat64(af, bf)
		}
	}
	if at, aerr := time.Parse(time.RFC3339, a); aerr == nil {
		if bt, berr := time.Parse(time.RFC3339, b); berr == nil {
			return at.Compare(bt)
		}
	}
	return strings.Compare(a, b)
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
