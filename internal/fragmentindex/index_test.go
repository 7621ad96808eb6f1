package fragmentindex

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/splitgraph/sgr-objects/internal/types"
)

func idxFor(col string, lo, hi string) *types.Index {
	return &types.Index{Range: map[string]types.Range{col: {Min: lo, Max: hi}}}
}

func TestSatisfiableMissingColumn(t *testing.T) {
	idx := idxFor("id", "1", "10")
	qual := types.Qualifier{Column: "other", Op: types.OpEQ, Value: "5"}
	assert.True(t, Satisfiable(idx, qual, nil))
}

func TestSatisfiableNilIndex(t *testing.T) {
	assert.True(t, Satisfiable(nil, types.Qualifier{Column: "id", Op: types.OpEQ, Value: "5"}, nil))
}

func TestSatisfiableEquality(t *testing.T) {
	idx := idxFor("id", "1", "10")
	colTypes := ColumnTypes{"id": "integer"}

	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpEQ, Value: "5"}, colTypes))
	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpEQ, Value: "1"}, colTypes))
	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpEQ, Value: "10"}, colTypes))
	assert.False(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpEQ, Value: "11"}, colTypes))
	assert.False(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpEQ, Value: "0"}, colTypes))
}

func TestSatisfiableComparisons(t *testing.T) {
	idx := idxFor("id", "1", "10")
	ct := ColumnTypes{"id": "integer"}

	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpGT, Value: "5"}, ct))
	assert.False(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpGT, Value: "10"}, ct))
	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpGE, Value: "10"}, ct))

	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpLT, Value: "5"}, ct))
	assert.False(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpLT, Value: "1"}, ct))
	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "id", Op: types.OpLE, Value: "1"}, ct))
}

func TestSatisfiableNotEqual(t *testing.T) {
	ct := ColumnTypes{"id": "integer"}
	single := idxFor("id", "3", "3")
	assert.False(t, Satisfiable(single, types.Qualifier{Column: "id", Op: types.OpNE, Value: "3"}, ct))
	assert.True(t, Satisfiable(single, types.Qualifier{Column: "id", Op: types.OpNE, Value: "4"}, ct))

	wide := idxFor("id", "1", "10")
	assert.True(t, Satisfiable(wide, types.Qualifier{Column: "id", Op: types.OpNE, Value: "5"}, ct))
}

func TestSatisfiableUnknownOpDefaultsTrue(t *testing.T) {
	idx := idxFor("name", "a", "m")
	qual := types.Qualifier{Column: "name", Op: "~~", Value: "foo%"}
	assert.True(t, Satisfiable(idx, qual, nil))
}

// A chain d_3 -> d_2 -> d_1 -> s_0 queried with id=3: only d_2's range
// [3,3] includes 3, so d_1 [1,1], s_0 [1,2] and d_3 [2,2] are all pruned.
func TestFilterPrunesChain(t *testing.T) {
	s0 := &types.Object{ObjectID: "s0", Format: types.FormatSnap, Index: idxFor("id", "1", "2")}
	d1 := &types.Object{ObjectID: "d1", Format: types.FormatDiff, ParentID: "s0", Index: idxFor("id", "1", "1")}
	d2 := &types.Object{ObjectID: "d2", Format: types.FormatDiff, ParentID: "d1", Index: idxFor("id", "3", "3")}
	d3 := &types.Object{ObjectID: "d3", Format: types.FormatDiff, ParentID: "d2", Index: idxFor("id", "2", "2")}

	quals := types.QualifierList{{{Column: "id", Op: types.OpEQ, Value: "3"}}}
	schema := []types.ColumnSpec{{Name: "id", Type: "integer"}}

	kept := Filter([]*types.Object{s0, d1, d2, d3}, quals, schema)

	ids := make([]string, 0, len(kept))
	for _, o := range kept {
		ids = append(ids, o.ObjectID)
	}
	assert.Equal(t, []string{"d2"}, ids)
}

func TestFilterNoQualsReturnsAll(t *testing.T) {
	objs := []*types.Object{{ObjectID: "a"}, {ObjectID: "b"}}
	assert.Equal(t, objs, Filter(objs, nil, nil))
}

func TestFilterORSemantics(t *testing.T) {
	obj := &types.Object{ObjectID: "a", Index: idxFor("id", "1", "2")}
	quals := types.QualifierList{
		{
			{Column: "id", Op: types.OpEQ, Value: "99"},
			{Column: "id", Op: types.OpEQ, Value: "1"},
		},
	}
	kept := Filter([]*types.Object{obj}, quals, []types.ColumnSpec{{Name: "id", Type: "integer"}})
	assert.Len(t, kept, 1)
}

func TestCompareAsDecimalType(t *testing.T) {
	idx := idxFor("price", "1.50", "9.99")
	ct := ColumnTypes{"price": "decimal"}
	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "price", Op: types.OpGT, Value: "5.00"}, ct))
	assert.False(t, Satisfiable(idx, types.Qualifier{Column: "price", Op: types.OpGT, Value: "9.99"}, ct))
}

func TestCompareAsDateType(t *testing.T) {
	idx := idxFor("created", "2024-01-01", "2024-06-01")
	ct := ColumnTypes{"created": "date"}
	assert.True(t, Satisfiable(idx, types.Qualifier{Column: "created", Op: types.OpLT, Value: "2024-12-31"}, ct))
	assert.False(t, Satisfiable(idx, types.Qualifier{Column: "created", Op: types.OpGT, Value: "2024-12-31"}, ct))
}
