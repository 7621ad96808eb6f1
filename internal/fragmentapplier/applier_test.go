package fragmentapplier

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splitgraph/sgr-objects/internal/physicalstore/filestore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

func row(id, val string) types.FragmentRow {
	return types.FragmentRow{Upsert: true, Values: map[string]string{"id": id, "val": val}}
}

func deleteRow(id string) types.FragmentRow {
	return types.FragmentRow{Upsert: false, Values: map[string]string{"id": id}}
}

func TestApplyDeltaChain(t *testing.T) {
	snap := []types.FragmentRow{row("1", "a"), row("2", "b")}
	d1 := []types.FragmentRow{deleteRow("1")}
	d2 := []types.FragmentRow{row("3", "c")}
	d3 := []types.FragmentRow{row("2", "B")}

	got := Apply(snap, [][]types.FragmentRow{d1, d2, d3}, []string{"id"})

	byID := map[string]string{}
	for _, r := range got {
		byID[r.Values["id"]] = r.Values["val"]
	}
	require.Equal(t, map[string]string{"2": "B", "3": "c"}, byID)
}

func TestApplyNoPrimaryKeyUsesFullTuple(t *testing.T) {
	snap := []types.FragmentRow{
		{Upsert: true, Values: map[string]string{"a": "1", "b": "x"}},
	}
	diff := []types.FragmentRow{
		{Upsert: false, Values: map[string]string{"a": "1", "b": "x"}},
		{Upsert: true, Values: map[string]string{"a": "1", "b": "y"}},
	}
	got := Apply(snap, [][]types.FragmentRow{diff}, nil)
	require.Len(t, got, 1)
	require.Equal(t, "y", got[0].Values["b"])
}

func TestApplyPlanReadsFromPhysicalStore(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	var snapBuf, d1Buf, d2Buf bytes.Buffer
	require.NoError(t, EncodePayload(&snapBuf, []types.FragmentRow{row("1", "a"), row("2", "b")}))
	require.NoError(t, EncodePayload(&d1Buf, []types.FragmentRow{deleteRow("1")}))
	require.NoError(t, EncodePayload(&d2Buf, []types.FragmentRow{row("3", "c")}))

	require.NoError(t, store.Write(ctx, "s0", bytes.NewReader(snapBuf.Bytes())))
	require.NoError(t, store.Write(ctx, "d1", bytes.NewReader(d1Buf.Bytes())))
	require.NoError(t, store.Write(ctx, "d2", bytes.NewReader(d2Buf.Bytes())))

	objects := []*types.Object{
		{ObjectID: "s0", Format: types.FormatSnap},
		{ObjectID: "d1", Format: types.FormatDiff, ParentID: "s0"},
		{ObjectID: "d2", Format: types.FormatDiff, ParentID: "d1"},
	}

	got, err := ApplyPlan(ctx, store, objects, []string{"id"})
	require.NoError(t, err)

	byID := map[string]string{}
	for _, r := range got {
		byID[r.Values["id"]] = r.Values["val"]
	}
	require.Equal(t, map[string]string{"2": "b", "3": "c"}, byID)
}

func TestCollapseToSnapshotWritesPhysicalPayload(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	var snapBuf, diffBuf bytes.Buffer
	require.NoError(t, EncodePayload(&snapBuf, []types.FragmentRow{row("1", "a")}))
	require.NoError(t, EncodePayload(&diffBuf, []types.FragmentRow{row("2", "b")}))
	require.NoError(t, store.Write(ctx, "s0", bytes.NewReader(snapBuf.Bytes())))
	require.NoError(t, store.Write(ctx, "d1", bytes.NewReader(diffBuf.Bytes())))

	objects := []*types.Object{
		{ObjectID: "s0", Format: types.FormatSnap},
		{ObjectID: "d1", Format: types.FormatDiff, ParentID: "s0"},
	}

	size, err := CollapseToSnapshot(ctx, store, objects, []string{"id"}, "snap_new")
	require.NoError(t, err)
	require.Positive(t, size)

	r, err := store.Read(ctx, "snap_new")
	require.NoError(t, err)
	defer r.Close()
	rows, err := DecodePayload(r)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
