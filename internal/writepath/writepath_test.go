package writepath

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splitgraph/sgr-objects/internal/fragmentapplier"
	"github.com/splitgraph/sgr-objects/internal/metadatastore/sqlite"
	"github.com/splitgraph/sgr-objects/internal/physicalstore/filestore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

func newFixture(t *testing.T) (*sqlite.Store, *filestore.Store) {
	t.Helper()
	meta, err := sqlite.Open(context.Background(), t.TempDir()+"/meta.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	physical, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	return meta, physical
}

var pkSchema = []types.ColumnSpec{
	{Ordinal: 0, Name: "id", Type: "integer", IsPK: true},
	{Ordinal: 1, Name: "val", Type: "text"},
}

func seedSnap(t *testing.T, meta *sqlite.Store, physical *filestore.Store, id string, rows []types.FragmentRow) {
	t.Helper()
	ctx := context.Background()
	var buf bytes.Buffer
	require.NoError(t, fragmentapplier.EncodePayload(&buf, rows))
	require.NoError(t, physical.Write(ctx, id, bytes.NewReader(buf.Bytes())))
	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{
		{ObjectID: id, Format: types.FormatSnap, Namespace: "ns", Size: int64(buf.Len()), Schema: pkSchema},
	}))
}

func TestCommitProducesDiffFromMixedChangeLog(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	seedSnap(t, meta, physical, "s0", []types.FragmentRow{
		{Upsert: true, Values: map[string]string{"id": "1", "val": "a"}},
		{Upsert: true, Values: map[string]string{"id": "2", "val": "b"}},
	})
	require.NoError(t, meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: "ns", Repository: "repo", ImageHash: "img0", TableName: "t", Schema: pkSchema, ObjectID: "s0",
	}))

	w := New(meta, physical)
	changes := []types.ChangeLogEntry{
		{PrimaryKey: []string{"1"}, Action: types.ActionDelete, RowData: map[string]string{"id": "1", "val": "a"}},
		{PrimaryKey: []string{"3"}, Action: types.ActionInsert, RowData: map[string]string{"id": "3", "val": "c"}},
		{PrimaryKey: []string{"2"}, Action: types.ActionUpdate, ChangedFields: map[string]string{"val": "B"}},
	}

	newID, err := w.Commit(ctx, "ns", "repo", "img0", "img1", "t", pkSchema, changes)
	require.NoError(t, err)
	require.NotEqual(t, "s0", newID)

	payload, err := physical.Read(ctx, newID)
	require.NoError(t, err)
	defer payload.Close()
	rows, err := fragmentapplier.DecodePayload(payload)
	require.NoError(t, err)

	byID := map[string]types.FragmentRow{}
	for _, r := range rows {
		byID[r.Values["id"]] = r
	}
	require.False(t, byID["1"].Upsert)
	require.True(t, byID["3"].Upsert)
	require.Equal(t, "c", byID["3"].Values["val"])
	require.True(t, byID["2"].Upsert)
	require.Equal(t, "B", byID["2"].Values["val"])

	binding, err := meta.GetTableBinding(ctx, nil, "ns", "repo", "img1", "t")
	require.NoError(t, err)
	require.Equal(t, newID, binding.ObjectID)

	obj, err := meta.GetObjects(ctx, nil, []string{newID})
	require.NoError(t, err)
	require.Equal(t, types.FormatDiff, obj[newID].Format)
	require.Equal(t, "s0", obj[newID].ParentID)
}

func TestCommitConflationIsIdempotent(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	seedSnap(t, meta, physical, "s0", []types.FragmentRow{
		{Upsert: true, Values: map[string]string{"id": "1", "val": "a"}},
	})
	require.NoError(t, meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: "ns", Repository: "repo", ImageHash: "img0", TableName: "t", Schema: pkSchema, ObjectID: "s0",
	}))

	changes := []types.ChangeLogEntry{
		{PrimaryKey: []string{"2"}, Action: types.ActionInsert, RowData: map[string]string{"id": "2", "val": "x"}},
	}

	w1 := New(meta, physical)
	id1, err := w1.Commit(ctx, "ns", "repo", "img0", "img1", "t", pkSchema, changes)
	require.NoError(t, err)
	p1, err := physical.Read(ctx, id1)
	require.NoError(t, err)
	defer p1.Close()
	bytes1, err := fragmentapplier.DecodePayload(p1)
	require.NoError(t, err)

	w2 := New(meta, physical)
	id2, err := w2.Commit(ctx, "ns", "repo", "img0", "img2", "t", pkSchema, changes)
	require.NoError(t, err)
	p2, err := physical.Read(ctx, id2)
	require.NoError(t, err)
	defer p2.Close()
	bytes2, err := fragmentapplier.DecodePayload(p2)
	require.NoError(t, err)

	require.ElementsMatch(t, bytes1, bytes2, "applying the same change log twice must yield the same fragment payload")
}

func TestCommitNoNetChangeRebindsToPriorObject(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	seedSnap(t, meta, physical, "s0", []types.FragmentRow{
		{Upsert: true, Values: map[string]string{"id": "1", "val": "a"}},
	})
	require.NoError(t, meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: "ns", Repository: "repo", ImageHash: "img0", TableName: "t", Schema: pkSchema, ObjectID: "s0",
	}))

	w := New(meta, physical)
	changes := []types.ChangeLogEntry{
		{PrimaryKey: []string{"2"}, Action: types.ActionDelete, RowData: map[string]string{"id": "2", "val": "b"}},
		{PrimaryKey: []string{"2"}, Action: types.ActionInsert, RowData: map[string]string{"id": "2", "val": "b"}},
	}

	newID, err := w.Commit(ctx, "ns", "repo", "img0", "img1", "t", pkSchema, changes)
	require.NoError(t, err)
	require.Equal(t, "s0", newID)

	binding, err := meta.GetTableBinding(ctx, nil, "ns", "repo", "img1", "t")
	require.NoError(t, err)
	require.Equal(t, "s0", binding.ObjectID)
}

func TestCommitDoubleDeleteIsMalformed(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	seedSnap(t, meta, physical, "s0", []types.FragmentRow{
		{Upsert: true, Values: map[string]string{"id": "1", "val": "a"}},
	})
	require.NoError(t, meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: "ns", Repository: "repo", ImageHash: "img0", TableName: "t", Schema: pkSchema, ObjectID: "s0",
	}))

	w := New(meta, physical)
	changes := []types.ChangeLogEntry{
		{PrimaryKey: []string{"1"}, Action: types.ActionDelete, RowData: map[string]string{"id": "1", "val": "a"}},
		{PrimaryKey: []string{"1"}, Action: types.ActionDelete, RowData: map[string]string{"id": "1", "val": "a"}},
	}

	_, err := w.Commit(ctx, "ns", "repo", "img0", "img1", "t", pkSchema, changes)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrMalformedChangeLog))
}

func TestCommitPrimaryKeyChangeSplitsIntoDeleteAndInsert(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	seedSnap(t, meta, physical, "s0", []types.FragmentRow{
		{Upsert: true, Values: map[string]string{"id": "1", "val": "a"}},
	})
	require.NoError(t, meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: "ns", Repository: "repo", ImageHash: "img0", TableName: "t", Schema: pkSchema, ObjectID: "s0",
	}))

	w := New(meta, physical)
	changes := []types.ChangeLogEntry{
		{
			PrimaryKey:    []string{"1"},
			Action:        types.ActionUpdate,
			RowData:       map[string]string{"id": "9", "val": "a"},
			ChangedFields: map[string]string{"id": "9"},
		},
	}

	newID, err := w.Commit(ctx, "ns", "repo", "img0", "img1", "t", pkSchema, changes)
	require.NoError(t, err)

	payload, err := physical.Read(ctx, newID)
	require.NoError(t, err)
	defer payload.Close()
	rows, err := fragmentapplier.DecodePayload(payload)
	require.NoError(t, err)

	var sawDelete1, sawInsert9 bool
	for _, r := range rows {
		if !r.Upsert && r.Values["id"] == "1" {
			sawDelete1 = true
		}
		if r.Upsert && r.Values["id"] == "9" {
			sawInsert9 = true
		}
	}
	require.True(t, sawDelete1, "primary-key change must delete the old key")
	require.True(t, sawInsert9, "primary-key change must insert under the new key")
}

func TestCreateSnapshotRegistersSnapWithNoParent(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	w := New(meta, physical)
	rows := []types.FragmentRow{{Upsert: true, Values: map[string]string{"id": "1", "val": "a"}}}
	newID, err := w.CreateSnapshot(ctx, "ns", "repo", "img0", "t", pkSchema, rows)
	require.NoError(t, err)

	obj, err := meta.GetObjects(ctx, nil, []string{newID})
	require.NoError(t, err)
	require.Equal(t, types.FormatSnap, obj[newID].Format)
	require.Empty(t, obj[newID].ParentID)

	binding, err := meta.GetTableBinding(ctx, nil, "ns", "repo", "img0", "t")
	require.NoError(t, err)
	require.Equal(t, newID, binding.ObjectID)
}
