package cachemanager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splitgraph/sgr-objects/internal/config"
	"github.com/splitgraph/sgr-objects/internal/fragmentapplier"
	"github.com/splitgraph/sgr-objects/internal/metadatastore/sqlite"
	"github.com/splitgraph/sgr-objects/internal/physicalstore"
	"github.com/splitgraph/sgr-objects/internal/physicalstore/filestore"
	"github.com/splitgraph/sgr-objects/internal/remote"
	"github.com/splitgraph/sgr-objects/internal/resolver"
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

func writePayload(t *testing.T, physical *filestore.Store, id string, rows []types.FragmentRow) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, fragmentapplier.EncodePayload(&buf, rows))
	require.NoError(t, physical.Write(context.Background(), id, bytes.NewReader(buf.Bytes())))
}

func seedIdle(t *testing.T, meta *sqlite.Store, id string, size int64, lastUsed time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{
		{ObjectID: id, Format: types.FormatSnap, Namespace: "ns", Size: size, CreatedAt: lastUsed},
	}))
	_, err := meta.Claim(ctx, nil, []string{id}, lastUsed)
	require.NoError(t, err)
	require.NoError(t, meta.SetReady(ctx, nil, []string{id}, lastUsed))
	require.NoError(t, meta.Release(ctx, nil, []string{id}))
}

func testCfg() config.CacheManagerConfig {
	return config.CacheManagerConfig{
		CacheSizeBytes:      1000,
		EvictionFloorBytes:  1,
		EvictionDecayRate:   1.0 / 3600.0,
		EvictionGracePeriod: 10 * time.Minute,
		PromoteThreshold:    5,
		PromoteLookback:     time.Hour,
		ClaimWaitTimeout:    5 * time.Second,
	}
}

// TestEnsureObjectsEvictsColdestIdleObject verifies that when fetching a
// new object would exceed the configured budget, eviction picks the idle,
// zero-refcount object with the lowest recency-decayed score rather than
// whichever happens to be smallest or most recently added.
func TestEnsureObjectsEvictsColdestIdleObject(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	seedIdle(t, meta, "old", 400, now.Add(-2*time.Hour))
	seedIdle(t, meta, "recent", 400, now.Add(-time.Minute))
	for _, id := range []string{"old", "recent"} {
		writePayload(t, physical, id, []types.FragmentRow{{Upsert: true, Values: map[string]string{"id": "1"}}})
	}

	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{
		{ObjectID: "newobj", Format: types.FormatSnap, Namespace: "ns", Size: 300},
	}))

	fetchedFrom := &fakePeer{payloads: map[string][]byte{"newobj": []byte(`[]`)}}
	fetcher := remote.NewFetcher(meta, physical, nil)

	mgr := New(meta, physical, nil, fetcher, testCfg(), nil, WithPeer(fetchedFrom))

	require.NoError(t, mgr.fetchMissing(ctx, []string{"newobj"}))

	present, err := physicalstore.ExistsAll(ctx, physical, []string{"old", "recent", "newobj"})
	require.NoError(t, err)
	require.False(t, present["old"], "coldest idle object should have been evicted")
	require.True(t, present["recent"], "warmer idle object should survive eviction")
	require.True(t, present["newobj"])
}

type fakePeer struct {
	mu       sync.Mutex
	payloads map[string][]byte
	fetches  int32
	delay    time.Duration
}

func (p *fakePeer) ExistingObjects(ctx context.Context, ids []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := p.payloads[id]
		out[id] = ok
	}
	return out, nil
}

func (p *fakePeer) FetchObject(ctx context.Context, id string) (io.ReadCloser, error) {
	atomic.AddInt32(&p.fetches, 1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	data, ok := p.payloads[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake peer has no object %s", id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// TestEnsureObjectsDedupsConcurrentFetch verifies that two concurrent
// EnsureObjects calls for the same missing object result in exactly one
// peer fetch: the losing claimant waits for the winner to mark the object
// ready instead of fetching it a second time.
func TestEnsureObjectsDedupsConcurrentFetch(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{
		{ObjectID: "shared", Format: types.FormatSnap, Namespace: "ns", Size: 10},
	}))
	require.NoError(t, meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: "ns", Repository: "repo", ImageHash: "img", TableName: "t", ObjectID: "shared",
	}))

	peer := &fakePeer{payloads: map[string][]byte{"shared": []byte(`[]`)}, delay: 50 * time.Millisecond}
	fetcher := remote.NewFetcher(meta, physical, nil)
	res := resolver.New(meta)
	mgr := New(meta, physical, res, fetcher, testCfg(), nil, WithPeer(peer))

	var wg sync.WaitGroup
	handles := make([]*Handle, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := mgr.EnsureObjects(ctx, "ns", "repo", "img", "t", nil)
			handles[i] = h
			errs[i] = err
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.EqualValues(t, 1, atomic.LoadInt32(&peer.fetches))

	for _, h := range handles {
		require.NoError(t, h.Release(ctx))
	}
}

// TestEnsureObjectsPromotesAfterThresholdMisses verifies that once a
// delta chain's head accumulates enough recent misses, EnsureObjects
// collapses it into a snapshot and later calls resolve directly to that
// snapshot rather than re-walking or re-promoting it.
func TestEnsureObjectsPromotesAfterThresholdMisses(t *testing.T) {
	meta, physical := newFixture(t)
	ctx := context.Background()

	pk := []types.ColumnSpec{{Ordinal: 0, Name: "id", Type: "integer", IsPK: true}}
	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{
		{ObjectID: "s0", Format: types.FormatSnap, Namespace: "ns", Size: 50, Schema: pk},
		{ObjectID: "d1", Format: types.FormatDiff, ParentID: "s0", Namespace: "ns", Size: 10, Schema: pk},
	}))
	require.NoError(t, meta.RegisterTableBinding(ctx, nil, types.TableBinding{
		Namespace: "ns", Repository: "repo", ImageHash: "img", TableName: "t", Schema: pk, ObjectID: "d1",
	}))
	writePayload(t, physical, "s0", []types.FragmentRow{{Upsert: true, Values: map[string]string{"id": "1", "val": "a"}}})
	writePayload(t, physical, "d1", []types.FragmentRow{{Upsert: true, Values: map[string]string{"id": "1", "val": "b"}}})

	now := time.Now()
	for _, id := range []string{"s0", "d1"} {
		_, err := meta.Claim(ctx, nil, []string{id}, now)
		require.NoError(t, err)
		require.NoError(t, meta.SetReady(ctx, nil, []string{id}, now))
		require.NoError(t, meta.Release(ctx, nil, []string{id}))
	}

	res := resolver.New(meta)
	mgr := New(meta, physical, res, nil, testCfg(), nil)

	var lastIDs []string
	for i := 0; i < 5; i++ {
		h, err := mgr.EnsureObjects(ctx, "ns", "repo", "img", "t", nil)
		require.NoError(t, err)
		lastIDs = h.ObjectIDs()
		require.NoError(t, h.Release(ctx))
	}
	require.Len(t, lastIDs, 1, "the fifth read should have triggered promotion to a single collapsed snapshot")
	promoted := lastIDs[0]
	require.NotEqual(t, "d1", promoted)

	h, err := mgr.EnsureObjects(ctx, "ns", "repo", "img", "t", nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Release(ctx)) }()
	require.Equal(t, []string{promoted}, h.ObjectIDs(), "subsequent reads must resolve straight to the collapsed snapshot")
}
