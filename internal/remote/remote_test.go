package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splitgraph/sgr-objects/internal/metadatastore/sqlite"
	"github.com/splitgraph/sgr-objects/internal/physicalstore/filestore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

type fakeHandler struct {
	protocol string
	payloads map[string][]byte
}

func (f *fakeHandler) Protocol() string { return f.protocol }

func (f *fakeHandler) Fetch(ctx context.Context, loc types.ObjectLocation, w io.Writer) error {
	data, ok := f.payloads[loc.URL]
	if !ok {
		return fmt.Errorf("no payload registered for %s", loc.URL)
	}
	_, err := w.Write(data)
	return err
}

func (f *fakeHandler) Upload(ctx context.Context, id string, r io.Reader, params map[string]string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	url := "fake://" + id
	f.payloads[url] = data
	return url, nil
}

type fakePeer struct {
	mu       sync.Mutex
	existing map[string]bool
	payloads map[string][]byte
}

func (p *fakePeer) ExistingObjects(ctx context.Context, ids []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if p.existing[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (p *fakePeer) FetchObject(ctx context.Context, id string) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.payloads[id]
	if !ok {
		return nil, fmt.Errorf("peer has no object %s", id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func newTestFetcher(t *testing.T, handlers map[string]Handler) (*Fetcher, *sqlite.Store, *filestore.Store) {
	t.Helper()
	ctx := context.Background()
	meta, err := sqlite.Open(ctx, t.TempDir()+"/meta.db", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	phys, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	f := NewFetcher(meta, phys, slog.Default(), WithHandlers(handlers))
	return f, meta, phys
}

func TestDownloadViaHandler(t *testing.T) {
	ctx := context.Background()
	h := &fakeHandler{protocol: "fake", payloads: map[string][]byte{"fake://obj1": []byte("hello")}}
	f, meta, phys := newTestFetcher(t, map[string]Handler{"fake": h})

	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{{ObjectID: "obj1", Format: types.FormatSnap, Namespace: "ns", Size: 5}}))
	require.NoError(t, meta.RegisterLocations(ctx, nil, []types.ObjectLocation{{ObjectID: "obj1", URL: "fake://obj1", Protocol: "fake"}}))

	stored, err := f.Download(ctx, nil, []string{"obj1"})
	require.NoError(t, err)
	require.Equal(t, []string{"obj1"}, stored)

	r, err := phys.Read(ctx, "obj1")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestDownloadViaPeerFallback(t *testing.T) {
	ctx := context.Background()
	f, meta, phys := newTestFetcher(t, nil)

	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{{ObjectID: "obj1", Format: types.FormatSnap, Namespace: "ns", Size: 3}}))

	peer := &fakePeer{payloads: map[string][]byte{"obj1": []byte("abc")}}
	stored, err := f.Download(ctx, peer, []string{"obj1"})
	require.NoError(t, err)
	require.Equal(t, []string{"obj1"}, stored)

	r, err := phys.Read(ctx, "obj1")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
}

func TestDownloadSkipsAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	f, meta, phys := newTestFetcher(t, nil)

	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{{ObjectID: "obj1", Format: types.FormatSnap, Namespace: "ns", Size: 1}}))
	require.NoError(t, phys.Write(ctx, "obj1", bytes.NewReader([]byte("x"))))
	_, err := meta.Claim(ctx, nil, []string{"obj1"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, meta.SetReady(ctx, nil, []string{"obj1"}, time.Now()))

	stored, err := f.Download(ctx, nil, []string{"obj1"})
	require.NoError(t, err)
	require.Equal(t, []string{"obj1"}, stored)
}

func TestDownloadFailsIncompleteWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	f, meta, _ := newTestFetcher(t, nil)
	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{{ObjectID: "obj1", Format: types.FormatSnap, Namespace: "ns", Size: 1}}))

	_, err := f.Download(ctx, nil, []string{"obj1"})
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrFetchIncomplete)
}

func TestUploadViaHandlerSkipsExisting(t *testing.T) {
	ctx := context.Background()
	h := &fakeHandler{protocol: "fake", payloads: map[string][]byte{}}
	f, meta, phys := newTestFetcher(t, map[string]Handler{"fake": h})

	require.NoError(t, meta.RegisterObjects(ctx, nil, []types.Object{{ObjectID: "obj1", Format: types.FormatSnap, Namespace: "ns", Size: 5}}))
	require.NoError(t, phys.Write(ctx, "obj1", bytes.NewReader([]byte("hello"))))

	target := &fakePeer{existing: map[string]bool{}}
	results, err := f.Upload(ctx, target, []string{"obj1"}, "fake", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "obj1", results[0].ObjectID)
	require.Equal(t, "fake://obj1", results[0].URL)

	target.existing["obj1"] = true
	results, err = f.Upload(ctx, target, []string{"obj1"}, "fake", nil)
	require.NoError(t, err)
	require.Empty(t, results)
}
