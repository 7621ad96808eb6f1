// Package remote implements fetching and uploading fragment payloads
// to/from external locations and peer object managers. Protocol handlers
// are pluggable, registered by name the way the reference storage
// backends are.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/physicalstore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// Handler fetches or uploads a single object's payload against one
// external protocol (e.g. "s3", "http", "gcs").
type Handler interface {
	// Protocol names the location protocol this handler serves.
	Protocol() string

	// Fetch streams the payload addressed by loc to w.
	Fetch(ctx context.Context, loc types.ObjectLocation, w io.Writer) error

	// Upload stores r's contents at a protocol-specific destination and
	// returns the resulting retrieval URL.
	Upload(ctx context.Context, id string, r io.Reader, params map[string]string) (url string, err error)
}

// handlerRegistry holds registered protocol handlers, keyed by protocol
// name — mirrors the reference storage package's backend-factory
// registry.
var handlerRegistry = make(map[string]Handler)

// RegisterHandler registers a protocol handler. Re-registering a protocol
// overwrites the previous handler, which is convenient for tests that
// swap in fakes.
func RegisterHandler(h Handler) {
	handlerRegistry[h.Protocol()] = h
}

// lookupHandler resolves a protocol name from an explicit registry
// instance if supplied, falling back to the package-global registry.
func lookupHandler(registry map[string]Handler, protocol string) (Handler, bool) {
	if registry != nil {
		if h, ok := registry[protocol]; ok {
			return h, true
		}
	}
	h, ok := handlerRegistry[protocol]
	return h, ok
}

// Peer is another object manager instance reachable in-process — the
// transport of last resort when an object has no external location.
// Tests back it with an in-memory map of payloads so dedup logic runs
// without a network.
type Peer interface {
	// ExistingObjects reports which of ids the peer has metadata for.
	ExistingObjects(ctx context.Context, ids []string) (map[string]bool, error)

	// FetchObject streams id's payload from the peer's physical store.
	FetchObject(ctx context.Context, id string) (io.ReadCloser, error)
}

// UploadTarget is the peer-side counterpart for Upload's direct-transport
// fallback.
type UploadTarget interface {
	ExistingObjects(ctx context.Context, ids []string) (map[string]bool, error)
	StoreObject(ctx context.Context, id string, r io.Reader) error
}

// Fetcher implements the download/upload operations against a metadata
// store, a local physical store, and a set of protocol handlers.
type Fetcher struct {
	metadata metadatastore.Store
	physical physicalstore.Store
	handlers map[string]Handler
	log      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHandlers overrides the fetcher's handler set instead of using the
// package-global registry — primarily for tests.
func WithHandlers(handlers map[string]Handler) Option {
	return func(f *Fetcher) { f.handlers = handlers }
}

// NewFetcher builds a Fetcher over the given metadata and physical
// stores.
func NewFetcher(metadata metadatastore.Store, physical physicalstore.Store, log *slog.Logger, opts ...Option) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	f := &Fetcher{metadata: metadata, physical: physical, log: log}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Download fetches ids not already present locally, preferring any
// registered external location and falling back to peer for the rest.
// It returns the ids now present locally (including ones that were
// already present) and fails with types.ErrFetchIncomplete if any
// required id remains absent.
func (f *Fetcher) Download(ctx context.Context, peer Peer, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	present, err := physicalstore.ExistsAll(ctx, f.physical, ids)
	if err != nil {
		return nil, fmt.Errorf("checking local presence: %w", err)
	}

	var toFetch []string
	stored := make([]string, 0, len(ids))
	for _, id := range ids {
		if present[id] {
			stored = append(stored, id)
			continue
		}
		toFetch = append(toFetch, id)
	}
	if len(toFetch) == 0 {
		return stored, nil
	}

	locations, err := f.metadata.GetObjectLocations(ctx, nil, toFetch)
	if err != nil {
		return nil, fmt.Errorf("loading object locations: %w", err)
	}

	var viaHandler, viaPeer []string
	for _, id := range toFetch {
		if len(locations[id]) > 0 {
			viaHandler = append(viaHandler, id)
		} else {
			viaPeer = append(viaPeer, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, id := range viaHandler {
		id := id
		locs := locations[id]
		g.Go(func() error {
			return f.fetchViaHandler(gctx, id, locs)
		})
	}

	if peer != nil {
		for _, id := range viaPeer {
			id := id
			g.Go(func() error {
				return f.fetchViaPeer(gctx, peer, id)
			})
		}
	}

	fetchErr := g.Wait()

	finalPresent, err := physicalstore.ExistsAll(ctx, f.physical, toFetch)
	if err != nil {
		return nil, fmt.Errorf("verifying fetched objects: %w", err)
	}

	var missing []string
	for _, id := range toFetch {
		if finalPresent[id] {
			stored = append(stored, id)
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		if fetchErr != nil {
			return stored, fmt.Errorf("%w: %v: underlying error: %v", types.ErrFetchIncomplete, missing, fetchErr)
		}
		return stored, fmt.Errorf("%w: %v", types.ErrFetchIncomplete, missing)
	}
	return stored, nil
}

func (f *Fetcher) fetchViaHandler(ctx context.Context, id string, locs []types.ObjectLocation) error {
	var lastErr error
	for _, loc := range locs {
		h, ok := lookupHandler(f.handlers, loc.Protocol)
		if !ok {
			lastErr = fmt.Errorf("no handler registered for protocol %q", loc.Protocol)
			continue
		}
		pr, pw := io.Pipe()
		go func() {
			if err := h.Fetch(ctx, loc, pw); err != nil {
				// CloseWithError makes the paired Read return this error
				// instead of io.EOF, so physical.Write's io.Copy aborts
				// and never renames a truncated payload into place.
				pw.CloseWithError(err)
				return
			}
			pw.Close()
		}()
		if writeErr := f.physical.Write(ctx, id, pr); writeErr != nil {
			lastErr = fmt.Errorf("fetching %s via %s: %w", id, loc.Protocol, writeErr)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("object %s has no usable location", id)
	}
	return lastErr
}

func (f *Fetcher) fetchViaPeer(ctx context.Context, peer Peer, id string) error {
	r, err := peer.FetchObject(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching %s from peer: %w", id, err)
	}
	defer r.Close()
	if err := f.physical.Write(ctx, id, r); err != nil {
		return fmt.Errorf("storing %s fetched from peer: %w", id, err)
	}
	return nil
}

// UploadResult records where an uploaded object ended up.
type UploadResult struct {
	ObjectID string
	URL      string
	Protocol string
}

// Upload stores ids at target using the named protocol handler, skipping
// ids already present on target, and returns the external locations
// produced.
func (f *Fetcher) Upload(ctx context.Context, target UploadTarget, ids []string, protocol string, params map[string]string) ([]UploadResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	existing, err := target.ExistingObjects(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("checking target presence: %w", err)
	}

	var toUpload []string
	for _, id := range ids {
		if !existing[id] {
			toUpload = append(toUpload, id)
		}
	}
	if len(toUpload) == 0 {
		return nil, nil
	}

	var h Handler
	if protocol != "" {
		var ok bool
		h, ok = lookupHandler(f.handlers, protocol)
		if !ok {
			return nil, fmt.Errorf("no handler registered for protocol %q", protocol)
		}
	}

	results := make([]UploadResult, len(toUpload))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range toUpload {
		i, id := i, id
		g.Go(func() error {
			r, err := f.physical.Read(gctx, id)
			if err != nil {
				return fmt.Errorf("reading %s for upload: %w", id, err)
			}
			defer r.Close()

			if h != nil {
				url, err := h.Upload(gctx, id, r, params)
				if err != nil {
					return fmt.Errorf("uploading %s via %s: %w", id, protocol, err)
				}
				results[i] = UploadResult{ObjectID: id, URL: url, Protocol: protocol}
				return nil
			}
			if err := target.StoreObject(gctx, id, r); err != nil {
				return fmt.Errorf("storing %s on target: %w", id, err)
			}
			results[i] = UploadResult{ObjectID: id, Protocol: "peer"}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
