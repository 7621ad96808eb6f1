// Package sgrobjects provides a minimal public API for embedding the
// object manager: construction over a SQLite metadata store and a local
// physical store, wired to the cache manager and write path.
//
// Most callers outside this module should only need New, Open, and the
// ObjectManager and Handle methods exposed here. The internal/* packages
// are importable only from within this module (e.g. by cmd/sgrobjd).
package sgrobjects

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/splitgraph/sgr-objects/internal/cachemanager"
	"github.com/splitgraph/sgr-objects/internal/config"
	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/metadatastore/sqlite"
	"github.com/splitgraph/sgr-objects/internal/physicalstore"
	"github.com/splitgraph/sgr-objects/internal/physicalstore/filestore"
	"github.com/splitgraph/sgr-objects/internal/remote"
	"github.com/splitgraph/sgr-objects/internal/resolver"
	"github.com/splitgraph/sgr-objects/internal/types"
	"github.com/splitgraph/sgr-objects/internal/writepath"
)

// Core domain types re-exported for callers that don't need the full
// internal/types surface.
type (
	ColumnSpec     = types.ColumnSpec
	ChangeLogEntry = types.ChangeLogEntry
	FragmentRow    = types.FragmentRow
	Qualifier      = types.Qualifier
	QualifierList  = types.QualifierList
)

// Change actions for building ChangeLogEntry values.
const (
	ActionInsert = types.ActionInsert
	ActionDelete = types.ActionDelete
	ActionUpdate = types.ActionUpdate
)

// Sentinel errors, re-exported for errors.Is against API return values.
var (
	ErrCacheTooSmall           = types.ErrCacheTooSmall
	ErrInsufficientReclaimable = types.ErrInsufficientReclaimable
	ErrFetchIncomplete         = types.ErrFetchIncomplete
	ErrObjectNotFound          = types.ErrObjectNotFound
	ErrMalformedChangeLog      = types.ErrMalformedChangeLog
)

// Handle is the scoped result of EnsureObjects: while held, every object
// the plan named is locally present and pinned.
type Handle = cachemanager.Handle

// Peer is an in-process peer object manager consulted as a fetch fallback.
type Peer = remote.Peer

// LocationHandler fetches or uploads a single object against one external
// protocol.
type LocationHandler = remote.Handler

// RegisterLocationHandler registers a protocol handler process-wide.
func RegisterLocationHandler(h LocationHandler) { remote.RegisterHandler(h) }

// ObjectManager glues the metadata store, physical store, resolver, cache
// manager, and write path into the single entry point embedders use.
type ObjectManager struct {
	meta     metadatastore.Store
	physical physicalstore.Store
	cache    *cachemanager.Manager
	writer   *writepath.Writer
}

// Option configures an ObjectManager at construction.
type Option func(*objectManagerOptions)

type objectManagerOptions struct {
	log  *slog.Logger
	peer remote.Peer
}

// WithLogger sets the structured logger used by the cache manager.
func WithLogger(log *slog.Logger) Option {
	return func(o *objectManagerOptions) { o.log = log }
}

// WithPeer sets the in-process peer consulted when an object has no
// registered external location.
func WithPeer(peer Peer) Option {
	return func(o *objectManagerOptions) { o.peer = peer }
}

// Open constructs an ObjectManager from the process configuration
// (see internal/config): a SQLite metadata store at the configured path
// and a content-addressed directory store at the configured directory.
// Call config.Initialize before Open so RegisterCacheManagerDefaults and
// RegisterStoreDefaults have already populated config's viper instance.
func Open(ctx context.Context, opts ...Option) (*ObjectManager, error) {
	storeCfg := config.GetStoreConfig()

	meta, err := sqlite.Open(ctx, storeCfg.MetadataPath, nil)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store at %s: %w", storeCfg.MetadataPath, err)
	}

	physical, err := filestore.Open(storeCfg.PhysicalDir)
	if err != nil {
		_ = meta.Close()
		return nil, fmt.Errorf("opening physical store at %s: %w", storeCfg.PhysicalDir, err)
	}

	return newObjectManager(meta, physical, config.GetCacheManagerConfig(), opts...), nil
}

// New constructs an ObjectManager over already-open stores, for callers
// that manage their own metadata/physical backends or want to inject
// fakes in tests.
func New(meta metadatastore.Store, physical physicalstore.Store, cfg config.CacheManagerConfig, opts ...Option) *ObjectManager {
	return newObjectManager(meta, physical, cfg, opts...)
}

func newObjectManager(meta metadatastore.Store, physical physicalstore.Store, cfg config.CacheManagerConfig, opts ...Option) *ObjectManager {
	o := &objectManagerOptions{}
	for _, opt := range opts {
		opt(o)
	}

	res := resolver.New(meta)
	fetcher := remote.NewFetcher(meta, physical, o.log)

	var cacheOpts []cachemanager.Option
	if o.peer != nil {
		cacheOpts = append(cacheOpts, cachemanager.WithPeer(o.peer))
	}
	cache := cachemanager.New(meta, physical, res, fetcher, cfg, o.log, cacheOpts...)

	return &ObjectManager{
		meta:     meta,
		physical: physical,
		cache:    cache,
		writer:   writepath.New(meta, physical),
	}
}

// EnsureObjects resolves a table's materialization plan and guarantees
// every object it names is locally present and pinned for the lifetime
// of the returned Handle. The caller must call Handle.Release when done.
func (m *ObjectManager) EnsureObjects(ctx context.Context, namespace, repository, imageHash, table string, quals QualifierList) (*Handle, error) {
	return m.cache.EnsureObjects(ctx, namespace, repository, imageHash, table, quals)
}

// Commit conflates a table's pending changes into a fresh fragment (or
// re-binds to the prior fragment if nothing net changed) and returns the
// object id the table now resolves to at newImage.
func (m *ObjectManager) Commit(ctx context.Context, namespace, repository, priorImage, newImage, table string, schema []ColumnSpec, changes []ChangeLogEntry) (string, error) {
	return m.writer.Commit(ctx, namespace, repository, priorImage, newImage, table, schema, changes)
}

// CreateSnapshot registers rows as a standalone SNAP fragment and binds
// table at newImage to it.
func (m *ObjectManager) CreateSnapshot(ctx context.Context, namespace, repository, newImage, table string, schema []ColumnSpec, rows []FragmentRow) (string, error) {
	return m.writer.CreateSnapshot(ctx, namespace, repository, newImage, table, schema, rows)
}

// RepairLeakedRefcounts zeroes every cache-status refcount. Call once at
// startup, before any EnsureObjects call, when certain no other process
// sharing this metadata store is still live.
func (m *ObjectManager) RepairLeakedRefcounts(ctx context.Context) (int, error) {
	return m.cache.RepairLeakedRefcounts(ctx)
}

// Sweep runs the cache manager's full maintenance pass: crash-orphan
// cleanup followed by unreferenced-object garbage collection.
func (m *ObjectManager) Sweep(ctx context.Context) error {
	return m.cache.Sweep(ctx)
}

// Close releases the metadata store's resources. The physical store has
// no resources to release.
func (m *ObjectManager) Close() error {
	return m.meta.Close()
}
