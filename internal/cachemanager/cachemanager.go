// Package cachemanager implements ensure_objects: resolving a table's
// materialization plan, pinning and fetching its objects under a bounded
// physical-store budget, adaptively promoting hot delta chains into
// collapsed snapshots, and releasing pins on scope exit.
package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/splitgraph/sgr-objects/internal/config"
	"github.com/splitgraph/sgr-objects/internal/fragmentapplier"
	"github.com/splitgraph/sgr-objects/internal/idgen"
	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/physicalstore"
	"github.com/splitgraph/sgr-objects/internal/remote"
	"github.com/splitgraph/sgr-objects/internal/resolver"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// cacheTracer is the OTel tracer for ensure_objects's phases. It uses the
// global provider, which is a no-op until the host process wires one up.
var cacheTracer = otel.Tracer("github.com/splitgraph/sgr-objects/cachemanager")

var cacheMetrics struct {
	evictedBytes  metric.Int64Counter
	promotions    metric.Int64Counter
	claimWaits    metric.Int64Counter
	fetchFailures metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/splitgraph/sgr-objects/cachemanager")
	cacheMetrics.evictedBytes, _ = m.Int64Counter("sgrobj.cache.evicted_bytes",
		metric.WithDescription("Bytes reclaimed by eviction"),
		metric.WithUnit("By"),
	)
	cacheMetrics.promotions, _ = m.Int64Counter("sgrobj.cache.promotions",
		metric.WithDescription("Collapsed-snapshot promotions performed"),
	)
	cacheMetrics.claimWaits, _ = m.Int64Counter("sgrobj.cache.claim_waits",
		metric.WithDescription("Times a caller waited on another worker's in-flight claim"),
	)
	cacheMetrics.fetchFailures, _ = m.Int64Counter("sgrobj.cache.fetch_failures",
		metric.WithDescription("ensure_objects calls that failed during fetch"),
	)
}

// endSpan records an error, if any, and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Manager implements ensure_objects over a metadata store, a physical
// store, a resolver, and a remote fetcher.
type Manager struct {
	meta     metadatastore.Store
	physical physicalstore.Store
	resolve  resolver.Resolver
	fetcher  *remote.Fetcher
	peer     remote.Peer
	cfg      config.CacheManagerConfig
	log      *slog.Logger

	// waitGroup collapses concurrent losing-claimant pollers for the same
	// object id into a single poll loop, the way a block-fetcher's
	// singleflight.Group collapses concurrent metadata refreshes.
	waitGroup singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithPeer sets the peer consulted by the remote fetcher for objects with
// no registered external location.
func WithPeer(peer remote.Peer) Option {
	return func(m *Manager) { m.peer = peer }
}

// New builds a Manager.
func New(meta metadatastore.Store, physical physicalstore.Store, resolve resolver.Resolver, fetcher *remote.Fetcher, cfg config.CacheManagerConfig, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{meta: meta, physical: physical, resolve: resolve, fetcher: fetcher, cfg: cfg, log: log}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle is the scoped result of a successful EnsureObjects call: while
// held, every id in ObjectIDs() is present in the physical store and
// pinned (refcount > 0). Release must be called exactly once.
type Handle struct {
	mgr      *Manager
	pinned   []string // the ids whose refcount this handle is responsible for releasing
	objectID []string // the ids to hand to the caller (post-promotion, may differ from pinned)
}

// ObjectIDs returns the ordered object ids (snap-first) the caller should
// use to materialize the table.
func (h *Handle) ObjectIDs() []string { return h.objectID }

// Release decrements the refcount on every object the handle pins: the
// resolved chain, or only the collapsed snapshot if EnsureObjects promoted.
// Safe to call exactly once; the caller should defer it immediately after
// a successful EnsureObjects.
func (h *Handle) Release(ctx context.Context) error {
	if err := h.mgr.meta.Release(ctx, nil, h.pinned); err != nil {
		return fmt.Errorf("releasing %v: %w", h.pinned, err)
	}
	return nil
}

// EnsureObjects resolves the table's materialization plan and guarantees
// every object it names is locally present and pinned for the lifetime of
// the returned Handle.
func (m *Manager) EnsureObjects(ctx context.Context, namespace, repository, imageHash, table string, quals types.QualifierList) (*Handle, error) {
	ctx, span := cacheTracer.Start(ctx, "cachemanager.ensure_objects", trace.WithAttributes(
		attribute.String("sgrobj.table", table),
		attribute.String("sgrobj.image", imageHash),
	))
	var err error
	defer func() { endSpan(span, err) }()

	var plan *types.MaterializationPlan
	plan, err = m.resolve.Resolve(ctx, nil, namespace, repository, imageHash, table, quals)
	if err != nil {
		return nil, fmt.Errorf("resolving %s/%s@%s.%s: %w", namespace, repository, imageHash, table, err)
	}

	required := objectIDs(plan.Objects)

	if err = m.claimAndWait(ctx, required); err != nil {
		return nil, err
	}

	if err = m.fetchMissing(ctx, required); err != nil {
		_ = m.meta.Release(ctx, nil, required)
		// Roll back readiness: rows still unready are dropped together with
		// any partial payload, so waiters see them disappear.
		if status, serr := m.meta.GetCacheStatus(ctx, nil, required); serr == nil {
			var unready []string
			for _, id := range required {
				if s, ok := status[id]; ok && !s.Ready {
					unready = append(unready, id)
				}
			}
			_ = m.physical.Delete(ctx, unready)
			_ = m.meta.DeleteCacheStatus(ctx, nil, unready)
		}
		return nil, err
	}

	now := time.Now()
	if err = m.meta.SetReady(ctx, nil, required, now); err != nil {
		_ = m.meta.Release(ctx, nil, required)
		return nil, fmt.Errorf("marking %v ready: %w", required, err)
	}

	handle := &Handle{mgr: m, pinned: required, objectID: required}

	if !plan.Filtered && len(plan.Objects) > 1 {
		promoted, perr := m.maybePromote(ctx, plan)
		if perr != nil {
			m.log.Warn("promotion attempt failed, continuing with original plan", "error", perr)
		} else if promoted != "" {
			// promote already released refcounts on the original chain and
			// claimed+readied promoted in its place, so this handle's
			// release responsibility moves to it alone.
			handle.objectID = []string{promoted}
			handle.pinned = []string{promoted}
		}
	}

	return handle, nil
}

func objectIDs(objects []*types.Object) []string {
	ids := make([]string, len(objects))
	for i, o := range objects {
		ids[i] = o.ObjectID
	}
	return ids
}

// claimAndWait claims every id. Ids this caller's claim inserted fresh
// become its responsibility to fetch; ids that already had a row are
// claimed (refcount bumped) but this caller must wait for whoever is
// fetching them to mark them ready.
func (m *Manager) claimAndWait(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	results, err := m.meta.Claim(ctx, nil, ids, time.Now())
	if err != nil {
		return fmt.Errorf("claiming %v: %w", ids, err)
	}

	var waitFor []string
	for _, r := range results {
		if !r.Inserted && !r.Status.Ready {
			waitFor = append(waitFor, r.ObjectID)
		}
	}
	for _, id := range waitFor {
		cacheMetrics.claimWaits.Add(ctx, 1)
		if _, err, _ := m.waitGroup.Do(id, func() (interface{}, error) {
			return nil, m.pollReady(ctx, id)
		}); err != nil {
			return fmt.Errorf("waiting for %s to become ready: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) pollReady(ctx context.Context, id string) error {
	timeout := m.cfg.ClaimWaitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		status, err := m.meta.GetCacheStatus(ctx, nil, []string{id})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("checking status of %s: %w", id, err))
		}
		s, ok := status[id]
		if !ok {
			return backoff.Permanent(fmt.Errorf("cache status for %s disappeared while waiting: %w", id, types.ErrFetchIncomplete))
		}
		if !s.Ready {
			return fmt.Errorf("object %s not yet ready", id)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// fetchMissing runs the fetch-plan/fetch phases: computes the working set
// not already physically present, checks it against the cache budget
// (evicting if necessary), and fetches it via the remote fetcher.
func (m *Manager) fetchMissing(ctx context.Context, required []string) error {
	present, err := physicalstore.ExistsAll(ctx, m.physical, required)
	if err != nil {
		return fmt.Errorf("checking physical presence of %v: %w", required, err)
	}
	var missing []string
	for _, id := range required {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	objs, err := m.meta.GetObjects(ctx, nil, missing)
	if err != nil {
		return fmt.Errorf("loading metadata for %v: %w", missing, err)
	}
	var requiredSpace int64
	for _, id := range missing {
		if o, ok := objs[id]; ok {
			requiredSpace += o.Size
		}
	}
	if requiredSpace > m.cfg.CacheSizeBytes {
		return fmt.Errorf("materializing %v needs %d bytes: %w", missing, requiredSpace, types.ErrCacheTooSmall)
	}

	occupancy, err := m.meta.CurrentOccupancy(ctx, nil)
	if err != nil {
		return fmt.Errorf("reading current occupancy: %w", err)
	}
	if requiredSpace+occupancy > m.cfg.CacheSizeBytes {
		protect := make(map[string]bool, len(required))
		for _, id := range required {
			protect[id] = true
		}
		freed := requiredSpace + occupancy - m.cfg.CacheSizeBytes
		if err := m.evict(ctx, freed, protect); err != nil {
			return err
		}
	}

	if _, err := m.fetcher.Download(ctx, m.peer, missing); err != nil {
		cacheMetrics.fetchFailures.Add(ctx, 1)
		return fmt.Errorf("fetching %v: %w", missing, err)
	}

	finalPresent, err := physicalstore.ExistsAll(ctx, m.physical, missing)
	if err != nil {
		return fmt.Errorf("verifying fetch of %v: %w", missing, err)
	}
	var stillMissing []string
	for _, id := range missing {
		if !finalPresent[id] {
			stillMissing = append(stillMissing, id)
		}
	}
	if len(stillMissing) > 0 {
		return fmt.Errorf("%w: %v", types.ErrFetchIncomplete, stillMissing)
	}
	return nil
}

// evict frees at least targetBytes from cache-status rows with refcount
// zero, excluding protect, scored by exponential recency decay. It runs
// under cache-status's exclusive lock, acquired only after the caller's
// own transaction has committed so the lock acquisition can't deadlock
// against row locks this goroutine is already holding.
func (m *Manager) evict(ctx context.Context, targetBytes int64, protect map[string]bool) error {
	ctx, span := cacheTracer.Start(ctx, "cachemanager.evict", trace.WithAttributes(
		attribute.Int64("sgrobj.target_bytes", targetBytes),
	))
	var err error
	defer func() { endSpan(span, err) }()

	var lockTx metadatastore.Tx
	lockTx, err = m.meta.LockCacheStatusExclusive(ctx)
	if err != nil {
		return fmt.Errorf("acquiring exclusive cache-status lock: %w", err)
	}
	defer func() {
		if lockTx != nil {
			_ = lockTx.Rollback()
		}
	}()

	candidates, cerr := m.meta.EvictionCandidates(ctx, lockTx, protect)
	if cerr != nil {
		err = fmt.Errorf("listing eviction candidates: %w", cerr)
		return err
	}

	now := time.Now()
	scored := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		scored[i] = scoredCandidate{candidate: c, score: evictionScore(c.Size, now.Sub(c.LastUsed), m.cfg.EvictionDecayRate, m.cfg.EvictionFloorBytes)}
	}
	sortByScoreAscending(scored)

	var freed int64
	var toDelete []string
	for _, sc := range scored {
		if freed >= targetBytes {
			break
		}
		toDelete = append(toDelete, sc.candidate.ObjectID)
		freed += sc.candidate.Size
	}
	if freed < targetBytes {
		err = fmt.Errorf("need %d bytes, could only reclaim %d: %w", targetBytes, freed, types.ErrInsufficientReclaimable)
		return err
	}

	if derr := m.physical.Delete(ctx, toDelete); derr != nil {
		err = fmt.Errorf("deleting evicted objects from physical store: %w", derr)
		return err
	}
	if derr := m.meta.DeleteSnapCacheForObjects(ctx, lockTx, toDelete); derr != nil {
		err = fmt.Errorf("deleting snap-cache rows for evicted objects: %w", derr)
		return err
	}
	if derr := m.meta.DeleteCacheStatus(ctx, lockTx, toDelete); derr != nil {
		err = fmt.Errorf("deleting cache-status rows for evicted objects: %w", derr)
		return err
	}

	if cerr := lockTx.Commit(); cerr != nil {
		err = fmt.Errorf("committing eviction: %w", cerr)
		lockTx = nil
		return err
	}
	lockTx = nil
	cacheMetrics.evictedBytes.Add(ctx, freed)
	return nil
}

type scoredCandidate struct {
	candidate metadatastore.EvictionCandidate
	score     float64
}

func sortByScoreAscending(s []scoredCandidate) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].score < s[j-1].score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// evictionScore approximates P(reuse) * cost(refetch): exponential decay
// on recency, times size floored so small objects aren't scored as free
// to evict just because their per-byte cost looks negligible — the floor
// models per-object retrieval latency dominating bandwidth for small
// objects.
func evictionScore(size int64, sinceLastUse time.Duration, decayRate float64, floor int64) float64 {
	effectiveSize := size
	if effectiveSize < floor {
		effectiveSize = floor
	}
	decay := math.Exp(-decayRate * sinceLastUse.Seconds())
	return decay * float64(effectiveSize)
}

// maybePromote appends a miss-log entry for the plan's delta-chain head
// and, once the recent-miss count reaches the configured threshold,
// attempts to collapse the chain into a fresh snapshot. Returns the new
// snapshot id if this call (or a racing one) completed a promotion,
// "" if no promotion was attempted or needed.
func (m *Manager) maybePromote(ctx context.Context, plan *types.MaterializationPlan) (string, error) {
	head := plan.Objects[len(plan.Objects)-1].ObjectID
	now := time.Now()
	if err := m.meta.AppendMissLogEntry(ctx, nil, head, now); err != nil {
		return "", fmt.Errorf("recording miss for %s: %w", head, err)
	}

	threshold := m.cfg.PromoteThreshold
	if threshold <= 0 {
		return "", nil
	}
	lookback := m.cfg.PromoteLookback
	count, err := m.meta.CountRecentMisses(ctx, nil, head, now.Add(-lookback))
	if err != nil {
		return "", fmt.Errorf("counting recent misses for %s: %w", head, err)
	}
	if count < threshold {
		return "", nil
	}

	return m.promote(ctx, plan, head)
}

// promote collapses plan's chain into a fresh SNAP keyed on head. If
// another worker already won the race to collapse this head, its entry
// is reused instead.
func (m *Manager) promote(ctx context.Context, plan *types.MaterializationPlan, head string) (string, error) {
	ctx, span := cacheTracer.Start(ctx, "cachemanager.promote", trace.WithAttributes(
		attribute.String("sgrobj.head", head),
	))
	var err error
	defer func() { endSpan(span, err) }()

	var snapID string
	snapID, err = idgen.NewObjectID('s')
	if err != nil {
		return "", fmt.Errorf("generating collapsed snapshot id: %w", err)
	}

	var pkColumns []string
	for _, c := range plan.Objects[0].Schema {
		if c.IsPK {
			pkColumns = append(pkColumns, c.Name)
		}
	}

	size, cerr := fragmentapplier.CollapseToSnapshot(ctx, m.physical, plan.Objects, pkColumns, snapID)
	if cerr != nil {
		err = fmt.Errorf("collapsing chain ending at %s: %w", head, cerr)
		return "", err
	}

	insertErr := m.meta.InsertSnapCacheEntry(ctx, nil, types.SnapCacheEntry{SnapID: snapID, DiffID: head, Size: size})
	if insertErr != nil {
		if errors.Is(insertErr, types.ErrDuplicateRegistration) {
			// Another worker won the race; reuse its entry and drop our
			// own orphaned physical write.
			_ = m.physical.Delete(ctx, []string{snapID})
			existing, gerr := m.meta.GetSnapCacheEntry(ctx, nil, head)
			if gerr != nil {
				err = fmt.Errorf("reading winning collapsed snapshot for %s: %w", head, gerr)
				return "", err
			}
			if _, cerr := m.meta.Claim(ctx, nil, []string{existing.SnapID}, time.Now()); cerr != nil {
				err = fmt.Errorf("claiming winning collapsed snapshot %s: %w", existing.SnapID, cerr)
				return "", err
			}
			if serr := m.pollReady(ctx, existing.SnapID); serr != nil {
				err = fmt.Errorf("waiting for winning collapsed snapshot %s to become ready: %w", existing.SnapID, serr)
				return "", err
			}
			if rerr := m.meta.Release(ctx, nil, objectIDs(plan.Objects)); rerr != nil {
				err = fmt.Errorf("releasing original chain after adopting collapsed snapshot %s: %w", existing.SnapID, rerr)
				return "", err
			}
			return existing.SnapID, nil
		}
		err = fmt.Errorf("registering collapsed snapshot %s: %w", snapID, insertErr)
		return "", err
	}

	if rerr := m.meta.RegisterObjects(ctx, nil, []types.Object{{ObjectID: snapID, Format: types.FormatSnap, Namespace: plan.Objects[0].Namespace, Size: size, CreatedAt: time.Now()}}); rerr != nil {
		err = fmt.Errorf("registering collapsed snapshot object %s: %w", snapID, rerr)
		return "", err
	}

	if _, cerr := m.meta.Claim(ctx, nil, []string{snapID}, time.Now()); cerr != nil {
		err = fmt.Errorf("claiming collapsed snapshot %s: %w", snapID, cerr)
		return "", err
	}
	if serr := m.meta.SetReady(ctx, nil, []string{snapID}, time.Now()); serr != nil {
		err = fmt.Errorf("marking collapsed snapshot %s ready: %w", snapID, serr)
		return "", err
	}
	if rerr := m.meta.Release(ctx, nil, objectIDs(plan.Objects)); rerr != nil {
		err = fmt.Errorf("releasing original chain after promotion of %s: %w", head, rerr)
		return "", err
	}

	cacheMetrics.promotions.Add(ctx, 1)
	return snapID, nil
}

// RepairLeakedRefcounts zeroes every cache-status refcount. Call once at
// process startup, before any EnsureObjects call, and only when certain
// no other process holding this metadata store is still live — a refcount
// left nonzero by a process that was killed mid-operation would otherwise
// pin objects forever.
func (m *Manager) RepairLeakedRefcounts(ctx context.Context) (int, error) {
	n, err := m.meta.ZeroAllRefcounts(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("zeroing leaked refcounts: %w", err)
	}
	if n > 0 {
		m.log.Info("repaired leaked refcounts", "count", n)
	}
	return n, nil
}

// Sweep performs a full garbage-collection pass: it deletes cache-status
// rows left ready=false past the eviction grace period (crash orphans
// from a process that died mid-fetch), then deletes every object with no
// surviving table binding reaching it. It does not touch refcounted or
// ready objects still referenced by a binding.
func (m *Manager) Sweep(ctx context.Context) error {
	ctx, span := cacheTracer.Start(ctx, "cachemanager.sweep")
	var err error
	defer func() { endSpan(span, err) }()

	if err = m.sweepStaleUnready(ctx); err != nil {
		return err
	}
	return m.sweepUnreferenced(ctx)
}

func (m *Manager) sweepStaleUnready(ctx context.Context) error {
	grace := m.cfg.EvictionGracePeriod
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	cutoff := time.Now().Add(-grace)

	stale, err := m.meta.StaleUnreadyCandidates(ctx, nil, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale unready candidates: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	ids := make([]string, len(stale))
	for i, c := range stale {
		ids[i] = c.ObjectID
	}
	if err := m.physical.Delete(ctx, ids); err != nil {
		return fmt.Errorf("deleting orphaned physical objects %v: %w", ids, err)
	}
	if err := m.meta.DeleteCacheStatus(ctx, nil, ids); err != nil {
		return fmt.Errorf("deleting orphaned cache-status rows %v: %w", ids, err)
	}
	m.log.Info("swept crash-orphaned cache-status rows", "count", len(ids))
	return nil
}

func (m *Manager) sweepUnreferenced(ctx context.Context) error {
	all, err := m.meta.AllObjectIDs(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing all object ids: %w", err)
	}
	referenced, err := m.meta.ReferencedObjectIDs(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing referenced object ids: %w", err)
	}

	var unreferenced []string
	for _, id := range all {
		if !referenced[id] {
			unreferenced = append(unreferenced, id)
		}
	}
	if len(unreferenced) == 0 {
		return nil
	}

	// A refcounted or not-yet-ready object may be mid-fetch for a binding
	// not yet committed; only sweep ids with no live cache-status claim.
	status, err := m.meta.GetCacheStatus(ctx, nil, unreferenced)
	if err != nil {
		return fmt.Errorf("checking cache status of unreferenced objects: %w", err)
	}
	var deletable []string
	for _, id := range unreferenced {
		if s, claimed := status[id]; claimed && s.Refcount > 0 {
			continue
		}
		deletable = append(deletable, id)
	}
	if len(deletable) == 0 {
		return nil
	}

	if err := m.physical.Delete(ctx, deletable); err != nil {
		return fmt.Errorf("deleting unreferenced physical objects %v: %w", deletable, err)
	}
	if err := m.meta.DeleteSnapCacheForObjects(ctx, nil, deletable); err != nil {
		return fmt.Errorf("deleting snap-cache rows for unreferenced objects %v: %w", deletable, err)
	}
	if err := m.meta.DeleteCacheStatus(ctx, nil, deletable); err != nil {
		return fmt.Errorf("deleting cache-status rows for unreferenced objects %v: %w", deletable, err)
	}
	if err := m.meta.DeleteObjects(ctx, nil, deletable); err != nil {
		return fmt.Errorf("deleting unreferenced objects %v: %w", deletable, err)
	}
	m.log.Info("swept unreferenced objects", "count", len(deletable))
	return nil
}
