// Package resolver computes the materialization plan for a table at a
// specific image: the ordered list of fragments an applier must apply,
// snap-first, to reconstruct the table's rows.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/splitgraph/sgr-objects/internal/fragmentindex"
	"github.com/splitgraph/sgr-objects/internal/metadatastore"
	"github.com/splitgraph/sgr-objects/internal/types"
)

// Resolver computes a MaterializationPlan for a table binding.
type Resolver interface {
	Resolve(ctx context.Context, tx metadatastore.Tx, namespace, repository, imageHash, table string, quals types.QualifierList) (*types.MaterializationPlan, error)
}

// ChainResolver is the default Resolver, backed by a metadata store.
type ChainResolver struct {
	meta metadatastore.Store
}

// New returns a ChainResolver over meta.
func New(meta metadatastore.Store) *ChainResolver {
	return &ChainResolver{meta: meta}
}

// Resolve looks up the object a table is bound to at the given image and
// walks its parent chain to the root SNAP, short-circuiting at the first
// collapsed-snapshot cache entry it encounters (checked head-first, so an
// entry for the head itself is also picked up). If quals is non-empty, the
// fragment index filters the resulting objects; the plan is marked
// Filtered only when the filter actually dropped something, so a filter
// that kept every object does not stop the cache manager from promoting
// the chain.
func (r *ChainResolver) Resolve(ctx context.Context, tx metadatastore.Tx, namespace, repository, imageHash, table string, quals types.QualifierList) (*types.MaterializationPlan, error) {
	binding, err := r.meta.GetTableBinding(ctx, tx, namespace, repository, imageHash, table)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("resolving table binding for %s/%s@%s.%s: %w", namespace, repository, imageHash, table, types.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("resolving table binding for %s/%s@%s.%s: %w", namespace, repository, imageHash, table, err)
	}

	chain, err := r.meta.GetObjectTree(ctx, tx, binding.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("walking object tree from %s: %w", binding.ObjectID, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("object tree from %s: %w", binding.ObjectID, types.ErrObjectNotFound)
	}

	plan, err := r.planFromChain(ctx, tx, chain)
	if err != nil {
		return nil, err
	}

	if len(quals) > 0 {
		filtered := fragmentindex.Filter(plan.Objects, quals, binding.Schema)
		if len(filtered) < len(plan.Objects) {
			plan.Objects = filtered
			plan.Filtered = true
		}
	}
	return plan, nil
}

// planFromChain walks chain (head to root, as returned by GetObjectTree)
// looking for the first object — starting at the head — with a collapsed
// snapshot cache entry. If found at index i, the plan becomes
// [cached_snap, chain[i-1], ..., chain[0]]: the cached snap replaces
// chain[i] and everything below it, and the diffs walked before reaching
// it are reapplied in oldest-to-newest order. If the chain bottoms out at
// a SNAP with no cache entry found above it, the plan is the full chain
// reversed to root-first order.
func (r *ChainResolver) planFromChain(ctx context.Context, tx metadatastore.Tx, chain []*types.Object) (*types.MaterializationPlan, error) {
	for i, obj := range chain {
		if obj.Format == types.FormatSnap {
			return &types.MaterializationPlan{Objects: reverseUpTo(chain, i, obj)}, nil
		}

		entry, err := r.meta.GetSnapCacheEntry(ctx, tx, obj.ObjectID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("checking collapsed-snapshot cache for %s: %w", obj.ObjectID, err)
		}

		snapObjs, err := r.meta.GetObjects(ctx, tx, []string{entry.SnapID})
		if err != nil {
			return nil, fmt.Errorf("loading collapsed snapshot %s: %w", entry.SnapID, err)
		}
		snap, ok := snapObjs[entry.SnapID]
		if !ok {
			return nil, fmt.Errorf("collapsed snapshot %s referenced by cache entry but not registered: %w", entry.SnapID, types.ErrObjectNotFound)
		}
		return &types.MaterializationPlan{Objects: reverseUpTo(chain, i, snap)}, nil
	}
	return nil, fmt.Errorf("object chain ended without reaching a SNAP: %w", types.ErrMalformedChangeLog)
}

// reverseUpTo builds [base, chain[i-1], ..., chain[0]]: base replaces
// chain[i] and everything below it in the walk, and the diffs walked
// before index i are reversed into oldest-to-newest application order.
func reverseUpTo(chain []*types.Object, i int, base *types.Object) []*types.Object {
	out := make([]*types.Object, 0, i+1)
	out = append(out, base)
	for j := i - 1; j >= 0; j-- {
		out = append(out, chain[j])
	}
	return out
}
