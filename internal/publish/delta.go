package publish

import (
	"context"
	"publishsync/internal/apperrors"
	"slices"
	"strings"
)

// DeltaComputer classifies expanded nodes against the publish-tracking store.
type DeltaComputer struct {
	deltas   ChangeDeltaProvider
	registry TrackedPathRegistry
}

// NewDeltaComputer creates a delta computer.
func NewDeltaComputer(deltas ChangeDeltaProvider, registry TrackedPathRegistry) *DeltaComputer {
	return &DeltaComputer{deltas: deltas, registry: registry}
}

// Classify returns one ChangeKind per node, in input order.
func (c *DeltaComputer) Classify(ctx context.Context, nodes []Node) ([]ChangeKind, error) {
	changes := make([]ChangeKind, 0, len(nodes))
	for _, n := range nodes {
		change, err := c.classifyNode(ctx, n)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// ClassifyWithRemoved classifies live nodes and then pads the result with a
// removed entry for every tracked path under root missing from nodes. It is
// for callers that expanded the live tree only; the classification of every
// path matches what Expand followed by Classify produces.
func (c *DeltaComputer) ClassifyWithRemoved(ctx context.Context, root Path, nodes []Node) ([]Node, []ChangeKind, error) {
	changes, err := c.Classify(ctx, nodes)
	if err != nil {
		return nil, nil, err
	}

	tracked, err := c.registry.TrackedPathsUnder(ctx, root)
	if err != nil {
		return nil, nil, apperrors.Unavailable("registry.trackedPathsUnder", err)
	}

	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[n.Path.Key()] = true
	}
	var missing []Path
	for _, p := range tracked {
		if p.Validate() != nil || !p.HasPrefix(root) || present[p.Key()] {
			continue
		}
		present[p.Key()] = true
		missing = append(missing, p)
	}
	slices.SortFunc(missing, func(a, b Path) int {
		return strings.Compare(a.Key(), b.Key())
	})

	out := slices.Clone(nodes)
	for _, p := range missing {
		out = append(out, Node{Path: p, Live: false})
		changes = append(changes, ChangeRemoved)
	}
	return out, changes, nil
}

// classifyNode applies the per-node rules: a node only known from tracking
// records was removed; an untracked node was added; a node whose sources are
// gone or whose resources did not change is unchanged; anything else changed.
func (c *DeltaComputer) classifyNode(ctx context.Context, n Node) (ChangeKind, error) {
	// Non-live nodes come from the tracked-path registry, so they were
	// published at some point.
	if !n.Live {
		return ChangeRemoved, nil
	}

	tracked, err := c.deltas.IsTracked(ctx, n.Path)
	if err != nil {
		return "", apperrors.Unavailable("deltas.isTracked", err)
	}
	if !tracked {
		return ChangeAdded, nil
	}

	accessible, err := c.deltas.IsSourceAccessible(ctx, n.Path)
	if err != nil {
		return "", apperrors.Unavailable("deltas.isSourceAccessible", err)
	}
	if !accessible {
		return ChangeUnchanged, nil
	}

	count, err := c.deltas.ResourceDeltaCount(ctx, n.Path)
	if err != nil {
		return "", apperrors.Unavailable("deltas.resourceDeltaCount", err)
	}
	if count == 0 {
		return ChangeUnchanged, nil
	}
	return ChangeChanged, nil
}
