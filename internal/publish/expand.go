package publish

import (
	"context"
	"publishsync/internal/apperrors"
	"slices"
	"strings"
)

// Expander enumerates the modules of a subtree, including modules that were
// published before but are no longer part of the live tree.
type Expander struct {
	live     LiveTreeProvider
	registry TrackedPathRegistry
}

// NewExpander creates an expander over the given collaborators.
func NewExpander(live LiveTreeProvider, registry TrackedPathRegistry) *Expander {
	return &Expander{live: live, registry: registry}
}

// Expand returns the live descendants of root in depth-first pre-order,
// followed by root itself, followed by tracked descendants missing from the
// live tree (sorted by key). Only root and its true descendants are returned.
// Root is always present, with Live=false if it has been removed.
func (e *Expander) Expand(ctx context.Context, root Path) ([]Node, error) {
	rootLive, err := e.live.Exists(ctx, root)
	if err != nil {
		return nil, apperrors.Unavailable("live.exists", err)
	}

	seen := map[string]bool{root.Key(): true}
	var nodes []Node
	if rootLive {
		nodes, err = e.walk(ctx, root, seen, nil)
		if err != nil {
			return nil, err
		}
	}
	nodes = append(nodes, Node{Path: root, Live: rootLive})

	removed, err := e.removedUnder(ctx, root, seen)
	if err != nil {
		return nil, err
	}
	return append(nodes, removed...), nil
}

// LivePaths returns the live descendants of root followed by root, without
// consulting the tracked-path registry.
func (e *Expander) LivePaths(ctx context.Context, root Path) ([]Node, error) {
	rootLive, err := e.live.Exists(ctx, root)
	if err != nil {
		return nil, apperrors.Unavailable("live.exists", err)
	}
	if !rootLive {
		return []Node{{Path: root, Live: false}}, nil
	}
	nodes, err := e.walk(ctx, root, map[string]bool{root.Key(): true}, nil)
	if err != nil {
		return nil, err
	}
	return append(nodes, Node{Path: root, Live: true}), nil
}

func (e *Expander) walk(ctx context.Context, parent Path, seen map[string]bool, acc []Node) ([]Node, error) {
	children, err := e.live.Children(ctx, parent)
	if err != nil {
		return nil, apperrors.Unavailable("live.children", err)
	}
	for _, child := range children {
		// A provider that reports an unrelated path or a cycle must not make
		// the walk escape the subtree or loop forever.
		if len(child.Path) != len(parent)+1 || !child.Path.HasPrefix(parent) {
			continue
		}
		key := child.Path.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		acc = append(acc, Node{Path: child.Path, Live: true})
		acc, err = e.walk(ctx, child.Path, seen, acc)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// removedUnder returns tracked descendants of root that were not seen in the
// live walk, marking them seen.
func (e *Expander) removedUnder(ctx context.Context, root Path, seen map[string]bool) ([]Node, error) {
	tracked, err := e.registry.TrackedPathsUnder(ctx, root)
	if err != nil {
		return nil, apperrors.Unavailable("registry.trackedPathsUnder", err)
	}

	var removed []Node
	for _, p := range tracked {
		if p.Validate() != nil || !p.HasPrefix(root) {
			continue
		}
		key := p.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		removed = append(removed, Node{Path: p, Live: false})
	}
	slices.SortFunc(removed, func(a, b Node) int {
		return strings.Compare(a.Path.Key(), b.Path.Key())
	})
	return removed, nil
}
