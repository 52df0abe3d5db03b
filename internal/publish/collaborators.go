package publish

import "context"

// ChangeDeltaProvider answers questions about what was last published for a
// module. Implementations read from the publish-tracking store; they must
// return an error rather than guess when the store cannot be read.
type ChangeDeltaProvider interface {
	// IsTracked reports whether a publish record exists for the path.
	IsTracked(ctx context.Context, path Path) (bool, error)

	// ResourceDeltaCount returns the number of resource-level differences
	// between the module's sources and its last published state.
	ResourceDeltaCount(ctx context.Context, path Path) (int, error)

	// IsSourceAccessible reports whether the module's backing sources can be read.
	IsSourceAccessible(ctx context.Context, path Path) (bool, error)

	// RecordedState returns the persisted publish state of the module.
	RecordedState(ctx context.Context, path Path) (RecordedState, error)
}

// LiveTreeProvider exposes the current module tree.
type LiveTreeProvider interface {
	// Children returns the direct children of path. Each child's Path
	// extends path by one segment.
	Children(ctx context.Context, path Path) ([]Artifact, error)

	// Exists reports whether path is part of the current tree.
	Exists(ctx context.Context, path Path) (bool, error)
}

// TrackedPathRegistry lists the module paths with publish records.
type TrackedPathRegistry interface {
	// TrackedPathsUnder returns root and every tracked descendant of root.
	// Implementations may return unrelated paths; callers filter them.
	TrackedPathsUnder(ctx context.Context, root Path) ([]Path, error)
}
