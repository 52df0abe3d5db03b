package notify

import (
	"publishsync/internal/publish"
	"publishsync/pkg/cloudevent"
)

// Event types.
const (
	TypePublished  = "io.publishsync.module.published"
	TypeMarkedFull = "io.publishsync.module.marked_full"
)

// Event constructors leave the source empty; Dispatcher.Notify stamps its
// configured source.

// Published describes a recorded publish of the subtree at root. removed
// is true when the root itself had left the tree and its records were
// forgotten.
func Published(root publish.Path, recorded, forgotten int, removed bool) *cloudevent.CloudEvent {
	return cloudevent.New(TypePublished, "", root.Key(), map[string]any{
		"root":      root.Key(),
		"recorded":  recorded,
		"forgotten": forgotten,
		"removed":   removed,
	})
}

// MarkedFull describes a module forced to a full publish.
func MarkedFull(p publish.Path) *cloudevent.CloudEvent {
	return cloudevent.New(TypeMarkedFull, "", p.Key(), map[string]any{
		"path": p.Key(),
	})
}
