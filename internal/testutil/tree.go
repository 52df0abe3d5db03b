package testutil

import (
	"context"
	"fmt"
	"publishsync/internal/publish"
	"strings"
	"sync"
)

// Fake operation names, usable with FailOn and Calls.
const (
	OpChildren           = "children"
	OpExists             = "exists"
	OpIsTracked          = "isTracked"
	OpResourceDeltaCount = "resourceDeltaCount"
	OpIsSourceAccessible = "isSourceAccessible"
	OpRecordedState      = "recordedState"
	OpTrackedPathsUnder  = "trackedPathsUnder"
)

type trackedModule struct {
	state  publish.RecordedState
	deltas int
}

// Tree is an in-memory fake implementing publish.LiveTreeProvider,
// publish.ChangeDeltaProvider and publish.TrackedPathRegistry. Modules are
// addressed by "/"-separated keys. It counts calls per operation and path.
type Tree struct {
	mu           sync.Mutex
	live         []string // insertion order
	types        map[string]string
	tracked      map[string]trackedModule
	inaccessible map[string]bool
	unrelated    []publish.Path
	failures     map[string]error
	calls        map[string]int
}

// NewTree creates an empty fake tree.
func NewTree() *Tree {
	return &Tree{
		types:        make(map[string]string),
		tracked:      make(map[string]trackedModule),
		inaccessible: make(map[string]bool),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
	}
}

// Path parses a key, panicking on malformed input.
func Path(key string) publish.Path {
	p, err := publish.ParsePath(key)
	if err != nil {
		panic(fmt.Sprintf("testutil: bad module path %q: %v", key, err))
	}
	return p
}

// AddLive adds a module to the live tree.
func (t *Tree) AddLive(key, artifactType string) *Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.types[key]; !ok {
		t.live = append(t.live, key)
	}
	t.types[key] = artifactType
	return t
}

// RemoveLive drops a module from the live tree, keeping its tracking record.
func (t *Tree) RemoveLive(key string) *Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.types, key)
	for i, k := range t.live {
		if k == key {
			t.live = append(t.live[:i], t.live[i+1:]...)
			break
		}
	}
	return t
}

// Track records a publish for key with the given state and pending resource
// delta count.
func (t *Tree) Track(key string, state publish.RecordedState, deltas int) *Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[key] = trackedModule{state: state, deltas: deltas}
	return t
}

// SetInaccessible marks the module's sources as unreadable.
func (t *Tree) SetInaccessible(key string) *Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inaccessible[key] = true
	return t
}

// LeakUnrelated makes TrackedPathsUnder also return p regardless of root,
// imitating a registry that does not filter.
func (t *Tree) LeakUnrelated(key string) *Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unrelated = append(t.unrelated, Path(key))
	return t
}

// FailOn makes every call of op return err.
func (t *Tree) FailOn(op string, err error) *Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op] = err
	return t
}

// Calls returns how many times op was called, for any path.
func (t *Tree) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// CallsFor returns how many times op was called for key.
func (t *Tree) CallsFor(op, key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op+"@"+key]
}

// enter records a call and returns the injected failure, if any.
// Callers must hold t.mu.
func (t *Tree) enter(op string, p publish.Path) error {
	t.calls[op]++
	t.calls[op+"@"+p.Key()]++
	return t.failures[op]
}

func (t *Tree) Children(_ context.Context, p publish.Path) ([]publish.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(OpChildren, p); err != nil {
		return nil, err
	}
	prefix := p.Key() + "/"
	var out []publish.Artifact
	for _, key := range t.live {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, publish.Artifact{Path: Path(key), Type: t.types[key]})
	}
	return out, nil
}

func (t *Tree) Exists(_ context.Context, p publish.Path) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(OpExists, p); err != nil {
		return false, err
	}
	_, ok := t.types[p.Key()]
	return ok, nil
}

func (t *Tree) IsTracked(_ context.Context, p publish.Path) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(OpIsTracked, p); err != nil {
		return false, err
	}
	_, ok := t.tracked[p.Key()]
	return ok, nil
}

func (t *Tree) ResourceDeltaCount(_ context.Context, p publish.Path) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(OpResourceDeltaCount, p); err != nil {
		return 0, err
	}
	return t.tracked[p.Key()].deltas, nil
}

func (t *Tree) IsSourceAccessible(_ context.Context, p publish.Path) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(OpIsSourceAccessible, p); err != nil {
		return false, err
	}
	return !t.inaccessible[p.Key()], nil
}

func (t *Tree) RecordedState(_ context.Context, p publish.Path) (publish.RecordedState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(OpRecordedState, p); err != nil {
		return "", err
	}
	return t.tracked[p.Key()].state, nil
}

func (t *Tree) TrackedPathsUnder(_ context.Context, root publish.Path) ([]publish.Path, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(OpTrackedPathsUnder, root); err != nil {
		return nil, err
	}
	var out []publish.Path
	for key := range t.tracked {
		p := Path(key)
		if p.HasPrefix(root) {
			out = append(out, p)
		}
	}
	return append(out, t.unrelated...), nil
}
