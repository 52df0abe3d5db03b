// Package tracking persists what was last published for each module.
//
// The Store keeps one Record per module path in a CBOR state file. It is the
// publish-tracking store the resolver reads through Provider, and the
// default tracked-path registry.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"publishsync/internal/apperrors"
	"publishsync/internal/fingerprint"
	"publishsync/internal/publish"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// Record is what the store knows about one published module.
type Record struct {
	State       publish.RecordedState `cbor:"state,omitempty"`
	Root        fingerprint.Digest    `cbor:"root"`
	Resources   fingerprint.Set       `cbor:"resources,omitempty"`
	PublishedAt time.Time             `cbor:"publishedAt"`
}

// Store is a file-backed publish-tracking store. Every mutation rewrites the
// state file atomically before it becomes visible to readers.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	modules map[string]Record
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:    path,
		logger:  logger.With("component", "tracking"),
		now:     time.Now,
		modules: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("No tracking state yet, starting empty", "path", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read tracking state: %w", err)
	}

	state, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("decode tracking state %s: %w", path, err)
	}
	if state.Version != stateVersion {
		return nil, fmt.Errorf("tracking state %s has version %d, want %d", path, state.Version, stateVersion)
	}
	for key, rec := range state.Modules {
		if _, err := publish.ParsePath(key); err != nil {
			s.logger.Warn("Dropping malformed tracking record", "key", key, "error", err)
			continue
		}
		s.modules[key] = rec
	}
	s.logger.Info("Loaded tracking state", "path", path, "modules", len(s.modules))
	return s, nil
}

// IsTracked reports whether p has a publish record.
func (s *Store) IsTracked(_ context.Context, p publish.Path) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.modules[p.Key()]
	return ok, nil
}

// RecordedState returns the recorded publish state of p.
func (s *Store) RecordedState(_ context.Context, p publish.Path) (publish.RecordedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modules[p.Key()].State, nil
}

// TrackedPathsUnder returns root and its tracked descendants, sorted by key.
func (s *Store) TrackedPathsUnder(_ context.Context, root publish.Path) ([]publish.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []publish.Path
	for _, key := range s.keysUnder(root) {
		p, err := publish.ParsePath(key)
		if err != nil {
			continue
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Get returns the record of p.
func (s *Store) Get(p publish.Path) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.modules[p.Key()]
	return rec, ok
}

// Len returns the number of tracked modules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.modules)
}

// CommitResult summarizes a commit.
type CommitResult struct {
	Recorded  int `json:"recorded"`
	Forgotten int `json:"forgotten"`
}

// Commit records a completed publish of the subtree at root. Every path in
// published gets a fresh record with the given resources and no state flag.
// Tracked paths under root missing from published are forgotten.
func (s *Store) Commit(_ context.Context, root publish.Path, published map[string]fingerprint.Set) (CommitResult, error) {
	if err := root.Validate(); err != nil {
		return CommitResult{}, apperrors.Validation("path", err.Error())
	}
	for key := range published {
		p, err := publish.ParsePath(key)
		if err != nil || !p.HasPrefix(root) {
			return CommitResult{}, apperrors.Validation("path", fmt.Sprintf("module %q is not under %s", key, root))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.modules)
	var result CommitResult
	for _, key := range s.keysUnder(root) {
		if _, ok := published[key]; !ok {
			delete(next, key)
			result.Forgotten++
		}
	}
	now := s.now().UTC()
	for key, set := range published {
		next[key] = Record{Root: set.Root(), Resources: set, PublishedAt: now}
		result.Recorded++
	}

	if err := s.save(next); err != nil {
		return CommitResult{}, err
	}
	s.modules = next
	s.logger.Info("Committed publish", "root", root.Key(), "recorded", result.Recorded, "forgotten", result.Forgotten)
	return result, nil
}

// Mark sets the state flag of a tracked module. StateFull makes every
// following decision for the module at least full until the next Commit.
func (s *Store) Mark(_ context.Context, p publish.Path, state publish.RecordedState) error {
	if err := p.Validate(); err != nil {
		return apperrors.Validation("path", err.Error())
	}
	switch state {
	case publish.StateUnset, publish.StateIncremental, publish.StateFull:
	default:
		return apperrors.Validation("state", fmt.Sprintf("unknown publish state %q", state))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Key()
	rec, ok := s.modules[key]
	if !ok {
		return apperrors.NotFound("tracked module", key)
	}
	if rec.State == state {
		return nil
	}
	rec.State = state

	next := maps.Clone(s.modules)
	next[key] = rec
	if err := s.save(next); err != nil {
		return err
	}
	s.modules = next
	s.logger.Info("Marked module publish state", "path", key, "state", state)
	return nil
}

// MarkFull is Mark with StateFull.
func (s *Store) MarkFull(ctx context.Context, p publish.Path) error {
	return s.Mark(ctx, p, publish.StateFull)
}

// Forget drops the records of p and its descendants and returns how many
// were dropped.
func (s *Store) Forget(_ context.Context, p publish.Path) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, apperrors.Validation("path", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.keysUnder(p)
	if len(keys) == 0 {
		return 0, nil
	}
	next := maps.Clone(s.modules)
	for _, key := range keys {
		delete(next, key)
	}
	if err := s.save(next); err != nil {
		return 0, err
	}
	s.modules = next
	s.logger.Info("Forgot modules", "path", p.Key(), "count", len(keys))
	return len(keys), nil
}

// Ready checks that the state directory exists and is writable.
func (s *Store) Ready(_ context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tracking state directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("tracking state directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// keysUnder returns the sorted keys of root and its descendants.
// Callers must hold s.mu.
func (s *Store) keysUnder(root publish.Path) []string {
	prefix := root.Key()
	var keys []string
	for key := range s.modules {
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// save writes modules to the state file. Callers must hold s.mu.
func (s *Store) save(modules map[string]Record) error {
	data, err := encodeState(modules)
	if err != nil {
		return apperrors.Internal("tracking.encode", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return apperrors.Unavailable("tracking.save", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0o644); err != nil {
		return apperrors.Unavailable("tracking.save", err)
	}
	return nil
}
