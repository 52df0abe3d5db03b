package tracking

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"publishsync/internal/apperrors"
	"publishsync/internal/fingerprint"
	"publishsync/internal/publish"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func digest(t *testing.T, s string) fingerprint.Digest {
	t.Helper()
	d, err := fingerprint.Sum(strings.NewReader(s))
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	return d
}

func mustPath(key string) publish.Path {
	p, err := publish.ParsePath(key)
	if err != nil {
		panic(err)
	}
	return p
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "tracking.cbor")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, path
}

func keys(paths []publish.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Key()
	}
	return out
}

func TestStore_OpenMissingFile(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d modules", s.Len())
	}
	tracked, err := s.IsTracked(context.Background(), mustPath("shop"))
	if err != nil || tracked {
		t.Errorf("IsTracked on empty store = %v, %v", tracked, err)
	}
}

func TestStore_CommitAndReopen(t *testing.T) {
	t.Parallel()
	s, path := openStore(t)
	ctx := context.Background()

	published := map[string]fingerprint.Set{
		"shop":         {"META-INF/application.xml": digest(t, "app")},
		"shop/web":     {"index.html": digest(t, "html"), "WEB-INF/web.xml": digest(t, "xml")},
		"shop/web/lib": {},
	}
	result, err := s.Commit(ctx, mustPath("shop"), published)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.Recorded != 3 || result.Forgotten != 0 {
		t.Errorf("unexpected commit result %+v", result)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	paths, err := reopened.TrackedPathsUnder(ctx, mustPath("shop"))
	if err != nil {
		t.Fatalf("TrackedPathsUnder failed: %v", err)
	}
	if diff := cmp.Diff([]string{"shop", "shop/web", "shop/web/lib"}, keys(paths)); diff != "" {
		t.Errorf("tracked paths mismatch (-want +got):\n%s", diff)
	}

	rec, ok := reopened.Get(mustPath("shop/web"))
	if !ok {
		t.Fatal("expected shop/web to be tracked after reopen")
	}
	if rec.Root != published["shop/web"].Root() {
		t.Error("set root not preserved")
	}
	if diff := cmp.Diff(published["shop/web"], rec.Resources); diff != "" {
		t.Errorf("resources not preserved (-want +got):\n%s", diff)
	}
	if !rec.PublishedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected publish time %v", rec.PublishedAt)
	}
}

func TestStore_DeterministicEncoding(t *testing.T) {
	t.Parallel()
	modules := map[string]Record{
		"b": {State: publish.StateFull, Resources: fingerprint.Set{"x": digest(t, "x"), "y": digest(t, "y")}},
		"a": {Resources: fingerprint.Set{"z": digest(t, "z")}},
	}
	first, err := encodeState(modules)
	if err != nil {
		t.Fatalf("encodeState failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := encodeState(modules)
		if err != nil {
			t.Fatalf("encodeState failed: %v", err)
		}
		if string(first) != string(again) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestStore_CommitForgetsRemovedDescendants(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()

	if _, err := s.Commit(ctx, mustPath("shop"), map[string]fingerprint.Set{
		"shop": {}, "shop/web": {}, "shop/ejb": {},
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := s.Commit(ctx, mustPath("blog"), map[string]fingerprint.Set{"blog": {}}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	result, err := s.Commit(ctx, mustPath("shop"), map[string]fingerprint.Set{"shop": {}, "shop/web": {}})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.Forgotten != 1 {
		t.Errorf("expected 1 forgotten module, got %d", result.Forgotten)
	}
	if tracked, _ := s.IsTracked(ctx, mustPath("shop/ejb")); tracked {
		t.Error("removed module still tracked")
	}
	if tracked, _ := s.IsTracked(ctx, mustPath("blog")); !tracked {
		t.Error("commit of shop must not touch blog")
	}
}

func TestStore_CommitRejectsPathsOutsideRoot(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)

	_, err := s.Commit(context.Background(), mustPath("shop"), map[string]fingerprint.Set{"shopping": {}})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if s.Len() != 0 {
		t.Error("rejected commit changed the store")
	}
}

func TestStore_StickyFullClearedByCommit(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()
	shop := mustPath("shop")

	if err := s.MarkFull(ctx, shop); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound marking an untracked module, got %v", err)
	}

	if _, err := s.Commit(ctx, shop, map[string]fingerprint.Set{"shop": {}}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := s.MarkFull(ctx, shop); err != nil {
		t.Fatalf("MarkFull failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if state, _ := s.RecordedState(ctx, shop); state != publish.StateFull {
			t.Fatalf("expected sticky full state, got %q", state)
		}
	}

	if _, err := s.Commit(ctx, shop, map[string]fingerprint.Set{"shop": {}}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if state, _ := s.RecordedState(ctx, shop); state != publish.StateUnset {
		t.Errorf("expected state cleared by commit, got %q", state)
	}
}

func TestStore_MarkValidation(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()

	if err := s.Mark(ctx, publish.Path{}, publish.StateFull); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected ErrValidation for empty path, got %v", err)
	}
	if err := s.Mark(ctx, mustPath("shop"), publish.RecordedState("dirty")); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown state, got %v", err)
	}
}

func TestStore_Forget(t *testing.T) {
	t.Parallel()
	s, path := openStore(t)
	ctx := context.Background()

	if _, err := s.Commit(ctx, mustPath("shop"), map[string]fingerprint.Set{
		"shop": {}, "shop/web": {}, "shop/web/lib": {}, "shop/ejb": {},
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	n, err := s.Forget(ctx, mustPath("shop/web"))
	if err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 forgotten, got %d", n)
	}
	if n, _ := s.Forget(ctx, mustPath("ghost")); n != 0 {
		t.Errorf("forgetting an unknown module dropped %d records", n)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Len() != 2 {
		t.Errorf("expected 2 modules after reopen, got %d", reopened.Len())
	}
}

func TestStore_TrackedPathsUnderIgnoresSharedPrefix(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()

	for _, root := range []string{"shop", "shopping"} {
		if _, err := s.Commit(ctx, mustPath(root), map[string]fingerprint.Set{root: {}}); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}
	paths, _ := s.TrackedPathsUnder(ctx, mustPath("shop"))
	if diff := cmp.Diff([]string{"shop"}, keys(paths)); diff != "" {
		t.Errorf("tracked paths mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_CorruptOrForeignState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.cbor")
	if err := os.WriteFile(corrupt, []byte{0xff, 0xfe, 0x00}, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Open(corrupt, nil); err == nil {
		t.Error("expected error for corrupt state")
	}

	future := filepath.Join(dir, "future.cbor")
	data, err := encMode.Marshal(stateFile{Version: stateVersion + 1})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := os.WriteFile(future, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Open(future, nil); err == nil {
		t.Error("expected error for unknown state version")
	}
}

func TestStore_SaveFailureKeepsState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// The state path is a directory, so every write fails.
	path := filepath.Join(dir, "state.cbor")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	s := &Store{path: path, logger: slog.New(slog.DiscardHandler), now: time.Now, modules: map[string]Record{}}

	_, err := s.Commit(context.Background(), mustPath("shop"), map[string]fingerprint.Set{"shop": {}})
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if s.Len() != 0 {
		t.Error("failed commit became visible")
	}
}

func TestStore_Ready(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	if err := s.Ready(context.Background()); err != nil {
		t.Errorf("Ready failed: %v", err)
	}
}

func TestStore_ConcurrentReadsAndCommits(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.Commit(ctx, mustPath("shop"), map[string]fingerprint.Set{"shop": {}, "shop/web": {}}); err != nil {
				t.Errorf("Commit failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.TrackedPathsUnder(ctx, mustPath("shop")); err != nil {
				t.Errorf("TrackedPathsUnder failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if s.Len() != 2 {
		t.Errorf("expected 2 modules, got %d", s.Len())
	}
}
