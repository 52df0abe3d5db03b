package docker

import (
	"context"
	"errors"
	"log/slog"
	"publishsync/internal/apperrors"
	"publishsync/internal/publish"
	"publishsync/pkg/backoff"
	"publishsync/pkg/circuitbreaker"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/google/go-cmp/cmp"
)

// fakeClient serves a fixed container list. It honors the label filter the
// registry sends so a wrong filter shows up as missing containers.
type fakeClient struct {
	mu         sync.Mutex
	containers []container.Summary
	listErrs   []error // consumed one per call
	pingErr    error
	listCalls  int
	lastFilter []string
	closed     bool
}

func (f *fakeClient) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastFilter = options.Filters.Get("label")
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var out []container.Summary
	for _, c := range f.containers {
		if matchesLabels(c.Labels, f.lastFilter) {
			out = append(out, c)
		}
	}
	return out, nil
}

func matchesLabels(labels map[string]string, filter []string) bool {
	for _, f := range filter {
		key, value, _ := strings.Cut(f, "=")
		if labels[key] != value {
			return false
		}
	}
	return true
}

func (f *fakeClient) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, f.pingErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func labeled(id, module string) container.Summary {
	return container.Summary{
		ID: id,
		Labels: map[string]string{
			"publishsync.managed-by": "publishsync",
			"publishsync.module":     module,
		},
	}
}

func testConfig() Config {
	return Config{
		CacheTTL: -1,
		Attempts: 3,
		Backoff:  backoff.Config{Initial: time.Millisecond, Max: time.Millisecond},
		Breaker:  circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour},
		Logger:   slog.New(slog.DiscardHandler),
	}
}

func keys(paths []publish.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Key()
	}
	return out
}

func mustPath(key string) publish.Path {
	p, err := publish.ParsePath(key)
	if err != nil {
		panic(err)
	}
	return p
}

var _ publish.TrackedPathRegistry = (*Registry)(nil)

func TestRegistry_TrackedPathsUnder(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{containers: []container.Summary{
		labeled("c1", "shop"),
		labeled("c2", "shop/web"),
		labeled("c3", "shop/web"), // replica
		labeled("c4", "shopping"),
		labeled("c5", "blog"),
		labeled("c6", "bad//path"),
		{ID: "c7", Labels: map[string]string{"publishsync.managed-by": "publishsync"}},
		{ID: "c8", Labels: map[string]string{"publishsync.module": "shop/ejb"}}, // not managed
	}}
	r := newRegistry(fake, testConfig())
	ctx := context.Background()

	paths, err := r.TrackedPathsUnder(ctx, mustPath("shop"))
	if err != nil {
		t.Fatalf("TrackedPathsUnder failed: %v", err)
	}
	if diff := cmp.Diff([]string{"shop", "shop/web"}, keys(paths)); diff != "" {
		t.Errorf("tracked paths mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"publishsync.managed-by=publishsync"}, fake.lastFilter); diff != "" {
		t.Errorf("label filter mismatch (-want +got):\n%s", diff)
	}

	for key, want := range map[string][]string{"blog": {"blog"}, "shop/ejb": {}, "shop/web": {"shop/web"}} {
		paths, err := r.TrackedPathsUnder(ctx, mustPath(key))
		if err != nil {
			t.Fatalf("TrackedPathsUnder(%s) failed: %v", key, err)
		}
		if diff := cmp.Diff(want, keys(paths)); diff != "" {
			t.Errorf("TrackedPathsUnder(%s) mismatch (-want +got):\n%s", key, diff)
		}
	}
}

func TestRegistry_LabelPrefix(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.LabelPrefix = "acme"
	fake := &fakeClient{}
	r := newRegistry(fake, cfg)

	want := map[string]string{"acme.managed-by": "publishsync", "acme.module": "shop/web"}
	if diff := cmp.Diff(want, r.Labels(mustPath("shop/web"))); diff != "" {
		t.Errorf("Labels() mismatch (-want +got):\n%s", diff)
	}

	fake.containers = []container.Summary{{ID: "c1", Labels: r.Labels(mustPath("shop"))}, labeled("c2", "blog")}
	paths, err := r.TrackedPathsUnder(context.Background(), mustPath("shop"))
	if err != nil {
		t.Fatalf("TrackedPathsUnder failed: %v", err)
	}
	if diff := cmp.Diff([]string{"shop"}, keys(paths)); diff != "" {
		t.Errorf("tracked paths mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_CachesListing(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.CacheTTL = time.Hour
	fake := &fakeClient{containers: []container.Summary{labeled("c1", "shop")}}
	r := newRegistry(fake, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.TrackedPathsUnder(ctx, mustPath("shop")); err != nil {
			t.Fatalf("TrackedPathsUnder failed: %v", err)
		}
	}
	if fake.calls() != 1 {
		t.Errorf("expected 1 daemon call with a warm cache, got %d", fake.calls())
	}

	r.Invalidate()
	if _, err := r.TrackedPathsUnder(ctx, mustPath("shop")); err != nil {
		t.Fatalf("TrackedPathsUnder failed: %v", err)
	}
	if fake.calls() != 2 {
		t.Errorf("expected invalidate to force a daemon call, got %d calls", fake.calls())
	}
}

func TestRegistry_RetriesTransientFailure(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{
		containers: []container.Summary{labeled("c1", "shop")},
		listErrs:   []error{errors.New("connection reset")},
	}
	r := newRegistry(fake, testConfig())

	paths, err := r.TrackedPathsUnder(context.Background(), mustPath("shop"))
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if len(paths) != 1 || fake.calls() != 2 {
		t.Errorf("got %d paths after %d calls", len(paths), fake.calls())
	}
}

func TestRegistry_BreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Attempts = 1
	down := errors.New("daemon down")
	fake := &fakeClient{listErrs: []error{down, down, down, down}}
	r := newRegistry(fake, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.TrackedPathsUnder(ctx, mustPath("shop"))
		if !errors.Is(err, apperrors.ErrUnavailable) || !errors.Is(err, down) {
			t.Fatalf("call %d: expected unavailable daemon error, got %v", i, err)
		}
	}

	_, err := r.TrackedPathsUnder(ctx, mustPath("shop"))
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if fake.calls() != 2 {
		t.Errorf("open breaker must not reach the daemon, got %d calls", fake.calls())
	}

	// The ping breaker is independent of the listing breaker.
	if err := r.Ready(ctx); err != nil {
		t.Errorf("Ready failed: %v", err)
	}
}

func TestRegistry_DoesNotRetryPastCancellation(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backoff = backoff.Config{Initial: time.Hour, Max: time.Hour}
	fake := &fakeClient{listErrs: []error{errors.New("timeout")}}
	r := newRegistry(fake, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.TrackedPathsUnder(ctx, mustPath("shop"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if fake.calls() != 1 {
		t.Errorf("expected 1 call before giving up, got %d", fake.calls())
	}
}

func TestRegistry_ReadyAndClose(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{pingErr: errors.New("no daemon")}
	cfg := testConfig()
	cfg.Attempts = 1
	r := newRegistry(fake, cfg)

	if err := r.Ready(context.Background()); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !fake.closed {
		t.Error("expected client to be closed")
	}
}

func TestModuleCache(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newModuleCache(time.Second)
	c.now = func() time.Time { return now }

	if _, ok := c.get(); ok {
		t.Error("empty cache must miss")
	}
	c.store([]string{"a"})
	if got, ok := c.get(); !ok || len(got) != 1 {
		t.Errorf("fresh cache = %v, %v", got, ok)
	}
	now = now.Add(time.Second)
	if _, ok := c.get(); ok {
		t.Error("expired cache must miss")
	}
}
