//go:build e2e

package e2e

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"publishsync/internal/notify"
	"publishsync/internal/publish"
	"publishsync/internal/reconcile"
	"publishsync/internal/testutil"
	"publishsync/internal/tracking"
	"publishsync/internal/workspace"
	"sync/atomic"
	"testing"
	"time"
)

// BenchmarkDeepDecision measures a deep decision over a wide, published
// tree where one module changed.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkDeepDecision ./e2e/
func BenchmarkDeepDecision(b *testing.B) {
	dir := b.TempDir()
	generateWorkspace(b, dir, 1, 200)
	logger := slog.New(slog.DiscardHandler)

	ws, err := workspace.Load(filepath.Join(dir, "publishsync.yaml"))
	if err != nil {
		b.Fatalf("Failed to load workspace: %v", err)
	}
	store, err := tracking.Open(filepath.Join(dir, "state.cbor"), logger)
	if err != nil {
		b.Fatalf("Failed to open store: %v", err)
	}
	svc, err := reconcile.NewService(reconcile.Config{Workspace: ws, Store: store, Logger: logger})
	if err != nil {
		b.Fatalf("Failed to create service: %v", err)
	}
	defer svc.Close()

	ctx := context.Background()
	root := publish.Path{"app0"}
	if _, err := svc.Commit(ctx, root); err != nil {
		b.Fatalf("Commit failed: %v", err)
	}
	writeFile(b, dir, "app0-web117/index.html", "<html>v2</html>")

	req := reconcile.Request{Path: root, Kind: publish.KindAuto, Scope: reconcile.ScopeDeep}
	for b.Loop() {
		res, err := svc.Decide(ctx, req)
		if err != nil {
			b.Fatalf("Decide failed: %v", err)
		}
		if res.Decision != publish.DecisionIncremental {
			b.Fatalf("decision = %s, want incremental", res.Decision)
		}
	}
}

// TestNotificationsUnderLoad checks the dispatcher keeps up with a burst of
// publishes against a webhook with occasional slow responses.
func TestNotificationsUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const (
		totalEvents   = 5000
		slowEvery     = 50
		slowLatencyMs = 200
	)

	var received atomic.Int64
	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if received.Add(1)%slowEvery == 0 {
			time.Sleep(slowLatencyMs * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	d := notify.New(notify.Config{
		URLs:        []string{callbackServer.URL},
		BufferSize:  totalEvents,
		Workers:     32,
		HTTPTimeout: 2 * time.Second,
	}, nil, slog.New(slog.DiscardHandler))
	defer d.Close(context.Background())

	start := time.Now()
	for i := 0; i < totalEvents; i++ {
		if err := d.Notify(notify.Published(publish.Path{"app0"}, i, 0, false)); err != nil {
			t.Fatalf("Notify %d failed: %v", i, err)
		}
	}

	testutil.WaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Delivered+stats.Failed+stats.Dropped >= totalEvents
	}, testutil.WithTimeout(30*time.Second))

	stats := d.Stats()
	elapsed := time.Since(start)

	t.Logf("=== Notification Load Test ===")
	t.Logf("Queued:      %d", stats.Queued)
	t.Logf("Received:    %d", received.Load())
	t.Logf("Delivered:   %d", stats.Delivered)
	t.Logf("Failed:      %d", stats.Failed)
	t.Logf("Dropped:     %d", stats.Dropped)
	t.Logf("Retries:     %d", stats.RetriesTotal)
	t.Logf("Elapsed:     %v", elapsed)
	t.Logf("Actual rate: %.0f events/sec", float64(stats.Delivered)/elapsed.Seconds())

	if stats.Delivered != totalEvents {
		t.Errorf("Expected all %d notifications delivered, got %d", totalEvents, stats.Delivered)
	}
}
