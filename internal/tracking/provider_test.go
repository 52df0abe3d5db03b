package tracking

import (
	"context"
	"errors"
	"publishsync/internal/fingerprint"
	"publishsync/internal/publish"
	"testing"
)

type fakeSources struct {
	sets       map[string]fingerprint.Set
	accessible map[string]bool
	err        error
}

func (f *fakeSources) IsSourceAccessible(_ context.Context, p publish.Path) (bool, error) {
	return f.accessible[p.Key()], f.err
}

func (f *fakeSources) Fingerprint(_ context.Context, p publish.Path) (fingerprint.Set, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sets[p.Key()], nil
}

var _ publish.ChangeDeltaProvider = (*Provider)(nil)

func TestProvider_ResourceDeltaCount(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()

	committed := fingerprint.Set{
		"index.html": digest(t, "v1"),
		"style.css":  digest(t, "css"),
		"app.js":     digest(t, "js"),
	}
	if _, err := s.Commit(ctx, mustPath("shop"), map[string]fingerprint.Set{"shop": committed}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tests := []struct {
		name    string
		key     string
		current fingerprint.Set
		want    int
	}{
		{
			name:    "unchanged",
			key:     "shop",
			current: committed,
			want:    0,
		},
		{
			name: "one modified one added one removed",
			key:  "shop",
			current: fingerprint.Set{
				"index.html": digest(t, "v2"),
				"style.css":  digest(t, "css"),
				"logo.png":   digest(t, "png"),
			},
			want: 3,
		},
		{
			name:    "untracked counts every resource",
			key:     "blog",
			current: fingerprint.Set{"a": digest(t, "a"), "b": digest(t, "b")},
			want:    2,
		},
		{
			name:    "untracked and empty",
			key:     "blog",
			current: fingerprint.Set{},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSources{sets: map[string]fingerprint.Set{tt.key: tt.current}}
			p := NewProvider(s, src)

			got, err := p.ResourceDeltaCount(ctx, mustPath(tt.key))
			if err != nil {
				t.Fatalf("ResourceDeltaCount failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResourceDeltaCount(%s) = %d, want %d", tt.key, got, tt.want)
			}
		})
	}
}

func TestProvider_DelegatesToStoreAndSources(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()
	if _, err := s.Commit(ctx, mustPath("shop"), map[string]fingerprint.Set{"shop": {}}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := s.MarkFull(ctx, mustPath("shop")); err != nil {
		t.Fatalf("MarkFull failed: %v", err)
	}

	p := NewProvider(s, &fakeSources{accessible: map[string]bool{"shop": true}})

	if tracked, _ := p.IsTracked(ctx, mustPath("shop")); !tracked {
		t.Error("expected shop to be tracked")
	}
	if state, _ := p.RecordedState(ctx, mustPath("shop")); state != publish.StateFull {
		t.Errorf("RecordedState = %q, want full", state)
	}
	if ok, _ := p.IsSourceAccessible(ctx, mustPath("shop")); !ok {
		t.Error("expected shop to be accessible")
	}
	if ok, _ := p.IsSourceAccessible(ctx, mustPath("blog")); ok {
		t.Error("expected blog to be inaccessible")
	}
}

func TestProvider_SourceError(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	boom := errors.New("disk on fire")
	p := NewProvider(s, &fakeSources{err: boom})

	if _, err := p.ResourceDeltaCount(context.Background(), mustPath("shop")); !errors.Is(err, boom) {
		t.Errorf("expected source error, got %v", err)
	}
}
