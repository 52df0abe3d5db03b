package tracking

import (
	"context"
	"publishsync/internal/fingerprint"
	"publishsync/internal/publish"
)

// Sources reads the current state of module sources.
// *workspace.Workspace implements it.
type Sources interface {
	IsSourceAccessible(ctx context.Context, p publish.Path) (bool, error)
	Fingerprint(ctx context.Context, p publish.Path) (fingerprint.Set, error)
}

// Provider answers change-delta questions by comparing the store's records
// with the current sources. It implements publish.ChangeDeltaProvider.
type Provider struct {
	store   *Store
	sources Sources
}

// NewProvider creates a provider over store and sources.
func NewProvider(store *Store, sources Sources) *Provider {
	return &Provider{store: store, sources: sources}
}

func (p *Provider) IsTracked(ctx context.Context, path publish.Path) (bool, error) {
	return p.store.IsTracked(ctx, path)
}

func (p *Provider) RecordedState(ctx context.Context, path publish.Path) (publish.RecordedState, error) {
	return p.store.RecordedState(ctx, path)
}

func (p *Provider) IsSourceAccessible(ctx context.Context, path publish.Path) (bool, error) {
	return p.sources.IsSourceAccessible(ctx, path)
}

// ResourceDeltaCount returns how many resources were added, removed or
// modified since the last commit of path. Untracked paths count every
// current resource.
func (p *Provider) ResourceDeltaCount(ctx context.Context, path publish.Path) (int, error) {
	current, err := p.sources.Fingerprint(ctx, path)
	if err != nil {
		return 0, err
	}
	rec, ok := p.store.Get(path)
	if !ok {
		return len(current), nil
	}
	if current.Root() == rec.Root {
		return 0, nil
	}
	return fingerprint.Diff(rec.Resources, current).Count(), nil
}
