// Package reconcile is the entry point used by the API and the CLI. It wires
// the resolver to the workspace, the tracking store and the delegate
// registry, and records the outcome of every publish.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"publishsync/internal/apperrors"
	"publishsync/internal/delegate"
	"publishsync/internal/fingerprint"
	"publishsync/internal/notify"
	"publishsync/internal/observability"
	"publishsync/internal/publish"
	"publishsync/internal/tracking"
	"publishsync/pkg/cloudevent"
	"time"
)

// Scope selects how much of the tree a decision covers.
type Scope string

const (
	ScopeDeep    Scope = "deep"
	ScopeShallow Scope = "shallow"
)

// ParseScope parses a decision scope. Empty input means ScopeDeep.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeDeep:
		return ScopeDeep, nil
	case ScopeShallow:
		return ScopeShallow, nil
	}
	return "", fmt.Errorf("unknown scope %q (want deep or shallow)", s)
}

// Workspace is the live module tree together with the module sources.
// *workspace.Workspace implements it.
type Workspace interface {
	publish.LiveTreeProvider
	tracking.Sources
	ArtifactType(ctx context.Context, p publish.Path) (string, bool, error)
}

// Request asks for a publish decision.
type Request struct {
	Path  publish.Path
	Kind  publish.Kind
	Scope Scope
}

// Result is a publish decision.
type Result struct {
	Path     publish.Path     `json:"path"`
	Kind     publish.Kind     `json:"kind"`
	Scope    Scope            `json:"scope"`
	Decision publish.Decision `json:"decision"`
	Delegate string           `json:"delegate,omitempty"`
}

// PlanResult is a plan, with the decision replaced by the delegate's when
// one handles the root's artifact type.
type PlanResult struct {
	*publish.Plan
	Delegate string `json:"delegate,omitempty"`
}

// Config holds the dependencies of a Service.
type Config struct {
	Workspace Workspace                   // Live tree and sources (required)
	Store     *tracking.Store             // Publish-tracking store (required)
	Registry  publish.TrackedPathRegistry // Previously published paths (default: Store)
	Delegates *delegate.Registry          // Alternate strategies (default: empty)
	Notifier  Notifier                    // Publish notifications (optional)
	Metrics   *observability.Metrics      // Metrics recorder (optional)
	Logger    *slog.Logger
}

// Notifier is told about recorded publishes and full marks. Delivery is
// best effort and never fails the operation that raised the event.
type Notifier interface {
	Notify(event *cloudevent.CloudEvent) error
}

// Service decides and records publishes. Decisions and commits for the same
// root module are serialized.
type Service struct {
	workspace Workspace
	store     *tracking.Store
	registry  publish.TrackedPathRegistry
	delegates *delegate.Registry
	notifier  Notifier
	resolver  *publish.Resolver
	expander  *publish.Expander
	metrics   *observability.Metrics
	logger    *slog.Logger
	locks     *rootLocks
}

// NewService creates a service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("tracking store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = cfg.Store
	}
	delegates := cfg.Delegates
	if delegates == nil {
		delegates = delegate.NewRegistry(logger)
	}

	resolver, err := publish.NewResolver(publish.Config{
		Live:     cfg.Workspace,
		Deltas:   tracking.NewProvider(cfg.Store, cfg.Workspace),
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		workspace: cfg.Workspace,
		store:     cfg.Store,
		registry:  registry,
		delegates: delegates,
		notifier:  cfg.Notifier,
		resolver:  resolver,
		expander:  publish.NewExpander(cfg.Workspace, registry),
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "reconcile"),
		locks:     newRootLocks(),
	}, nil
}

// Decide returns the publish decision for req. A delegate registered for the
// artifact type of req.Path takes over; otherwise the standard resolver
// decides.
func (s *Service) Decide(ctx context.Context, req Request) (*Result, error) {
	if err := req.Path.Validate(); err != nil {
		return nil, apperrors.Validation("path", err.Error())
	}
	if req.Scope == "" {
		req.Scope = ScopeDeep
	}
	if req.Scope != ScopeDeep && req.Scope != ScopeShallow {
		return nil, apperrors.Validation("scope", fmt.Sprintf("unknown scope %q", req.Scope))
	}

	unlock := s.locks.lock(req.Path.Root().Key())
	defer unlock()

	start := time.Now()
	d, err := s.findDelegate(ctx, req.Path)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	var (
		decision   publish.Decision
		structural bool
	)
	switch {
	case d != nil && req.Scope == ScopeShallow:
		decision, err = d.ResolveShallow(ctx, s.resolver, req.Path, req.Kind)
	case req.Scope == ScopeShallow:
		decision, err = s.resolver.ResolveShallow(ctx, req.Path, req.Kind)
	default:
		var plan *publish.Plan
		plan, err = s.resolver.Assess(ctx, req.Path, req.Kind)
		if err != nil {
			break
		}
		structural = plan.StructureChanged
		decision = plan.Decision
		if d != nil {
			decision, err = d.ResolveDeep(ctx, planned{resolver: s.resolver, plan: plan}, req.Path, req.Kind)
		}
	}
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	result := &Result{Path: req.Path, Kind: req.Kind, Scope: req.Scope, Decision: decision}
	if d != nil {
		result.Delegate = d.Name()
	}
	if s.metrics != nil {
		s.metrics.RecordDecision(ctx, string(req.Scope), string(decision), structural, time.Since(start).Seconds())
	}
	s.logger.Info("Decided publish", "path", req.Path.Key(), "kind", req.Kind, "scope", req.Scope, "decision", decision, "delegate", result.Delegate)
	return result, nil
}

// Plan returns the deep decision for path with its per-module breakdown.
func (s *Service) Plan(ctx context.Context, path publish.Path, kind publish.Kind) (*PlanResult, error) {
	if err := path.Validate(); err != nil {
		return nil, apperrors.Validation("path", err.Error())
	}

	unlock := s.locks.lock(path.Root().Key())
	defer unlock()

	start := time.Now()
	d, err := s.findDelegate(ctx, path)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	plan, err := s.resolver.Plan(ctx, path, kind)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	result := &PlanResult{Plan: plan}
	if d != nil {
		decision, err := d.ResolveDeep(ctx, planned{resolver: s.resolver, plan: plan}, path, kind)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		plan.Decision = decision
		result.Delegate = d.Name()
	}
	if s.metrics != nil {
		s.metrics.RecordDecision(ctx, "plan", string(plan.Decision), plan.StructureChanged, time.Since(start).Seconds())
	}
	s.logger.Info("Planned publish", "path", path.Key(), "kind", kind, "decision", plan.Decision,
		"structureChanged", plan.StructureChanged, "modules", len(plan.Nodes), "delegate", result.Delegate)
	return result, nil
}

// StructureChanged reports whether any module under path was added or
// removed since the last publish.
func (s *Service) StructureChanged(ctx context.Context, path publish.Path) (bool, error) {
	if err := path.Validate(); err != nil {
		return false, apperrors.Validation("path", err.Error())
	}
	changed, err := s.resolver.StructureChanged(ctx, path)
	if err != nil {
		return false, s.fail(ctx, err)
	}
	if changed && s.metrics != nil {
		s.metrics.RecordStructuralChange(ctx, "structure")
	}
	return changed, nil
}

// Commit records that the subtree at path was published as it is now. Every
// live module is fingerprinted; modules no longer in the tree are
// forgotten. Committing a removed root forgets its whole subtree.
func (s *Service) Commit(ctx context.Context, path publish.Path) (tracking.CommitResult, error) {
	if err := path.Validate(); err != nil {
		return tracking.CommitResult{}, apperrors.Validation("path", err.Error())
	}

	unlock := s.locks.lock(path.Root().Key())
	defer unlock()

	nodes, err := s.expander.LivePaths(ctx, path)
	if err != nil {
		return tracking.CommitResult{}, s.fail(ctx, err)
	}
	removed := len(nodes) == 1 && !nodes[0].Live
	if removed {
		tracked, err := s.store.IsTracked(ctx, path)
		if err != nil {
			return tracking.CommitResult{}, s.fail(ctx, apperrors.Unavailable("tracking.isTracked", err))
		}
		if !tracked {
			return tracking.CommitResult{}, apperrors.NotFound("module", path.Key())
		}
	}

	result, err := s.record(ctx, path, nodes, removed)
	if err != nil {
		return tracking.CommitResult{}, s.fail(ctx, err)
	}
	if inv, ok := s.registry.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	if s.metrics != nil {
		s.metrics.SetTrackedModules(ctx, s.store.Len())
	}
	s.notify(ctx, notify.Published(path, result.Recorded, result.Forgotten, removed))
	return result, nil
}

// record writes the outcome of a publish to the store. An undeployed root
// leaves nothing to record.
func (s *Service) record(ctx context.Context, path publish.Path, nodes []publish.Node, removed bool) (tracking.CommitResult, error) {
	if removed {
		n, err := s.store.Forget(ctx, path)
		return tracking.CommitResult{Forgotten: n}, err
	}

	published := make(map[string]fingerprint.Set, len(nodes))
	for _, n := range nodes {
		set, err := s.snapshot(ctx, n.Path)
		if err != nil {
			return tracking.CommitResult{}, err
		}
		published[n.Path.Key()] = set
	}
	return s.store.Commit(ctx, path, published)
}

// MarkFull makes every decision for path at least full until its next
// Commit.
func (s *Service) MarkFull(ctx context.Context, path publish.Path) error {
	if err := path.Validate(); err != nil {
		return apperrors.Validation("path", err.Error())
	}

	unlock := s.locks.lock(path.Root().Key())
	defer unlock()

	if err := s.store.MarkFull(ctx, path); err != nil {
		return s.fail(ctx, err)
	}
	s.notify(ctx, notify.MarkedFull(path))
	return nil
}

func (s *Service) notify(ctx context.Context, event *cloudevent.CloudEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(event); err != nil {
		s.logger.WarnContext(ctx, "Notification not queued", "type", event.Type, "subject", event.Subject, "error", err)
	}
}

// Delegates returns the names of the registered delegates.
func (s *Service) Delegates() []string {
	return s.delegates.Names()
}

// Close tears down the delegate registry.
func (s *Service) Close() error {
	return s.delegates.Close()
}

// snapshot fingerprints the sources of p. Unreadable sources publish as
// an empty resource set.
func (s *Service) snapshot(ctx context.Context, p publish.Path) (fingerprint.Set, error) {
	ok, err := s.workspace.IsSourceAccessible(ctx, p)
	if err != nil {
		return nil, apperrors.Unavailable("sources.isSourceAccessible", err)
	}
	if !ok {
		s.logger.Warn("Module sources not accessible, recording no resources", "path", p.Key())
		return fingerprint.Set{}, nil
	}
	set, err := s.workspace.Fingerprint(ctx, p)
	if err != nil {
		return nil, apperrors.Unavailable("sources.fingerprint", err)
	}
	return set, nil
}

// findDelegate returns the delegate for the artifact type of p, or nil.
// Removed modules have no type and always use the standard resolver.
func (s *Service) findDelegate(ctx context.Context, p publish.Path) (delegate.Delegate, error) {
	typ, ok, err := s.workspace.ArtifactType(ctx, p)
	if err != nil {
		return nil, apperrors.Unavailable("live.artifactType", err)
	}
	if !ok {
		return nil, nil
	}
	d, found, err := s.delegates.Find(typ)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordDelegateLookup(ctx, found)
	}
	return d, nil
}

// fail counts collaborator failures and returns err unchanged.
func (s *Service) fail(ctx context.Context, err error) error {
	if op, ok := apperrors.UnavailableOp(err); ok {
		s.logger.Warn("Collaborator call failed", "op", op, "error", err)
		if s.metrics != nil {
			s.metrics.RecordCollaboratorError(ctx, op)
		}
	}
	return err
}

// planned is the standard resolver with the deep decision for one root
// already computed.
type planned struct {
	resolver *publish.Resolver
	plan     *publish.Plan
}

func (p planned) ResolveShallow(ctx context.Context, root publish.Path, kind publish.Kind) (publish.Decision, error) {
	return p.resolver.ResolveShallow(ctx, root, kind)
}

func (p planned) ResolveDeep(ctx context.Context, root publish.Path, kind publish.Kind) (publish.Decision, error) {
	if root.Equal(p.plan.Root) && kind == p.plan.Kind {
		return p.plan.Decision, nil
	}
	return p.resolver.ResolveDeep(ctx, root, kind)
}
