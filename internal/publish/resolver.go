package publish

import (
	"context"
	"fmt"
	"log/slog"
	"publishsync/internal/apperrors"
)

// Resolver computes publish decisions for modules and module subtrees.
//
// The Resolver holds no mutable state and is safe for concurrent use. It
// assumes each call sees a consistent snapshot of the tracking store; callers
// that publish concurrently must serialize decide and commit per root.
type Resolver struct {
	live     LiveTreeProvider
	deltas   ChangeDeltaProvider
	expander *Expander
	computer *DeltaComputer
	logger   *slog.Logger
}

// Config holds the collaborators of a Resolver.
type Config struct {
	Live     LiveTreeProvider    // Current module tree (required)
	Deltas   ChangeDeltaProvider // Publish-tracking store view (required)
	Registry TrackedPathRegistry // Previously published paths (required)
	Logger   *slog.Logger        // Defaults to slog.Default()
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Live == nil {
		return nil, fmt.Errorf("live tree provider is required")
	}
	if cfg.Deltas == nil {
		return nil, fmt.Errorf("change delta provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tracked path registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		live:     cfg.Live,
		deltas:   cfg.Deltas,
		expander: NewExpander(cfg.Live, cfg.Registry),
		computer: NewDeltaComputer(cfg.Deltas, cfg.Registry),
		logger:   logger.With("component", "resolver"),
	}, nil
}

// NodeReport is the assessment of one module within a Plan.
type NodeReport struct {
	Path     Path          `json:"path"`
	Live     bool          `json:"live"`
	Change   ChangeKind    `json:"change"`
	State    RecordedState `json:"state,omitempty"`
	Decision Decision      `json:"decision"`
}

// Plan is a deep decision together with the per-module assessment behind it.
type Plan struct {
	Root             Path         `json:"root"`
	Kind             Kind         `json:"kind"`
	Decision         Decision     `json:"decision"`
	StructureChanged bool         `json:"structureChanged"`
	ShortCircuited   bool         `json:"shortCircuited"` // root removed, subtree not evaluated
	Nodes            []NodeReport `json:"nodes"`
}

// ResolveShallow decides the publish action for root alone.
func (r *Resolver) ResolveShallow(ctx context.Context, root Path, kind Kind) (Decision, error) {
	if err := validate(root, kind); err != nil {
		return "", err
	}
	report, err := r.assessRoot(ctx, root, kind)
	if err != nil {
		return "", err
	}
	r.logger.Debug("Resolved shallow decision", "root", root.Key(), "kind", kind, "change", report.Change, "decision", report.Decision)
	return report.Decision, nil
}

// ResolveDeep decides the publish action for root and everything beneath it.
// A removed root yields DecisionRemove without looking at descendants. If any
// module in the subtree was added or removed the result is DecisionFull.
// Otherwise it is the most severe per-module decision.
func (r *Resolver) ResolveDeep(ctx context.Context, root Path, kind Kind) (Decision, error) {
	plan, err := r.Assess(ctx, root, kind)
	if err != nil {
		return "", err
	}
	return plan.Decision, nil
}

// Assess is ResolveDeep returning the decision with its StructureChanged and
// ShortCircuited flags. Nodes is left empty.
func (r *Resolver) Assess(ctx context.Context, root Path, kind Kind) (*Plan, error) {
	return r.resolve(ctx, root, kind, false)
}

// Plan is ResolveDeep with the per-module breakdown filled in.
func (r *Resolver) Plan(ctx context.Context, root Path, kind Kind) (*Plan, error) {
	return r.resolve(ctx, root, kind, true)
}

// StructureChanged reports whether any module under root, root included, was
// added or removed since the last publish.
func (r *Resolver) StructureChanged(ctx context.Context, root Path) (bool, error) {
	if err := root.Validate(); err != nil {
		return false, apperrors.Validation("path", err.Error())
	}
	// Removed paths are padded in by the classifier, not the expander.
	live, err := r.expander.LivePaths(ctx, root)
	if err != nil {
		return false, err
	}
	_, changes, err := r.computer.ClassifyWithRemoved(ctx, root, live)
	if err != nil {
		return false, err
	}
	return HasStructuralChange(changes), nil
}

func (r *Resolver) resolve(ctx context.Context, root Path, kind Kind, explain bool) (*Plan, error) {
	if err := validate(root, kind); err != nil {
		return nil, err
	}
	logger := r.logger.With("root", root.Key(), "kind", kind)

	rootReport, err := r.assessRoot(ctx, root, kind)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Root: root, Kind: kind, Decision: rootReport.Decision}

	if rootReport.Decision == DecisionRemove {
		plan.ShortCircuited = true
		plan.Nodes = []NodeReport{rootReport}
		logger.Info("Root module removed, subtree not evaluated")
		return plan, nil
	}

	nodes, err := r.expander.Expand(ctx, root)
	if err != nil {
		return nil, err
	}
	changes, err := r.computer.Classify(ctx, nodes)
	if err != nil {
		return nil, err
	}

	if HasStructuralChange(changes) {
		plan.StructureChanged = true
		plan.Decision = DecisionFull
		logger.Info("Module tree structure changed, escalating to full publish")
		if !explain {
			return plan, nil
		}
	}

	plan.Nodes = make([]NodeReport, 0, len(nodes))
	for i, n := range nodes {
		report := NodeReport{Path: n.Path, Live: n.Live, Change: changes[i]}
		if !report.Change.Structural() {
			report.State, err = r.recordedState(ctx, n.Path)
			if err != nil {
				return nil, err
			}
		}
		report.Decision = Classify(kind, report.State, report.Change)
		plan.Nodes = append(plan.Nodes, report)
		if !plan.StructureChanged {
			plan.Decision = Escalate(plan.Decision, report.Decision)
		}
	}
	if !explain {
		plan.Nodes = nil
	}

	logger.Debug("Resolved deep decision", "modules", len(nodes), "decision", plan.Decision)
	return plan, nil
}

// assessRoot classifies root on its own, against the live tree and the
// tracking store.
func (r *Resolver) assessRoot(ctx context.Context, root Path, kind Kind) (NodeReport, error) {
	live, err := r.live.Exists(ctx, root)
	if err != nil {
		return NodeReport{}, apperrors.Unavailable("live.exists", err)
	}
	if !live {
		tracked, err := r.deltas.IsTracked(ctx, root)
		if err != nil {
			return NodeReport{}, apperrors.Unavailable("deltas.isTracked", err)
		}
		if !tracked {
			return NodeReport{}, apperrors.NotFound("module", root.Key())
		}
	}

	change, err := r.computer.classifyNode(ctx, Node{Path: root, Live: live})
	if err != nil {
		return NodeReport{}, err
	}
	report := NodeReport{Path: root, Live: live, Change: change}
	if !change.Structural() {
		report.State, err = r.recordedState(ctx, root)
		if err != nil {
			return NodeReport{}, err
		}
	}
	report.Decision = Classify(kind, report.State, change)
	return report, nil
}

func (r *Resolver) recordedState(ctx context.Context, p Path) (RecordedState, error) {
	state, err := r.deltas.RecordedState(ctx, p)
	if err != nil {
		return "", apperrors.Unavailable("deltas.recordedState", err)
	}
	return state, nil
}

func validate(root Path, kind Kind) error {
	if err := root.Validate(); err != nil {
		return apperrors.Validation("path", err.Error())
	}
	if !kind.Valid() {
		return apperrors.Validation("kind", fmt.Sprintf("unknown publish kind %q", kind))
	}
	return nil
}
