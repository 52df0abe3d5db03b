// Package delegate holds alternate publish strategies keyed by artifact type.
//
// A delegate declares capabilities; the registry finds the first delegate
// whose capabilities satisfy the requirement for an artifact type. Artifact
// types without a delegate use the standard resolver, and that outcome is
// reported as "not found", never as an error.
package delegate

import (
	"context"
	"publishsync/internal/publish"
)

const (
	capabilityPrefix = "artifactType:"
	capabilityTrue   = "true"
)

// Capabilities maps capability keys to values, e.g.
// "artifactType:jst.ear" -> "true".
type Capabilities map[string]string

// Requirement returns the capability set a delegate for artifactType must
// declare.
func Requirement(artifactType string) Capabilities {
	return Capabilities{capabilityPrefix + artifactType: capabilityTrue}
}

// ForTypes declares support for each of the given artifact types.
func ForTypes(artifactTypes ...string) Capabilities {
	c := make(Capabilities, len(artifactTypes))
	for _, t := range artifactTypes {
		c[capabilityPrefix+t] = capabilityTrue
	}
	return c
}

// Satisfies reports whether every key in req is declared with the same value.
func (c Capabilities) Satisfies(req Capabilities) bool {
	for k, v := range req {
		if got, ok := c[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Standard is the resolver a delegate may build on. *publish.Resolver
// implements it.
type Standard interface {
	ResolveShallow(ctx context.Context, root publish.Path, kind publish.Kind) (publish.Decision, error)
	ResolveDeep(ctx context.Context, root publish.Path, kind publish.Kind) (publish.Decision, error)
}

// Delegate is an alternate publish strategy for some artifact types.
// Delegates that hold resources may also implement io.Closer; the registry
// closes them on teardown.
type Delegate interface {
	Name() string
	Capabilities() Capabilities
	ResolveShallow(ctx context.Context, std Standard, root publish.Path, kind publish.Kind) (publish.Decision, error)
	ResolveDeep(ctx context.Context, std Standard, root publish.Path, kind publish.Kind) (publish.Decision, error)
}

// Escalating publishes its artifact types in full whenever the standard
// resolver would patch them incrementally. It suits archives the target can
// only replace as a whole.
type Escalating struct {
	name         string
	capabilities Capabilities
}

// NewEscalating creates an escalating delegate for the given artifact types.
func NewEscalating(name string, artifactTypes ...string) *Escalating {
	return &Escalating{name: name, capabilities: ForTypes(artifactTypes...)}
}

func (e *Escalating) Name() string { return e.name }

func (e *Escalating) Capabilities() Capabilities { return e.capabilities }

func (e *Escalating) ResolveShallow(ctx context.Context, std Standard, root publish.Path, kind publish.Kind) (publish.Decision, error) {
	d, err := std.ResolveShallow(ctx, root, kind)
	if err != nil {
		return "", err
	}
	return escalate(d), nil
}

func (e *Escalating) ResolveDeep(ctx context.Context, std Standard, root publish.Path, kind publish.Kind) (publish.Decision, error) {
	d, err := std.ResolveDeep(ctx, root, kind)
	if err != nil {
		return "", err
	}
	return escalate(d), nil
}

func escalate(d publish.Decision) publish.Decision {
	if d == publish.DecisionIncremental {
		return publish.DecisionFull
	}
	return d
}
