// Package docker implements publish.TrackedPathRegistry on top of the Docker
// API. A module counts as published while a container on the target daemon
// carries its module label.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"publishsync/internal/apperrors"
	"publishsync/internal/observability"
	"publishsync/internal/publish"
	"publishsync/pkg/backoff"
	"publishsync/pkg/circuitbreaker"
	"slices"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DefaultLabelPrefix namespaces the labels read by the registry.
const DefaultLabelPrefix = "publishsync"

// managedBy is the value of the <prefix>.managed-by label.
const managedBy = "publishsync"

const (
	opList = "containerList"
	opPing = "ping"
)

// apiClient is the subset of the Docker client the registry uses.
type apiClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Registry lists published module paths from container labels.
type Registry struct {
	client   apiClient
	prefix   string
	attempts int
	backoff  backoff.Config
	breakers *circuitbreaker.Registry
	cache    *moduleCache
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewRegistry connects to the daemon configured by the DOCKER_* environment.
func NewRegistry(cfg Config) (*Registry, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newRegistry(dockerClient, cfg), nil
}

func newRegistry(c apiClient, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "docker-registry")
	return &Registry{
		client:   c,
		prefix:   cfg.LabelPrefix,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker, func(t circuitbreaker.Transition) {
			logger.Warn("Docker breaker state changed", "op", t.Name, "from", t.From.String(), "to", t.To.String(), "failures", t.Failures)
		}),
		cache:   newModuleCache(cfg.CacheTTL),
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// ManagedLabel is the label key that marks containers owned by publishsync.
func (r *Registry) ManagedLabel() string {
	return r.prefix + ".managed-by"
}

// ModuleLabel is the label key carrying the module path key.
func (r *Registry) ModuleLabel() string {
	return r.prefix + ".module"
}

// Labels returns the labels a container publishing p must carry to be seen
// by the registry.
func (r *Registry) Labels(p publish.Path) map[string]string {
	return map[string]string{
		r.ManagedLabel(): managedBy,
		r.ModuleLabel():  p.Key(),
	}
}

// TrackedPathsUnder returns root and its published descendants, sorted by
// key. Containers in any state count, so a stopped deployment still makes
// its modules tracked.
func (r *Registry) TrackedPathsUnder(ctx context.Context, root publish.Path) ([]publish.Path, error) {
	keys, err := r.modules(ctx)
	if err != nil {
		return nil, err
	}
	prefix := root.Key()
	var paths []publish.Path
	for _, key := range keys {
		if key != prefix && !strings.HasPrefix(key, prefix+"/") {
			continue
		}
		p, _ := publish.ParsePath(key)
		paths = append(paths, p)
	}
	return paths, nil
}

// Invalidate drops the cached listing, so the next lookup asks the daemon.
func (r *Registry) Invalidate() {
	r.cache.invalidate()
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Registry) Ready(ctx context.Context) error {
	return r.call(ctx, opPing, func() error {
		_, err := r.client.Ping(ctx)
		return err
	})
}

// Close releases the Docker client.
func (r *Registry) Close() error {
	return r.client.Close()
}

// modules returns the sorted module keys of every managed container.
func (r *Registry) modules(ctx context.Context) ([]string, error) {
	if keys, ok := r.cache.get(); ok {
		return keys, nil
	}

	var containers []container.Summary
	err := r.call(ctx, opList, func() error {
		var err error
		containers, err = r.client.ContainerList(ctx, container.ListOptions{
			All: true,
			Filters: filters.NewArgs(
				filters.Arg("label", r.ManagedLabel()+"="+managedBy),
			),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(containers))
	keys := make([]string, 0, len(containers))
	for _, c := range containers {
		label, ok := c.Labels[r.ModuleLabel()]
		if !ok {
			continue
		}
		p, err := publish.ParsePath(label)
		if err != nil {
			r.logger.Warn("Ignoring container with malformed module label", "containerId", c.ID, "module", label)
			continue
		}
		if key := p.Key(); !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	r.cache.store(keys)
	r.logger.Debug("Listed published modules", "containers", len(containers), "modules", len(keys))
	return keys, nil
}

// call runs fn behind the breaker for op, retrying transient failures.
func (r *Registry) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	breaker := r.breakers.Get(op)

	err := backoff.Retry(ctx, r.attempts, &r.backoff, func() error {
		err := breaker.Do(fn)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return backoff.Permanent(err)
		}
		return err
	})

	if r.metrics != nil {
		r.metrics.RecordTargetCall(ctx, op, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		r.logger.Warn("Docker call failed", "op", op, "breaker", breaker.State().String(), "error", err)
		return apperrors.Unavailable("docker."+op, err)
	}
	return nil
}
