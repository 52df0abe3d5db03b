package delegate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"publishsync/internal/apperrors"
	"sync"
)

// ErrClosed is returned by a registry after Close.
var ErrClosed = errors.New("delegate registry is closed")

// Registry holds delegates in registration order. It is safe for concurrent
// use; delegates are expected to be registered during startup.
type Registry struct {
	mu        sync.RWMutex
	delegates []Delegate
	names     map[string]struct{}
	closed    bool
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		names:  make(map[string]struct{}),
		logger: logger.With("component", "delegates"),
	}
}

// Register adds d. Names must be unique.
func (r *Registry) Register(d Delegate) error {
	if d == nil {
		return apperrors.Validation("delegate", "delegate is required")
	}
	name := d.Name()
	if name == "" {
		return apperrors.Validation("name", "delegate name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.names[name]; exists {
		return apperrors.Conflict("delegate", name, fmt.Sprintf("delegate %s already registered", name))
	}
	r.names[name] = struct{}{}
	r.delegates = append(r.delegates, d)

	r.logger.Info("Registered delegate", "name", name, "capabilities", len(d.Capabilities()))
	return nil
}

// Find returns the first registered delegate able to handle artifactType.
// A miss is (nil, false, nil); the caller falls back to the standard
// resolver. The only error is ErrClosed.
func (r *Registry) Find(artifactType string) (Delegate, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, false, ErrClosed
	}
	if artifactType == "" {
		return nil, false, nil
	}

	req := Requirement(artifactType)
	for _, d := range r.delegates {
		if d.Capabilities().Satisfies(req) {
			return d, true, nil
		}
	}
	return nil, false, nil
}

// Names returns the registered delegate names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.delegates))
	for _, d := range r.delegates {
		names = append(names, d.Name())
	}
	return names
}

// Close closes every delegate implementing io.Closer and rejects further
// use of the registry. Calling Close again is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, d := range r.delegates {
		c, ok := d.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			r.logger.Warn("Failed to close delegate", "name", d.Name(), "error", err)
			errs = append(errs, fmt.Errorf("close delegate %s: %w", d.Name(), err))
		}
	}
	r.delegates = nil
	return errors.Join(errs...)
}
