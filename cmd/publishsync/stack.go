package main

import (
	"context"
	"errors"
	"fmt"
	"publishsync/internal/config"
	"publishsync/internal/delegate"
	"publishsync/internal/notify"
	"publishsync/internal/publish"
	"publishsync/internal/reconcile"
	"publishsync/internal/target/docker"
	"publishsync/internal/tracking"
	"publishsync/internal/workspace"
)

// stack is the reconcile service with the collaborators it was built from.
type stack struct {
	svc     *reconcile.Service
	ws      *workspace.Workspace
	store   *tracking.Store
	closers []func() error
}

func (c *cli) openStack(ctx context.Context) (*stack, error) {
	ws, err := workspace.Load(c.v.GetString("workspace"))
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	store, err := tracking.Open(c.v.GetString("state"), c.logger)
	if err != nil {
		return nil, err
	}
	s := &stack{ws: ws, store: store}

	var registry publish.TrackedPathRegistry = store
	switch kind := c.v.GetString("registry"); kind {
	case config.RegistryStore:
	case config.RegistryDocker:
		dockerCfg := docker.LoadConfigFromEnv()
		dockerCfg.LabelPrefix = c.v.GetString("docker-label-prefix")
		dockerCfg.Logger = c.logger
		target, err := docker.NewRegistry(dockerCfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, target.Close)
		if err := target.Ready(ctx); err != nil {
			c.logger.Warn("Docker daemon not reachable", "error", err)
		}
		registry = target
	default:
		return nil, fmt.Errorf("unknown registry %q (want %s or %s)", kind, config.RegistryStore, config.RegistryDocker)
	}

	var notifier reconcile.Notifier
	notifyCfg := notify.LoadConfigFromEnv()
	if urls := c.v.GetStringSlice("notify-url"); len(urls) > 0 {
		notifyCfg.URLs = urls
	}
	if err := notifyCfg.Validate(); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if notifyCfg.Enabled() {
		dispatcher := notify.New(notifyCfg, nil, c.logger)
		s.closers = append(s.closers, func() error {
			drainCtx, cancel := context.WithTimeout(context.Background(), notifyCfg.HTTPTimeout)
			defer cancel()
			return dispatcher.Close(drainCtx)
		})
		notifier = dispatcher
	}

	delegates := delegate.NewRegistry(c.logger)
	if types := c.v.GetStringSlice("full-only"); len(types) > 0 {
		if err := delegates.Register(delegate.NewEscalating("full-only", types...)); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}

	s.svc, err = reconcile.NewService(reconcile.Config{
		Workspace: ws,
		Store:     store,
		Registry:  registry,
		Delegates: delegates,
		Notifier:  notifier,
		Logger:    c.logger,
	})
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.closers = append(s.closers, s.svc.Close)
	return s, nil
}

// Close releases everything in reverse order of acquisition.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}
