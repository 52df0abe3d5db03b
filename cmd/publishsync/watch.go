package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"publishsync/internal/publish"
	"publishsync/internal/reconcile"
	"publishsync/internal/workspace"
	"slices"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func (c *cli) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-decide module trees as their sources change",
		Long: `Watch decides every root module once, then watches the module source
directories and prints a fresh deep decision for each root whose sources
changed. Rapid edits are coalesced for the debounce interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindFlag(cmd)
			if err != nil {
				return err
			}
			debounce, _ := cmd.Flags().GetDuration("debounce")
			if debounce <= 0 {
				return fmt.Errorf("debounce must be positive, got %s", debounce)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := c.openStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			w, err := newSourceWatcher(s.ws, debounce, c.logger)
			if err != nil {
				return err
			}
			defer w.close()

			out := cmd.OutOrStdout()
			decide := func(root publish.Path) {
				res, err := s.svc.Decide(ctx, reconcile.Request{Path: root, Kind: kind, Scope: reconcile.ScopeDeep})
				if err != nil {
					if ctx.Err() == nil {
						c.logger.Error("Decision failed", "root", root.Key(), "error", err)
					}
					return
				}
				if err := c.render(out, res, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %s\n", res.Path, res.Decision)
				}); err != nil {
					c.logger.Error("Failed to write decision", "error", err)
				}
			}

			for _, root := range s.ws.Roots() {
				decide(root.Path)
			}
			return w.run(ctx, decide)
		},
	}
	addKindFlag(cmd)
	cmd.Flags().Duration("debounce", 300*time.Millisecond, "Quiet period before a changed root is re-decided")
	return cmd
}

// sourceWatcher maps file system events under module sources to the root
// modules that own them.
type sourceWatcher struct {
	ws       *workspace.Workspace
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	// root key -> last event time
	pending map[string]time.Time
	roots   map[string]publish.Path
	// source directories that do not exist yet
	missing map[string]bool
}

func newSourceWatcher(ws *workspace.Workspace, debounce time.Duration, logger *slog.Logger) (*sourceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &sourceWatcher{
		ws:       ws,
		fsw:      fsw,
		debounce: debounce,
		logger:   logger.With("component", "watch"),
		pending:  make(map[string]time.Time),
		roots:    make(map[string]publish.Path),
		missing:  make(map[string]bool),
	}
	for _, dir := range ws.SourceDirs() {
		err := w.addTree(dir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			w.await(dir)
		case err != nil:
			w.logger.Warn("Source not watched", "dir", dir, "error", err)
		}
	}
	return w, nil
}

// await watches the nearest existing ancestor of a missing source directory,
// without climbing above the workspace base, so its creation is seen.
func (w *sourceWatcher) await(dir string) {
	w.missing[dir] = true
	base := w.ws.Base()
	for parent := filepath.Dir(dir); ; parent = filepath.Dir(parent) {
		if info, err := os.Stat(parent); err == nil && info.IsDir() {
			if err := w.fsw.Add(parent); err != nil {
				w.logger.Warn("Source parent not watched", "dir", parent, "error", err)
			}
			return
		}
		if parent == base || parent == filepath.Dir(parent) {
			w.logger.Warn("Source has no existing parent to watch", "dir", dir)
			return
		}
	}
}

// adopt starts watching every missing source directory that now exists and
// marks its root pending. Directories still missing move their watch down to
// the nearest ancestor that appeared.
func (w *sourceWatcher) adopt(now time.Time) {
	dirs := make([]string, 0, len(w.missing))
	for dir := range w.missing {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		delete(w.missing, dir)
		if err := w.addTree(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("Source not watched", "dir", dir, "error", err)
			}
			w.await(dir)
			continue
		}
		w.logger.Debug("Source appeared", "dir", dir)
		if owner, ok := w.ws.Owner(dir); ok {
			w.mark(owner.Root(), now)
		}
	}
}

// awaited reports whether dir is a missing source or one of its ancestors.
func (w *sourceWatcher) awaited(dir string) bool {
	for missing := range w.missing {
		if missing == dir || strings.HasPrefix(missing, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *sourceWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *sourceWatcher) close() {
	if err := w.fsw.Close(); err != nil {
		w.logger.Error("Error closing watcher", "error", err)
	}
}

// run delivers settled roots to decide until ctx is cancelled.
func (w *sourceWatcher) run(ctx context.Context, decide func(publish.Path)) error {
	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Error("Watcher error", "error", err)

		case now := <-ticker.C:
			for _, root := range w.settled(now) {
				decide(root)
			}
		}
	}
}

func (w *sourceWatcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	now := time.Now()
	name := filepath.Clean(event.Name)
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if w.awaited(name) {
				w.adopt(now)
			}
			if _, owned := w.ws.Owner(name); owned {
				if err := w.addTree(name); err != nil {
					w.logger.Warn("New directory not watched", "dir", name, "error", err)
				}
			}
		}
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && slices.Contains(w.ws.SourceDirs(), name) {
		w.await(name)
	}

	owner, ok := w.ws.Owner(name)
	if !ok {
		return
	}
	w.logger.Debug("Source changed", "file", name, "op", event.Op.String(), "root", owner.Root().Key())
	w.mark(owner.Root(), now)
}

func (w *sourceWatcher) mark(root publish.Path, at time.Time) {
	w.pending[root.Key()] = at
	w.roots[root.Key()] = root
}

// settled returns, in key order, the roots with no event for a full
// debounce interval, and forgets them.
func (w *sourceWatcher) settled(now time.Time) []publish.Path {
	var keys []string
	for key, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	roots := make([]publish.Path, 0, len(keys))
	for _, key := range keys {
		roots = append(roots, w.roots[key])
		delete(w.pending, key)
		delete(w.roots, key)
	}
	return roots
}
