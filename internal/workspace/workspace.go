// Package workspace provides the live module tree described by a YAML
// descriptor, and reads module sources from disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"publishsync/internal/fingerprint"
	"publishsync/internal/publish"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

type module struct {
	path     publish.Path
	kind     string
	source   string // absolute
	include  []string
	exclude  []string
	children []*module
}

// Workspace is an immutable view of a module tree. It implements
// publish.LiveTreeProvider and is safe for concurrent use. Reload by
// loading a new Workspace.
type Workspace struct {
	base        string
	roots       []*module
	index       map[string]*module
	concurrency int
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithHashConcurrency bounds the number of files hashed in parallel by
// Fingerprint. Defaults to GOMAXPROCS.
func WithHashConcurrency(n int) Option {
	return func(w *Workspace) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// Load reads the descriptor at path and builds the workspace.
func Load(path string, opts ...Option) (*Workspace, error) {
	d, err := ReadDescriptor(path)
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve descriptor directory: %w", err)
	}
	return New(d, dir, opts...)
}

// New builds a workspace from a validated descriptor. Relative paths are
// resolved against dir.
func New(d *Descriptor, dir string, opts ...Option) (*Workspace, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	base := d.Base
	if base == "" {
		base = dir
	} else if !filepath.IsAbs(base) {
		base = filepath.Join(dir, base)
	}

	w := &Workspace{
		base:        base,
		index:       make(map[string]*module),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.roots = w.build(nil, base, d.Modules)
	return w, nil
}

func (w *Workspace) build(parent publish.Path, base string, specs []ModuleSpec) []*module {
	modules := make([]*module, 0, len(specs))
	for _, spec := range specs {
		source := spec.Source
		if source == "" {
			source = spec.ID
		}
		if !filepath.IsAbs(source) {
			source = filepath.Join(base, source)
		}
		include := spec.Include
		if len(include) == 0 {
			include = []string{"**"}
		}

		m := &module{
			path:    parent.Child(spec.ID),
			kind:    spec.Type,
			source:  filepath.Clean(source),
			include: include,
			exclude: spec.Exclude,
		}
		m.children = w.build(m.path, base, spec.Children)
		w.index[m.path.Key()] = m
		modules = append(modules, m)
	}
	return modules
}

// Children returns the direct children of p in descriptor order. Unknown
// paths have no children.
func (w *Workspace) Children(_ context.Context, p publish.Path) ([]publish.Artifact, error) {
	m, ok := w.index[p.Key()]
	if !ok {
		return nil, nil
	}
	out := make([]publish.Artifact, 0, len(m.children))
	for _, c := range m.children {
		out = append(out, publish.Artifact{Path: c.path, Type: c.kind})
	}
	return out, nil
}

// Exists reports whether p is declared in the descriptor.
func (w *Workspace) Exists(_ context.Context, p publish.Path) (bool, error) {
	_, ok := w.index[p.Key()]
	return ok, nil
}

// ArtifactType returns the declared type of p.
func (w *Workspace) ArtifactType(_ context.Context, p publish.Path) (string, bool, error) {
	m, ok := w.index[p.Key()]
	if !ok {
		return "", false, nil
	}
	return m.kind, true, nil
}

// Roots returns the top-level modules.
func (w *Workspace) Roots() []publish.Artifact {
	out := make([]publish.Artifact, 0, len(w.roots))
	for _, m := range w.roots {
		out = append(out, publish.Artifact{Path: m.path, Type: m.kind})
	}
	return out
}

// Base returns the directory relative module sources resolve against.
func (w *Workspace) Base() string { return w.base }

// SourceDirs returns every module source directory, sorted.
func (w *Workspace) SourceDirs() []string {
	dirs := make([]string, 0, len(w.index))
	for _, m := range w.index {
		dirs = append(dirs, m.source)
	}
	sort.Strings(dirs)
	return dirs
}

// Owner returns the module whose source directory most specifically
// contains file.
func (w *Workspace) Owner(file string) (publish.Path, bool) {
	file = filepath.Clean(file)
	var best *module
	for _, m := range w.index {
		if file != m.source && !strings.HasPrefix(file, m.source+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(m.source) > len(best.source) {
			best = m
		}
	}
	if best == nil {
		return nil, false
	}
	return best.path, true
}

// IsSourceAccessible reports whether the source directory of p exists and
// is a directory. Permission and I/O failures are errors.
func (w *Workspace) IsSourceAccessible(_ context.Context, p publish.Path) (bool, error) {
	m, ok := w.index[p.Key()]
	if !ok {
		return false, nil
	}
	info, err := os.Stat(m.source)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Fingerprint digests every selected resource of p: files matching an
// include pattern and no exclude pattern, relative to the source directory.
func (w *Workspace) Fingerprint(ctx context.Context, p publish.Path) (fingerprint.Set, error) {
	m, ok := w.index[p.Key()]
	if !ok {
		return nil, fmt.Errorf("module %s is not in the workspace", p)
	}
	files, err := m.resources()
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		set = make(fingerprint.Set, len(files))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, name := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := fingerprint.File(filepath.Join(m.source, filepath.FromSlash(name)))
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", name, err)
			}
			mu.Lock()
			set[name] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

// resources lists the selected files of m as slash-separated paths
// relative to its source directory.
func (m *module) resources() ([]string, error) {
	fsys := os.DirFS(m.source)
	selected := make(map[string]bool)
	for _, pattern := range m.include {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("module %s: glob %q: %w", m.path, pattern, err)
		}
		for _, name := range matches {
			if !m.excluded(name) {
				selected[name] = true
			}
		}
	}

	files := make([]string, 0, len(selected))
	for name := range selected {
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func (m *module) excluded(name string) bool {
	for _, pattern := range m.exclude {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
