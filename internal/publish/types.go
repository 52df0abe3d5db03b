// Package publish decides what kind of publish a tree of deployable modules
// needs to bring a running target in line with its sources.
//
// A module is addressed by its Path from the outermost (root) module to the
// innermost child. For a root module, the Resolver expands the live subtree,
// merges in previously tracked children that have since disappeared,
// classifies every node as added, removed, changed or unchanged, and folds the
// per-node decisions into one Decision for the whole subtree.
package publish

import (
	"fmt"
	"slices"
	"strings"
)

// pathSeparator joins path segments in Key and String.
const pathSeparator = "/"

// Path identifies a module by the IDs from the root module down to the module
// itself. Paths are compared by value; treat them as immutable.
type Path []string

// ParsePath splits a "/"-separated key into a Path.
func ParsePath(key string) (Path, error) {
	key = strings.Trim(key, pathSeparator)
	if key == "" {
		return nil, fmt.Errorf("empty module path")
	}
	p := Path(strings.Split(key, pathSeparator))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate reports whether the path is well formed.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("empty module path")
	}
	for i, id := range p {
		if id == "" {
			return fmt.Errorf("module path segment %d is empty", i)
		}
		if strings.Contains(id, pathSeparator) {
			return fmt.Errorf("module path segment %q contains %q", id, pathSeparator)
		}
	}
	return nil
}

// Key returns the canonical string form, usable as a map key.
func (p Path) Key() string {
	return strings.Join(p, pathSeparator)
}

func (p Path) String() string {
	return p.Key()
}

// MarshalText encodes the path as its key, so paths travel as
// "shop/web" in JSON rather than as arrays.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.Key()), nil
}

// UnmarshalText parses a key produced by MarshalText.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Root returns the single-element path of the outermost module.
func (p Path) Root() Path {
	if len(p) == 0 {
		return nil
	}
	return Path{p[0]}
}

// Child returns a new path with id appended.
func (p Path) Child(id string) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, id)
}

// Equal reports whether both paths name the same module.
func (p Path) Equal(other Path) bool {
	return slices.Equal(p, other)
}

// HasPrefix reports whether p is prefix itself or one of its descendants.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) == 0 || len(p) < len(prefix) {
		return false
	}
	return slices.Equal(p[:len(prefix)], prefix)
}

// Artifact is a module present in the live tree.
type Artifact struct {
	Path Path
	Type string // artifact type, e.g. "jst.web"
}

// Node is an entry of an expanded subtree. Live is false for paths that are
// only known from tracking records, i.e. modules removed since the last publish.
type Node struct {
	Path Path
	Live bool
}

// Kind is the publish kind requested by the caller, independent of what
// actually changed.
type Kind string

const (
	KindIncremental Kind = "incremental"
	KindFull        Kind = "full"
	KindClean       Kind = "clean"
	KindAuto        Kind = "auto"
)

// ParseKind parses a requested publish kind. Empty input means KindAuto.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindAuto, nil
	}
	k := Kind(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("unknown publish kind %q (want incremental, full, clean or auto)", s)
	}
	return k, nil
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindIncremental, KindFull, KindClean, KindAuto:
		return true
	}
	return false
}

// RecordedState is the publish state the tracking store keeps per module.
// The zero value means no state was recorded.
type RecordedState string

const (
	StateUnset       RecordedState = ""
	StateIncremental RecordedState = "incremental"
	StateFull        RecordedState = "full"
)

// ChangeKind is the detected delta of a module since its last publish.
type ChangeKind string

const (
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeChanged   ChangeKind = "changed"
	ChangeAdded     ChangeKind = "added"
	ChangeRemoved   ChangeKind = "removed"
)

// Structural reports whether the change alters the shape of the tree.
func (c ChangeKind) Structural() bool {
	return c == ChangeAdded || c == ChangeRemoved
}

// Decision is the publish action a module or subtree requires.
// Decisions are ordered none < incremental < full < remove; use Rank and
// Escalate rather than comparing the string values.
type Decision string

const (
	DecisionNone        Decision = "none"
	DecisionIncremental Decision = "incremental"
	DecisionFull        Decision = "full"
	// DecisionRemove means the module must be undeployed. It is terminal:
	// nothing below a removed root is evaluated.
	DecisionRemove Decision = "remove"
)

// Rank returns the position of d in the escalation order. Unknown decisions
// rank -1 so they never win a fold.
func (d Decision) Rank() int {
	switch d {
	case DecisionNone:
		return 0
	case DecisionIncremental:
		return 1
	case DecisionFull:
		return 2
	case DecisionRemove:
		return 3
	default:
		return -1
	}
}

// Valid reports whether d is one of the defined decisions.
func (d Decision) Valid() bool {
	return d.Rank() >= 0
}

// Escalate returns the more severe of a and b.
func Escalate(a, b Decision) Decision {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
