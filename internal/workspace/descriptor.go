package workspace

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Descriptor is the on-disk description of a module tree.
//
//	base: ..
//	modules:
//	  - id: shop
//	    type: jst.ear
//	    source: shop-ear
//	    children:
//	      - id: web
//	        type: jst.web
//	        source: shop-web
//	        include: ["src/main/webapp/**"]
//	        exclude: ["**/*.tmp"]
type Descriptor struct {
	// Base is the directory module sources are relative to. Relative bases
	// are resolved against the descriptor's directory. Defaults to that
	// directory.
	Base    string       `yaml:"base,omitempty"`
	Modules []ModuleSpec `yaml:"modules"`
}

// ModuleSpec describes one module and its children.
type ModuleSpec struct {
	ID       string       `yaml:"id"`
	Type     string       `yaml:"type"`
	Source   string       `yaml:"source,omitempty"`  // defaults to the module ID
	Include  []string     `yaml:"include,omitempty"` // defaults to every file
	Exclude  []string     `yaml:"exclude,omitempty"`
	Children []ModuleSpec `yaml:"children,omitempty"`
}

// ParseDescriptor decodes a descriptor, rejecting unknown fields.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode workspace descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ReadDescriptor reads and decodes the descriptor at path.
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workspace descriptor: %w", err)
	}
	return ParseDescriptor(data)
}

// Validate checks module IDs, artifact types and glob patterns.
func (d *Descriptor) Validate() error {
	if len(d.Modules) == 0 {
		return fmt.Errorf("workspace descriptor declares no modules")
	}
	return validateSiblings("", d.Modules)
}

func validateSiblings(parent string, modules []ModuleSpec) error {
	seen := make(map[string]bool, len(modules))
	for _, m := range modules {
		key := m.ID
		if parent != "" {
			key = parent + "/" + m.ID
		}
		switch {
		case m.ID == "":
			return fmt.Errorf("module under %q has no id", parent)
		case strings.Contains(m.ID, "/"):
			return fmt.Errorf("module id %q contains '/'", m.ID)
		case seen[m.ID]:
			return fmt.Errorf("duplicate module %q", key)
		case m.Type == "":
			return fmt.Errorf("module %q has no type", key)
		}
		seen[m.ID] = true

		for _, pattern := range append(append([]string(nil), m.Include...), m.Exclude...) {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("module %q: invalid pattern %q", key, pattern)
			}
		}
		if err := validateSiblings(key, m.Children); err != nil {
			return err
		}
	}
	return nil
}
