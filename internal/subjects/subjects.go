// Package subjects holds the table of well-known subjects and the protobuf
// type name of each subject's payload.
//
// A Registry is immutable once built. Unknown subjects are valid; they simply
// have no schema.
package subjects

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Registry maps subject names to schema type names.
type Registry struct {
	schemas map[string]string
}

// New returns a registry holding a copy of m.
func New(m map[string]string) *Registry {
	schemas := make(map[string]string, len(m))
	for k, v := range m {
		schemas[k] = v
	}
	return &Registry{schemas: schemas}
}

// Parse decodes a YAML document of the form "subject: type.Name".
func Parse(data []byte) (map[string]string, error) {
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing subjects: %w", err)
	}
	return m, nil
}

// Load reads each YAML file in order and returns the merged registry. Later
// files extend and override earlier ones.
func Load(paths ...string) (*Registry, error) {
	merged := make(map[string]string)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading subjects file: %w", err)
		}
		m, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return &Registry{schemas: merged}, nil
}

// IsWellKnown reports whether subject is in the table.
func (r *Registry) IsWellKnown(subject string) bool {
	if r == nil {
		return false
	}
	_, ok := r.schemas[subject]
	return ok
}

// Schema returns the schema type name for subject.
func (r *Registry) Schema(subject string) (string, bool) {
	if r == nil {
		return "", false
	}
	s, ok := r.schemas[subject]
	return s, ok
}

// Subjects returns all subject names in sorted order.
func (r *Registry) Subjects() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of subjects.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.schemas)
}
