// Package policy loads role policy documents. A role policy declares
// the paths a role may never touch and, optionally, the only paths it
// may touch, independent of any per-task pin set.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrRoleNotFound is returned when a role has no policy document.
var ErrRoleNotFound = errors.New("role policy not found")

// RolePolicy is the per-role scope document.
type RolePolicy struct {
	// Role is the role name the document applies to.
	Role string `yaml:"role" json:"role"`

	// Version identifies the policy revision; preflight results record
	// it so audits can tell which document was enforced.
	Version string `yaml:"version" json:"version"`

	// ForbiddenPaths are glob patterns the role may never touch,
	// regardless of what pins allow.
	ForbiddenPaths []string `yaml:"forbidden_paths" json:"forbidden_paths"`

	// AllowedPaths, when non-empty, further restricts the role to
	// these patterns on top of the pin allowlist.
	AllowedPaths []string `yaml:"allowed_paths,omitempty" json:"allowed_paths,omitempty"`
}

// Set is a collection of role policies keyed by role name.
type Set struct {
	policies map[string]*RolePolicy
}

// document is the on-disk shape: one file carrying multiple roles.
type document struct {
	Policies []RolePolicy `yaml:"policies"`
}

// Load parses a role policy YAML document from a file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a role policy YAML document.
func Parse(data []byte) (*Set, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse role policy: %w", err)
	}

	set := &Set{policies: make(map[string]*RolePolicy, len(doc.Policies))}
	for i := range doc.Policies {
		p := doc.Policies[i]
		p.Role = strings.TrimSpace(p.Role)
		if p.Role == "" {
			return nil, fmt.Errorf("role policy entry %d: role name is required", i)
		}
		if _, dup := set.policies[p.Role]; dup {
			return nil, fmt.Errorf("duplicate role policy for %q", p.Role)
		}
		sort.Strings(p.ForbiddenPaths)
		sort.Strings(p.AllowedPaths)
		set.policies[p.Role] = &p
	}
	return set, nil
}

// ForRole returns the policy for a role. Missing roles are an error so
// callers cannot accidentally treat absence as permission.
func (s *Set) ForRole(role string) (*RolePolicy, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %q (no policy set loaded)", ErrRoleNotFound, role)
	}
	p, ok := s.policies[strings.TrimSpace(role)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoleNotFound, role)
	}
	return p, nil
}

// Roles lists the roles in the set, sorted.
func (s *Set) Roles() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.policies))
	for role := range s.policies {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
