// Package preflight is the last check before a task touches real
// files: every declared file must fall inside the pin allowlist and
// outside both the pin and role-policy forbidden lists.
//
// Glob semantics: `*` matches within a single path segment, `**`
// matches across segments (doublestar). An exact path is also accepted
// as its own pattern. Any ambiguity fails closed.
package preflight

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/policy"
)

// Violation reason codes.
const (
	ReasonEmptyAllowlist  = "empty_allowlist"
	ReasonMissingPolicy   = "missing_role_policy"
	ReasonOutsideAllowed  = "outside_allowed_paths"
	ReasonPinForbidden    = "matches_forbidden_path"
	ReasonPolicyForbidden = "matches_role_forbidden_path"
	ReasonPolicyOutside   = "outside_role_allowed_paths"
	ReasonNotInMap        = "not_in_map"
	ReasonBadPattern      = "invalid_pattern"
)

// Violation is one failed check for one declared file.
type Violation struct {
	Path    string `json:"path"`
	Reason  string `json:"reason"`
	Pattern string `json:"pattern,omitempty"`
}

// Input carries everything the gate evaluates.
type Input struct {
	TaskID        string
	DeclaredFiles []string
	Pins          pins.Spec
	RolePolicy    *policy.RolePolicy

	// PinsVersion is the map version hash the pins were built against,
	// recorded in the result for staleness audits.
	PinsVersion string

	// Snapshot, when non-nil, requires every declared file to exist in
	// the map. Nil skips the existence check.
	Snapshot *mapindex.Snapshot
}

// Result is the gate's deterministic outcome. It records the pin and
// policy versions it was computed against so audits can re-verify.
type Result struct {
	Pass          bool        `json:"pass"`
	TaskID        string      `json:"task_id"`
	Violations    []Violation `json:"violations"`
	PinsVersion   string      `json:"pins_version,omitempty"`
	PolicyVersion string      `json:"policy_version,omitempty"`
}

// Run evaluates the gate. It never returns an error for a policy
// failure; failures are violations in the result. The declared file
// list is deduplicated and sorted so results are stable.
func Run(in Input) Result {
	res := Result{TaskID: in.TaskID, PinsVersion: in.PinsVersion}
	if in.RolePolicy != nil {
		res.PolicyVersion = in.RolePolicy.Version
	}

	declared := normalize(in.DeclaredFiles)

	// Nothing declared is a trivial pass: the task touches no files.
	if len(declared) == 0 {
		res.Pass = true
		return res
	}

	if in.RolePolicy == nil {
		res.Violations = append(res.Violations, Violation{Reason: ReasonMissingPolicy})
		return res
	}
	if len(in.Pins.AllowedPaths) == 0 {
		res.Violations = append(res.Violations, Violation{Reason: ReasonEmptyAllowlist})
		return res
	}

	for _, path := range declared {
		if in.Snapshot != nil && in.Snapshot.Lookup(path) == nil {
			res.Violations = append(res.Violations, Violation{Path: path, Reason: ReasonNotInMap})
			continue
		}
		if pat, hit := firstMatch(in.Pins.ForbiddenPaths, path); hit {
			res.Violations = append(res.Violations, Violation{Path: path, Reason: ReasonPinForbidden, Pattern: pat})
			continue
		}
		if pat, hit := firstMatch(in.RolePolicy.ForbiddenPaths, path); hit {
			res.Violations = append(res.Violations, Violation{Path: path, Reason: ReasonPolicyForbidden, Pattern: pat})
			continue
		}
		if _, hit := firstMatch(in.Pins.AllowedPaths, path); !hit {
			res.Violations = append(res.Violations, Violation{Path: path, Reason: ReasonOutsideAllowed})
			continue
		}
		if len(in.RolePolicy.AllowedPaths) > 0 {
			if _, hit := firstMatch(in.RolePolicy.AllowedPaths, path); !hit {
				res.Violations = append(res.Violations, Violation{Path: path, Reason: ReasonPolicyOutside})
				continue
			}
		}
	}

	res.Pass = len(res.Violations) == 0
	return res
}

// firstMatch returns the first pattern matching path. Malformed
// patterns never match; ValidatePatterns rejects them at load time.
func firstMatch(patterns []string, path string) (string, bool) {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if pat == path {
			return pat, true
		}
		ok, err := doublestar.Match(pat, path)
		if err != nil {
			continue
		}
		if ok {
			return pat, true
		}
	}
	return "", false
}

// ValidatePatterns reports malformed glob patterns so policy documents
// can be rejected at load time instead of silently under-matching.
func ValidatePatterns(patterns []string) error {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid pattern %q", pat)
		}
	}
	return nil
}

func normalize(paths []string) []string {
	unique := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(filepath.ToSlash(p))
		p = strings.TrimPrefix(p, "./")
		if p != "" {
			unique[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(unique))
	for p := range unique {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
