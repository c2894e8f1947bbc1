// Package pins computes the minimal task-scoped slice of the map: the
// set of paths a task is permitted to read and write, within hard
// budgets.
//
// Selection is deterministic: the same map snapshot, request, and
// budgets always produce the same PinsSpec.
package pins

import "fmt"

// Budgets are hard caps on the selected slice.
type Budgets struct {
	// MaxFiles caps allowed_paths length. Default: 8.
	MaxFiles int `json:"max_files"`

	// MaxLOC caps the summed context-window line count. Default: 800.
	MaxLOC int `json:"max_loc"`

	// MaxTokens caps the estimated token footprint of the selected
	// windows. Default: 12000.
	MaxTokens int `json:"max_pins_tokens"`
}

// Request describes the task needing a pin set.
type Request struct {
	// TaskID is the stable task identifier.
	TaskID string `json:"task_id"`

	// Goal is the free-text task goal.
	Goal string `json:"goal"`

	// Role is the acting role (informational; enforced by preflight).
	Role string `json:"role,omitempty"`

	// Signals are extra keywords that boost relevance.
	Signals []string `json:"signals,omitempty"`

	// StacktracePaths are repo-relative paths mentioned in a failing
	// test or stacktrace; they receive a fixed relevance boost.
	StacktracePaths []string `json:"stacktrace_paths,omitempty"`

	// ForbiddenPaths are paths the caller already knows must stay out
	// of scope. Any candidate matching these is excluded from
	// allowed_paths so the two lists never intersect.
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`

	// MapVersion pins the request to a specific snapshot hash. Empty
	// accepts the current snapshot.
	MapVersion string `json:"map_version,omitempty"`

	// WindowLines is the context window height per selected file.
	// Default: 120.
	WindowLines int `json:"window_lines,omitempty"`

	Budgets Budgets `json:"budgets"`
}

// Spec is the scope contract for one task.
type Spec struct {
	AllowedPaths   []string `json:"allowed_paths"`
	ForbiddenPaths []string `json:"forbidden_paths"`
	Budgets        Budgets  `json:"budgets"`
}

// Window is the selected line range within one allowed file.
type Window struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
}

// Detail records how the result was produced, for auditability.
type Detail struct {
	// Backend names the query path used ("memory" or "sqlite").
	Backend string `json:"backend"`

	// MapVersion is the snapshot hash the selection was computed
	// against; staleness is detected by hash comparison.
	MapVersion string `json:"map_version"`

	// Truncated is set when budget caps cut the selection.
	Truncated bool `json:"truncated"`

	// TruncatedBy names the budget that triggered truncation.
	TruncatedBy string `json:"truncated_by,omitempty"`

	// CandidateCount is the number of scored candidates before caps.
	CandidateCount int `json:"candidate_count"`
}

// Result is the full builder output.
type Result struct {
	OK      bool     `json:"ok"`
	TaskID  string   `json:"task_id"`
	Spec    Spec     `json:"pins"`
	Windows []Window `json:"windows"`
	Detail  Detail   `json:"detail"`
}

// BuildError is a structured builder failure.
type BuildError struct {
	// Code is a stable reason code (e.g., PINS_INSUFFICIENT).
	Code    string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reason codes for BuildError.
const (
	CodePinsInsufficient = "PINS_INSUFFICIENT"
	CodeMapStale         = "MAP_HASH_MISMATCH"
)
