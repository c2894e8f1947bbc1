// Package verdict classifies a task attempt into DONE, RETRY, or
// ESCALATE from structured signals only.
package verdict

import "strings"

// Outcome is the terminal classification for one task attempt.
type Outcome string

const (
	OutcomeDone     Outcome = "DONE"
	OutcomeRetry    Outcome = "RETRY"
	OutcomeEscalate Outcome = "ESCALATE"
)

// Submit statuses a worker may declare.
const (
	SubmitDone      = "DONE"
	SubmitNeedInput = "NEED_INPUT"
	SubmitFailed    = "FAILED"
)

// Job statuses as seen by the engine.
const (
	JobDone     = "done"
	JobFailed   = "failed"
	JobCanceled = "canceled"
)

// Submit is the worker's structured completion.
type Submit struct {
	Status       string   `json:"status"`
	ExitCode     int      `json:"exit_code"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	NewFiles     []string `json:"new_files,omitempty"`
	TestsPassed  *bool    `json:"tests_passed,omitempty"`
	Artifacts    []string `json:"artifacts,omitempty"`
}

// Job is the transport-level view of the dispatch attempt.
type Job struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Gate is a required check (CI, policy) that may or may not have run.
type Gate struct {
	Required bool `json:"required"`
	Ran      bool `json:"ran"`
	OK       bool `json:"ok"`
}

// Hygiene is the workspace-cleanliness check.
type Hygiene struct {
	Ran bool `json:"ran"`
	OK  bool `json:"ok"`
}

// Input bundles every signal the engine consults.
type Input struct {
	Submit     Submit  `json:"submit"`
	Job        Job     `json:"job"`
	CiGate     Gate    `json:"ci_gate"`
	PolicyGate Gate    `json:"policy_gate"`
	Hygiene    Hygiene `json:"hygiene"`
}

// Verdict is the engine's decision plus the evidence trail.
type Verdict struct {
	TaskID   string   `json:"task_id,omitempty"`
	Outcome  Outcome  `json:"verdict"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence,omitempty"`
}

// Decide applies the classification rules in order; the first matching
// rule wins. Transport failures and human-input requests outrank scope
// violations, which outrank gate failures, which outrank success.
func Decide(in Input) Verdict {
	// Rule 1: transport failure or explicit request for human input.
	// Retrying blindly cannot fix either.
	if in.Job.Status != JobDone || in.Submit.Status == SubmitNeedInput {
		reason := ReasonTransportFailure
		if in.Submit.Status == SubmitNeedInput {
			reason = ReasonNeedInput
		}
		evidence := []string{"job.status=" + in.Job.Status, "submit.status=" + in.Submit.Status}
		if in.Job.Reason != "" {
			evidence = append(evidence, "job.reason="+in.Job.Reason)
		}
		return Verdict{
			Outcome:  OutcomeEscalate,
			Reason:   reason,
			Evidence: evidence,
		}
	}

	// Rule 2: scope or policy violations need re-planning, not a retry.
	if isScopeViolation(in.Job.Reason) {
		return Verdict{
			Outcome:  OutcomeEscalate,
			Reason:   ReasonScopeViolation,
			Evidence: []string{"job.reason=" + in.Job.Reason},
		}
	}

	// Rule 3: a required gate that ran and failed is a fixable failure.
	if in.CiGate.Required && in.CiGate.Ran && !in.CiGate.OK {
		return Verdict{
			Outcome:  OutcomeRetry,
			Reason:   ReasonCIFailed,
			Evidence: []string{"ci_gate.ok=false"},
		}
	}
	if in.PolicyGate.Required && in.PolicyGate.Ran && !in.PolicyGate.OK {
		return Verdict{
			Outcome:  OutcomeRetry,
			Reason:   ReasonPolicyGateFailed,
			Evidence: []string{"policy_gate.ok=false"},
		}
	}

	// Rule 4: full success.
	if in.Submit.Status == SubmitDone &&
		in.Submit.ExitCode == 0 &&
		gateSatisfied(in.CiGate) &&
		gateSatisfied(in.PolicyGate) &&
		hygieneSatisfied(in.Hygiene) {
		return Verdict{Outcome: OutcomeDone, Reason: ReasonAllChecksPassed}
	}

	// Rule 5: anything unmatched retries, never a silent DONE.
	return Verdict{
		Outcome: OutcomeRetry,
		Reason:  ReasonUnclassifiedResult,
		Evidence: []string{
			"submit.status=" + in.Submit.Status,
			"job.status=" + in.Job.Status,
		},
	}
}

// isScopeViolation matches reason codes that indicate the attempt
// touched files outside its pins or role policy.
func isScopeViolation(reason string) bool {
	switch strings.TrimSpace(reason) {
	case ReasonScopeViolation, ReasonPolicyViolation:
		return true
	}
	return false
}

// gateSatisfied holds for a gate that is not required, or that ran and
// passed. A required gate that never ran does not satisfy rule 4.
func gateSatisfied(g Gate) bool {
	if !g.Required {
		return true
	}
	return g.Ran && g.OK
}

// hygieneSatisfied holds when the check did not run (nothing to judge)
// or ran clean.
func hygieneSatisfied(h Hygiene) bool {
	return !h.Ran || h.OK
}
