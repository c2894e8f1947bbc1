package artifact

import (
	"errors"
	"fmt"

	"github.com/millwork/taskmill/pkg/verdict"
)

// Gate artifact names. External gate tooling writes these; the core
// only reads them.
const (
	NameCIGate      = "gates/ci.json"
	NamePolicyGate  = "gates/policy.json"
	NameHygieneGate = "gates/hygiene.json"
)

// CodeMissingArtifact is the reason code for strict verification
// failures.
const CodeMissingArtifact = "MISSING_ARTIFACT"

// VerifyError reports a strict verification failure.
type VerifyError struct {
	TaskID string
	Name   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s for task %s", CodeMissingArtifact, e.Name, e.TaskID)
}

// GateResults bundles the gate artifacts feeding the verdict engine.
type GateResults struct {
	CI      verdict.Gate    `json:"ci"`
	Policy  verdict.Gate    `json:"policy"`
	Hygiene verdict.Hygiene `json:"hygiene"`
}

// VerifyGates loads the gate artifacts for a task.
//
// Strict mode fails on any missing gate artifact. Non-strict mode
// backfills a deterministic empty record (ran:false) so the verdict
// engine still has structured input; rule 4 then cannot fire for a
// required gate that never ran.
func (s *Store) VerifyGates(taskID string, strict bool) (GateResults, error) {
	var out GateResults

	if err := s.readGate(taskID, NameCIGate, &out.CI, strict); err != nil {
		return out, err
	}
	if err := s.readGate(taskID, NamePolicyGate, &out.Policy, strict); err != nil {
		return out, err
	}

	var hygiene verdict.Hygiene
	err := s.ReadJSON(taskID, NameHygieneGate, &hygiene)
	switch {
	case err == nil:
		out.Hygiene = hygiene
	case errors.Is(err, ErrMissing):
		if strict {
			return out, &VerifyError{TaskID: taskID, Name: NameHygieneGate}
		}
		out.Hygiene = verdict.Hygiene{Ran: false}
	default:
		return out, err
	}
	return out, nil
}

func (s *Store) readGate(taskID, name string, gate *verdict.Gate, strict bool) error {
	err := s.ReadJSON(taskID, name, gate)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMissing):
		if strict {
			return &VerifyError{TaskID: taskID, Name: name}
		}
		*gate = verdict.Gate{Ran: false}
		return nil
	default:
		return err
	}
}

// VerifyCore checks that the artifacts the verdict depends on exist.
// Strict mode errors on the first missing one.
func (s *Store) VerifyCore(taskID string, strict bool) error {
	for _, name := range []string{NamePreflight, NamePins, NameSubmit} {
		if s.Exists(taskID, name) {
			continue
		}
		if strict {
			return &VerifyError{TaskID: taskID, Name: name}
		}
	}
	return nil
}
