package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/server/middleware"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/dispatch"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/verdict"
)

// submitFromJob derives the structured Submit from the job's terminal
// record. Exit code zero declares DONE; a kill reason in the stderr
// suffix stays visible to the verdict evidence through the job reason.
func submitFromJob(job *dispatch.Job) verdict.Submit {
	status := verdict.SubmitFailed
	exitCode := -1
	if job.Completion != nil {
		exitCode = job.Completion.ExitCode
	}
	if exitCode == 0 {
		status = verdict.SubmitDone
	}
	return verdict.Submit{Status: status, ExitCode: exitCode}
}

// decideVerdict runs the engine with the job's transport view. The
// reason is passed separately so completion ingest can substitute a
// scope-violation reason detected against the pins artifact.
func decideVerdict(taskID, jobStatus, jobReason string, submit verdict.Submit, gates artifact.GateResults) verdict.Verdict {
	out := verdict.Decide(verdict.Input{
		Submit:     submit,
		Job:        verdict.Job{Status: jobStatus, Reason: jobReason},
		CiGate:     gates.CI,
		PolicyGate: gates.Policy,
		Hygiene:    gates.Hygiene,
	})
	out.TaskID = taskID
	return out
}

// scopeEscapes returns the submitted changed/new files that fall
// outside the task's pins. No pins artifact means nothing to check.
func (a *API) scopeEscapes(taskID string, submit verdict.Submit) []string {
	var result pins.Result
	if err := a.Artifacts.ReadJSON(taskID, artifact.NamePins, &result); err != nil {
		return nil
	}
	spec := result.Spec

	var escaped []string
	for _, f := range submit.ChangedFiles {
		if !withinPins(spec, f) {
			escaped = append(escaped, f)
		}
	}
	for _, f := range submit.NewFiles {
		if !withinPins(spec, f) {
			escaped = append(escaped, f)
		}
	}
	return escaped
}

func withinPins(spec pins.Spec, path string) bool {
	if matchesAny(spec.ForbiddenPaths, path) {
		return false
	}
	return matchesAny(spec.AllowedPaths, path)
}

func matchesAny(patterns []string, path string) bool {
	for _, pat := range patterns {
		if pat == path {
			return true
		}
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return true
		}
	}
	return false
}

// VerdictGet looks up a persisted verdict by task id.
func (a *API) VerdictGet(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "query parameter task_id is required", nil)
		return
	}

	var v verdict.Verdict
	if err := a.Artifacts.ReadJSON(taskID, artifact.NameVerdict, &v); err != nil {
		if errors.Is(err, artifact.ErrMissing) {
			middleware.WriteError(w, r, http.StatusNotFound,
				apperrors.CodeMissingArtifact, "no verdict recorded for task",
				map[string]any{"task_id": taskID})
			return
		}
		middleware.WriteError(w, r, http.StatusInternalServerError,
			apperrors.CodeInternal, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
