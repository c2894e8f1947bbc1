package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/server/middleware"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/dispatch"
	"github.com/millwork/taskmill/pkg/preflight"
)

// TaskEnqueue admits a preflight-passed task into dispatch. A task
// without a passing preflight artifact is rejected; dispatch never
// sees unvalidated scope.
func (a *API) TaskEnqueue(w http.ResponseWriter, r *http.Request) {
	var task dispatch.Task
	if !a.decodeValidated(w, r, a.taskValidator, &task) {
		return
	}

	var pf preflight.Result
	if err := a.Artifacts.ReadJSON(task.ID, artifact.NamePreflight, &pf); err != nil {
		if errors.Is(err, artifact.ErrMissing) {
			middleware.WriteError(w, r, http.StatusPreconditionFailed,
				apperrors.CodeScopeConflict, "task has no preflight result",
				map[string]any{"task_id": task.ID})
			return
		}
		middleware.WriteError(w, r, http.StatusInternalServerError,
			apperrors.CodeInternal, err.Error(), nil)
		return
	}
	if !pf.Pass {
		middleware.WriteError(w, r, http.StatusPreconditionFailed,
			apperrors.CodeScopeConflict, "task failed preflight",
			map[string]any{"task_id": task.ID, "violations": pf.Violations})
		return
	}

	if a.Controller != nil && !a.Controller.AdmitTask(task.AdmissionView()) {
		middleware.WriteError(w, r, http.StatusServiceUnavailable,
			apperrors.CodeAdmissionBlocked, "task blocked by degradation mode",
			map[string]any{"task_id": task.ID, "task_class_id": task.TaskClassID})
		return
	}

	job, err := a.Registry.Enqueue(task)
	if err != nil {
		if errors.Is(err, dispatch.ErrTaskAlreadyActive) {
			middleware.WriteError(w, r, http.StatusConflict,
				apperrors.CodeClaimRace, err.Error(),
				map[string]any{"task_id": task.ID})
			return
		}
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, err.Error(), nil)
		return
	}

	if a.Metrics != nil {
		a.Metrics.QueueDepth.Set(float64(a.Registry.QueueDepth()))
	}
	if log, err := a.Artifacts.EventLog(task.ID); err == nil {
		_ = log.Append(artifact.TypeEnqueued, task.ID, map[string]string{
			"job_id": job.ID,
			"lane":   task.Lane,
		})
	}

	writeJSON(w, http.StatusOK, job)
}
