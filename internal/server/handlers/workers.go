package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/server/middleware"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/dispatch"
	"github.com/millwork/taskmill/pkg/verdict"
)

// WorkerRegister records a worker's capabilities and returns its id.
func (a *API) WorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string   `json:"id,omitempty"`
		Executors []string `json:"executors"`
		Models    []string `json:"models"`
	}
	if err := decodeLoose(r, &req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "failed to decode registration", nil)
		return
	}

	worker := a.Registry.RegisterWorker(req.ID, req.Executors, req.Models)
	writeJSON(w, http.StatusOK, worker)
}

// WorkerClaim long-polls for a matching queued job. 204 means the wait
// elapsed with nothing claimable.
func (a *API) WorkerClaim(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	executor := r.URL.Query().Get("executor")
	model := r.URL.Query().Get("model")
	waitMs, _ := strconv.ParseInt(r.URL.Query().Get("waitMs"), 10, 64)

	job, err := a.Registry.Claim(r.Context(), workerID, executor, model,
		time.Duration(waitMs)*time.Millisecond)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownWorker):
			middleware.WriteError(w, r, http.StatusNotFound,
				apperrors.CodeNotFound, err.Error(), nil)
		case errors.Is(err, dispatch.ErrWorkerBusy):
			middleware.WriteError(w, r, http.StatusConflict,
				apperrors.CodeClaimRace, err.Error(), nil)
		case errors.Is(err, dispatch.ErrAdmissionLimited):
			middleware.WriteError(w, r, http.StatusTooManyRequests,
				apperrors.CodeAdmissionBlocked, err.Error(), nil)
		case errors.Is(err, r.Context().Err()):
			// Client went away mid-poll; nothing to write.
		default:
			middleware.WriteError(w, r, http.StatusInternalServerError,
				apperrors.CodeInternal, err.Error(), nil)
		}
		if a.Metrics != nil {
			a.Metrics.ClaimsTotal.WithLabelValues("error").Inc()
		}
		return
	}
	if job == nil {
		if a.Metrics != nil {
			a.Metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if a.Metrics != nil {
		a.Metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		a.Metrics.QueueDepth.Set(float64(a.Registry.QueueDepth()))
	}
	if log, err := a.Artifacts.EventLog(job.TaskID); err == nil {
		_ = log.Append(artifact.TypeClaimed, job.TaskID, map[string]string{
			"job_id":    job.ID,
			"worker_id": workerID,
		})
	}
	writeJSON(w, http.StatusOK, job)
}

// WorkerHeartbeat refreshes liveness and the reported running job.
func (a *API) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req struct {
		RunningJobID string `json:"running_job_id"`
	}
	if err := decodeLoose(r, &req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "failed to decode heartbeat", nil)
		return
	}

	if err := a.Registry.Heartbeat(workerID, req.RunningJobID); err != nil {
		status := http.StatusNotFound
		middleware.WriteError(w, r, status, apperrors.CodeNotFound, err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// JobGet returns a job snapshot; workers poll it to detect
// cancellation.
func (a *API) JobGet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.Registry.Job(jobID)
	if err != nil {
		middleware.WriteError(w, r, http.StatusNotFound,
			apperrors.CodeNotFound, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// JobCancel cancels a job out-of-band.
func (a *API) JobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeLoose(r, &req)

	if err := a.Registry.Cancel(jobID, req.Reason); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownJob):
			middleware.WriteError(w, r, http.StatusNotFound,
				apperrors.CodeNotFound, err.Error(), nil)
		case errors.Is(err, dispatch.ErrDuplicateCompletion):
			middleware.WriteError(w, r, http.StatusConflict,
				apperrors.CodeDuplicateCompletion, err.Error(), nil)
		default:
			middleware.WriteError(w, r, http.StatusInternalServerError,
				apperrors.CodeInternal, err.Error(), nil)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

// JobComplete ingests the worker's terminal record, persists the
// submit artifact, and computes the verdict.
func (a *API) JobComplete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req struct {
		Status       string            `json:"status,omitempty"`
		ExitCode     int               `json:"exit_code"`
		Stdout       string            `json:"stdout"`
		Stderr       string            `json:"stderr"`
		Reason       string            `json:"reason,omitempty"`
		ChangedFiles []string          `json:"changed_files,omitempty"`
		NewFiles     []string          `json:"new_files,omitempty"`
		TestsPassed  *bool             `json:"tests_passed,omitempty"`
		Artifacts    []string          `json:"artifacts,omitempty"`
		BundleHashes map[string]string `json:"bundle_hashes,omitempty"`
	}
	if !a.decodeValidated(w, r, a.submitValidator, &req) {
		return
	}

	job, err := a.Registry.Complete(jobID, req.ExitCode, req.Stdout, req.Stderr, req.Reason, req.BundleHashes)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownJob):
			middleware.WriteError(w, r, http.StatusNotFound,
				apperrors.CodeNotFound, err.Error(), nil)
		case errors.Is(err, dispatch.ErrDuplicateCompletion):
			middleware.WriteError(w, r, http.StatusConflict,
				apperrors.CodeDuplicateCompletion, err.Error(),
				map[string]any{"job_id": jobID})
		default:
			middleware.WriteError(w, r, http.StatusInternalServerError,
				apperrors.CodeInternal, err.Error(), nil)
		}
		return
	}

	if a.Metrics != nil {
		a.Metrics.CompletionsTotal.WithLabelValues(string(job.State)).Inc()
	}

	submit := submitFromJob(job)
	if req.Status != "" {
		submit.Status = req.Status
	}
	submit.ChangedFiles = req.ChangedFiles
	submit.NewFiles = req.NewFiles
	submit.TestsPassed = req.TestsPassed
	submit.Artifacts = req.Artifacts

	v := a.judgeCompletion(job, submit)

	writeJSON(w, http.StatusOK, map[string]any{
		"job":     job,
		"verdict": v,
	})
}

// judgeCompletion persists the submit artifact, runs the verdict
// engine against the gate artifacts, and records the verdict.
func (a *API) judgeCompletion(job *dispatch.Job, submit verdict.Submit) any {
	taskID := job.TaskID

	if err := a.Artifacts.WriteJSON(taskID, artifact.NameSubmit, submit); err != nil &&
		!errors.Is(err, artifact.ErrAlreadyWritten) {
		a.Logger.Warn("submit artifact write failed",
			zap.String("task_id", taskID), zap.Error(err))
	}

	gates, err := a.Artifacts.VerifyGates(taskID, a.Cfg.Artifacts.Strict)
	if err != nil {
		a.Logger.Error("gate verification failed",
			zap.String("task_id", taskID), zap.Error(err))
		return map[string]string{"error": err.Error()}
	}

	jobReason := job.Reason
	if escaped := a.scopeEscapes(taskID, submit); len(escaped) > 0 {
		jobReason = verdict.ReasonScopeViolation
		a.Logger.Warn("submit touched files outside pins",
			zap.String("task_id", taskID),
			zap.Strings("files", escaped))
	}

	verdictOut := decideVerdict(taskID, string(job.State), jobReason, submit, gates)

	if err := a.Artifacts.WriteJSON(taskID, artifact.NameVerdict, verdictOut); err != nil &&
		!errors.Is(err, artifact.ErrAlreadyWritten) {
		a.Logger.Warn("verdict artifact write failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if log, err := a.Artifacts.EventLog(taskID); err == nil {
		_ = log.Append(artifact.TypeSubmit, taskID, submit)
		_ = log.Append(artifact.TypeVerdict, taskID, verdictOut)
	}
	if a.Metrics != nil {
		a.Metrics.VerdictsTotal.WithLabelValues(string(verdictOut.Outcome)).Inc()
	}

	if a.Mirror != nil {
		go func() {
			ctx, cancel := contextWithTimeout(30 * time.Second)
			defer cancel()
			_ = a.Mirror.UploadTask(ctx, a.Artifacts, taskID)
		}()
	}

	a.Logger.Info("verdict recorded",
		zap.String("task_id", taskID),
		zap.String("verdict", string(verdictOut.Outcome)),
		zap.String("reason", verdictOut.Reason))
	return verdictOut
}
