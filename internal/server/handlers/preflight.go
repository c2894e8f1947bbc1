package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/server/middleware"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/preflight"
	"github.com/millwork/taskmill/pkg/policy"
)

// PreflightRequest is the check body: the declared task plus its pins.
// The role policy is resolved server-side from the role name.
type PreflightRequest struct {
	TaskID        string    `json:"task_id"`
	Role          string    `json:"role"`
	DeclaredFiles []string  `json:"declared_files"`
	Pins          pins.Spec `json:"pins"`
	PinsVersion   string    `json:"pins_version,omitempty"`
}

// PreflightCheck runs the fail-closed scope gate and persists the
// result as the task's immutable preflight artifact.
func (a *API) PreflightCheck(w http.ResponseWriter, r *http.Request) {
	var req PreflightRequest
	if err := decodeLoose(r, &req); err != nil || req.TaskID == "" {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "task_id is required", nil)
		return
	}

	// Missing role policy is a fail-closed violation, not an HTTP
	// error; the gate still produces a deterministic result.
	rolePolicy, err := a.Policies.ForRole(req.Role)
	if err != nil && !errors.Is(err, policy.ErrRoleNotFound) {
		middleware.WriteError(w, r, http.StatusInternalServerError,
			apperrors.CodeInternal, err.Error(), nil)
		return
	}

	res := preflight.Run(preflight.Input{
		TaskID:        req.TaskID,
		DeclaredFiles: req.DeclaredFiles,
		Pins:          req.Pins,
		RolePolicy:    rolePolicy,
		PinsVersion:   req.PinsVersion,
		Snapshot:      a.Holder.Current(),
	})

	if a.Metrics != nil {
		result := "pass"
		if !res.Pass {
			result = "fail"
		}
		a.Metrics.PreflightTotal.WithLabelValues(result).Inc()
	}

	if err := a.Artifacts.WriteJSON(req.TaskID, artifact.NamePreflight, res); err != nil {
		if errors.Is(err, artifact.ErrAlreadyWritten) {
			middleware.WriteError(w, r, http.StatusConflict,
				apperrors.CodeScopeConflict, "preflight result already recorded for task",
				map[string]any{"task_id": req.TaskID})
			return
		}
		a.Logger.Warn("preflight artifact write failed",
			zap.String("task_id", req.TaskID), zap.Error(err))
	}
	if log, err := a.Artifacts.EventLog(req.TaskID); err == nil {
		_ = log.Append(artifact.TypePreflight, req.TaskID, res)
	}

	writeJSON(w, http.StatusOK, res)
}
