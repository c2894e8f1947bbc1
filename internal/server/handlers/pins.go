package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/server/middleware"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/pins"
)

// PinsBuild computes the pin set for a task and persists it as the
// task's immutable pins artifact.
func (a *API) PinsBuild(w http.ResponseWriter, r *http.Request) {
	var req pins.Request
	if !a.decodeValidated(w, r, a.pinsValidator, &req) {
		return
	}

	snap, ok := a.Holder.Resolve(req.MapVersion)
	if !ok {
		middleware.WriteError(w, r, http.StatusConflict,
			apperrors.CodeMapHashMismatch, "requested map version cannot be resolved",
			map[string]any{"task_id": req.TaskID, "map_version": req.MapVersion})
		return
	}

	backend := "memory"
	if a.DB != nil {
		backend = "sqlite"
	}

	result, err := a.Pins.Build(snap, req, backend)
	if err != nil {
		var be *pins.BuildError
		if errors.As(err, &be) {
			status := http.StatusUnprocessableEntity
			if be.Code == pins.CodeMapStale {
				status = http.StatusConflict
			}
			middleware.WriteError(w, r, status, be.Code, be.Message,
				map[string]any{"task_id": req.TaskID})
			return
		}
		middleware.WriteError(w, r, http.StatusInternalServerError,
			apperrors.CodeInternal, err.Error(), nil)
		return
	}

	if err := a.Artifacts.WriteJSON(req.TaskID, artifact.NamePins, result); err != nil &&
		!errors.Is(err, artifact.ErrAlreadyWritten) {
		a.Logger.Warn("pins artifact write failed",
			zap.String("task_id", req.TaskID), zap.Error(err))
	}
	if log, err := a.Artifacts.EventLog(req.TaskID); err == nil {
		_ = log.Append(artifact.TypePins, req.TaskID, result.Detail)
	}

	writeJSON(w, http.StatusOK, result)
}
