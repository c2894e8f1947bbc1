// Package handlers implements the HTTP surface of the scheduler:
// map build/query, pins, preflight, the worker protocol, verdicts,
// and factory state.
package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/schema"
	"go.uber.org/zap"

	schemasassets "github.com/millwork/taskmill/internal/assets/schemas"
	"github.com/millwork/taskmill/internal/config"
	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/metrics"
	"github.com/millwork/taskmill/internal/server/middleware"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/dispatch"
	"github.com/millwork/taskmill/pkg/factory"
	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/policy"
)

// maxBodyBytes bounds request body reads.
const maxBodyBytes = 4 << 20

// API carries every dependency the handlers need. One instance is
// shared by all routes; all fields are safe for concurrent use.
type API struct {
	Cfg        *config.Config
	Logger     *zap.Logger
	Holder     *mapindex.Holder
	DB         *sql.DB
	Pins       *pins.Builder
	Policies   *policy.Set
	Artifacts  *artifact.Store
	Registry   *dispatch.Registry
	Controller *factory.Controller
	Metrics    *metrics.Metrics
	Mirror     *artifact.Mirror
	Version    string

	pinsValidator   *schema.Validator
	submitValidator *schema.Validator
	taskValidator   *schema.Validator
}

// New builds the API and compiles the embedded request schemas.
func New(cfg *config.Config, logger *zap.Logger) (*API, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pinsV, err := schema.NewValidator(schemasassets.PinsRequestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile pins request schema: %w", err)
	}
	submitV, err := schema.NewValidator(schemasassets.SubmitSchema)
	if err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}
	taskV, err := schema.NewValidator(schemasassets.TaskSchema)
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}

	return &API{
		Cfg:             cfg,
		Logger:          logger,
		pinsValidator:   pinsV,
		submitValidator: submitV,
		taskValidator:   taskV,
	}, nil
}

// decodeValidated reads the body, validates it against the schema, and
// unmarshals into v. Schema failures are reported with JSON pointers.
func (a *API) decodeValidated(w http.ResponseWriter, r *http.Request, validator *schema.Validator, v any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "failed to read request body", nil)
		return false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "request body is required", nil)
		return false
	}

	diags, err := validator.ValidateJSON(data)
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "request body is not valid JSON", nil)
		return false
	}
	var violations []map[string]any
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			violations = append(violations, map[string]any{
				"pointer": d.Pointer,
				"message": d.Message,
			})
		}
	}
	if len(violations) > 0 {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "request body failed schema validation",
			map[string]any{"violations": violations})
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "failed to decode request body", nil)
		return false
	}
	return true
}

// decodeLoose unmarshals an optional JSON body; an empty body is fine.
func decodeLoose(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes a 2xx JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
