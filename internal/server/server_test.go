package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork/taskmill/internal/config"
	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/metrics"
	"github.com/millwork/taskmill/internal/server/handlers"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/dispatch"
	"github.com/millwork/taskmill/pkg/factory"
	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/policy"
)

const testPolicyDoc = `
policies:
  - role: exec
    version: "test"
    forbidden_paths:
      - "secrets/**"
`

// newTestServer wires a full API over a small real repo tree.
func newTestServer(t *testing.T) (*Server, *handlers.API) {
	t.Helper()

	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "internal/dispatch"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(repo, "internal/dispatch/claim.go"),
		[]byte("package dispatch\n\nfunc Claim() {}\n"), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(repo, "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0644))

	cfg := &config.Config{
		RepoRoot: repo,
		Map: config.MapConfig{
			Roots:        []string{repo},
			MaxFiles:     1000,
			MaxFileBytes: 1 << 20,
		},
		Artifacts: config.ArtifactsConfig{Root: t.TempDir()},
	}

	api, err := handlers.New(cfg, nil)
	require.NoError(t, err)

	policies, err := policy.Parse([]byte(testPolicyDoc))
	require.NoError(t, err)

	api.Holder = mapindex.NewHolder()
	api.Pins = &pins.Builder{RepoRoot: repo}
	api.Policies = policies
	api.Artifacts = artifact.NewStore(cfg.Artifacts.Root)
	api.Registry = dispatch.NewRegistry(dispatch.Options{})
	api.Controller = factory.NewController(factory.DefaultPolicy(), nil, nil)
	api.Metrics = metrics.New()
	api.Version = "test"

	return New("127.0.0.1", 0, api, nil), api
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_NotFoundUsesErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/version", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeMethodNotAllowed, body.Error.Code)
}

func TestServer_HealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MapBuildAndQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/map/build", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var build handlers.MapBuildResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&build))
	assert.NotEmpty(t, build.VersionHash)
	assert.Equal(t, 2, build.FileCount)

	rec = doJSON(t, h, http.MethodGet, "/map/v1/query?q=claim&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var query handlers.MapQueryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&query))
	assert.Equal(t, "memory", query.Backend)
	require.NotEmpty(t, query.Matches)
	assert.Equal(t, "internal/dispatch/claim.go", query.Matches[0].Path)
}

func TestServer_MapQueryWithoutBuild(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/map/v1/query?q=claim", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PinsSchemaViolation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/pins/v1/build",
		map[string]any{"goal": "missing task id"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeSchemaViolation, body.Error.Code)
}

func TestServer_FullTaskLoop(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	// Build the map.
	rec := doJSON(t, h, http.MethodPost, "/map/build", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Build pins for the task.
	rec = doJSON(t, h, http.MethodPost, "/pins/v1/build", map[string]any{
		"task_id": "t-loop",
		"goal":    "fix claim in dispatch",
		"role":    "exec",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pinsResult pins.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pinsResult))
	require.True(t, pinsResult.OK)
	require.NotEmpty(t, pinsResult.Spec.AllowedPaths)

	// Preflight the declared files against the pins.
	rec = doJSON(t, h, http.MethodPost, "/preflight/v1/check", map[string]any{
		"task_id":        "t-loop",
		"role":           "exec",
		"declared_files": pinsResult.Spec.AllowedPaths,
		"pins":           pinsResult.Spec,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pf struct {
		Pass bool `json:"pass"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pf))
	require.True(t, pf.Pass)

	// Enqueue.
	rec = doJSON(t, h, http.MethodPost, "/tasks/v1/enqueue", map[string]any{
		"id":       "t-loop",
		"goal":     "fix claim in dispatch",
		"role":     "exec",
		"executor": "claude-cli",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var job dispatch.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))

	// Register and claim.
	rec = doJSON(t, h, http.MethodPost, "/executor/workers/register", map[string]any{
		"executors": []string{"claude-cli"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var worker dispatch.Worker
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&worker))

	claimPath := fmt.Sprintf("/executor/workers/%s/claim?executor=claude-cli&waitMs=0", worker.ID)
	rec = doJSON(t, h, http.MethodGet, claimPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var claimed dispatch.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&claimed))
	assert.Equal(t, job.ID, claimed.ID)

	// A second claim finds nothing.
	rec = doJSON(t, h, http.MethodGet, claimPath, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "worker already busy")

	// Complete with success.
	completePath := "/executor/jobs/" + claimed.ID + "/complete"
	rec = doJSON(t, h, http.MethodPost, completePath, map[string]any{
		"exit_code": 0,
		"stdout":    "done",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Duplicate completion is rejected.
	rec = doJSON(t, h, http.MethodPost, completePath, map[string]any{"exit_code": 0})
	require.Equal(t, http.StatusConflict, rec.Code)

	var dup apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dup))
	assert.Equal(t, apperrors.CodeDuplicateCompletion, dup.Error.Code)

	// Verdict is recorded; no required gates configured, so DONE.
	rec = doJSON(t, h, http.MethodGet, "/verdict?task_id=t-loop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var v struct {
		Outcome string `json:"verdict"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, "DONE", v.Outcome)
}

func TestServer_ScopeEscapingSubmitEscalates(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/map/build", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/pins/v1/build", map[string]any{
		"task_id": "t-escape",
		"goal":    "fix claim in dispatch",
		"role":    "exec",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pinsResult pins.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pinsResult))

	rec = doJSON(t, h, http.MethodPost, "/preflight/v1/check", map[string]any{
		"task_id":        "t-escape",
		"role":           "exec",
		"declared_files": pinsResult.Spec.AllowedPaths,
		"pins":           pinsResult.Spec,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/tasks/v1/enqueue", map[string]any{
		"id":       "t-escape",
		"goal":     "fix claim in dispatch",
		"role":     "exec",
		"executor": "claude-cli",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/executor/workers/register", map[string]any{
		"executors": []string{"claude-cli"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var worker dispatch.Worker
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&worker))

	claimPath := fmt.Sprintf("/executor/workers/%s/claim?executor=claude-cli&waitMs=0", worker.ID)
	rec = doJSON(t, h, http.MethodGet, claimPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var claimed dispatch.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&claimed))

	// Exit 0 but the patch touched a file outside the pins.
	rec = doJSON(t, h, http.MethodPost, "/executor/jobs/"+claimed.ID+"/complete", map[string]any{
		"status":        "DONE",
		"exit_code":     0,
		"changed_files": []string{"main.go"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/verdict?task_id=t-escape", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var v struct {
		Outcome string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, "ESCALATE", v.Outcome)
	assert.Equal(t, "patch_scope_violation", v.Reason)
}

func TestServer_EnqueueWithoutPreflightRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/tasks/v1/enqueue", map[string]any{
		"id":   "t-nopf",
		"goal": "sneaky task",
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeScopeConflict, body.Error.Code)
}

func TestServer_FactoryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/factory/policy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/factory/degradation", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state handlers.DegradationState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.Equal(t, "baseline", state.Mode)
}
