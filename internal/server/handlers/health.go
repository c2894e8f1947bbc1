package handlers

import (
	"net/http"
	"time"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
	Time    time.Time         `json:"time"`
}

// Health reports liveness plus subsystem checks: map snapshot
// presence and, when configured, store reachability.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if a.Holder != nil {
		if a.Holder.Current() != nil {
			checks["map"] = "healthy"
		} else {
			checks["map"] = "empty"
		}
	}
	if a.DB != nil {
		if err := a.DB.PingContext(r.Context()); err != nil {
			checks["store"] = "unhealthy"
		} else {
			checks["store"] = "healthy"
		}
	}

	status := "healthy"
	code := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, HealthResponse{
		Status:  status,
		Version: a.Version,
		Checks:  checks,
		Time:    time.Now().UTC(),
	})
}

// VersionInfo is the /version body.
type VersionInfo struct {
	Version string `json:"version"`
	Name    string `json:"name"`
}

// VersionHandler reports the build version.
func (a *API) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionInfo{Version: a.Version, Name: "taskmill"})
}
