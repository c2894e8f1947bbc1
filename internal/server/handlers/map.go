package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/server/middleware"
	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/mapstore"
)

// MapBuildResponse summarizes a completed build.
type MapBuildResponse struct {
	VersionHash string    `json:"version_hash"`
	FileCount   int       `json:"file_count"`
	BuiltAt     time.Time `json:"built_at"`
	Incremental bool      `json:"incremental"`
	Mirrored    bool      `json:"mirrored"`
}

// MapBuild rebuilds the index and swaps the current snapshot. The
// request may carry {"incremental": true} to reuse unchanged entries.
func (a *API) MapBuild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Incremental bool `json:"incremental"`
	}
	// Body is optional; a full build is the default.
	_ = decodeLoose(r, &body)

	params := mapindex.BuildParams{
		Roots:        a.Cfg.Map.Roots,
		Excludes:     a.Cfg.Map.Excludes,
		MaxFiles:     a.Cfg.Map.MaxFiles,
		MaxFileBytes: a.Cfg.Map.MaxFileBytes,
		Incremental:  body.Incremental,
	}
	if body.Incremental {
		params.Previous = a.Holder.Current()
	}

	start := time.Now()
	snap, err := mapindex.Build(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		code := apperrors.CodeInternal
		if errors.Is(err, mapindex.ErrTooManyFiles) || errors.Is(err, mapindex.ErrInvalidExclude) {
			status = http.StatusBadRequest
			code = apperrors.CodeSchemaViolation
		}
		middleware.WriteError(w, r, status, code, err.Error(), nil)
		return
	}
	a.Holder.Swap(snap)

	if a.Metrics != nil {
		a.Metrics.MapBuildSeconds.Observe(time.Since(start).Seconds())
		a.Metrics.MapFileCount.Set(float64(snap.Version.FileCount))
	}

	mirrored := false
	if a.DB != nil {
		if err := mapstore.MirrorSnapshot(r.Context(), a.DB, snap); err != nil {
			a.Logger.Warn("map mirror failed",
				zap.String("version", snap.Version.Hash),
				zap.Error(err))
		} else {
			mirrored = true
		}
	}

	a.Logger.Info("map built",
		zap.String("version", snap.Version.Hash),
		zap.Int("files", snap.Version.FileCount),
		zap.Bool("incremental", body.Incremental),
		zap.Duration("took", time.Since(start)))

	writeJSON(w, http.StatusOK, MapBuildResponse{
		VersionHash: snap.Version.Hash,
		FileCount:   snap.Version.FileCount,
		BuiltAt:     snap.Version.BuiltAt,
		Incremental: body.Incremental,
		Mirrored:    mirrored,
	})
}

// MapQueryResponse is the ranked result set.
type MapQueryResponse struct {
	VersionHash string           `json:"version_hash"`
	Backend     string           `json:"backend"`
	Matches     []mapindex.Match `json:"matches"`
}

// MapQuery answers keyword queries. The sqlite mirror is used when
// present; strict store mode refuses to fall back.
func (a *API) MapQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		middleware.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeSchemaViolation, "query parameter q is required", nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	snap := a.Holder.Current()
	if snap == nil {
		middleware.WriteError(w, r, http.StatusNotFound,
			apperrors.CodeNotFound, "no map snapshot has been built", nil)
		return
	}

	if a.DB == nil && a.Cfg.Store.Strict {
		middleware.WriteError(w, r, http.StatusServiceUnavailable,
			apperrors.CodeInternal, "map store is absent and store.strict is set", nil)
		return
	}

	backend := "memory"
	var matches []mapindex.Match
	if a.DB != nil {
		found, err := mapstore.QueryEntries(r.Context(), a.DB, snap.Version.Hash, q, limit)
		if err != nil {
			middleware.WriteError(w, r, http.StatusInternalServerError,
				apperrors.CodeInternal, err.Error(), nil)
			return
		}
		backend = "sqlite"
		matches = found
	} else {
		matches = mapindex.Query(snap, q, limit)
	}

	writeJSON(w, http.StatusOK, MapQueryResponse{
		VersionHash: snap.Version.Hash,
		Backend:     backend,
		Matches:     matches,
	})
}
