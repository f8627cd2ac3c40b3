package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/db"
)

// RunStore looks up logged runs. *db.Client satisfies it.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*db.RunRecord, error)
}

// RunsHandler serves GET /runs/{id} from the run log.
type RunsHandler struct {
	store  RunStore
	logger *zap.Logger
}

func NewRunsHandler(store RunStore, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{store: store, logger: logger}
}

func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /runs/{id}", wrap(http.HandlerFunc(h.handleGetRun)))
}

type runView struct {
	RunID      string    `json:"run_id"`
	Prompt     string    `json:"prompt"`
	Requested  int       `json:"requested"`
	Viable     int       `json:"viable"`
	Mode       string    `json:"mode,omitempty"`
	Groups     int       `json:"groups"`
	Final      string    `json:"final,omitempty"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func viewOf(rec *db.RunRecord) runView {
	return runView{
		RunID:      rec.RunID,
		Prompt:     rec.Prompt,
		Requested:  rec.Requested,
		Viable:     rec.Viable,
		Mode:       rec.Mode.String,
		Groups:     rec.Groups,
		Final:      rec.FinalText.String,
		Status:     rec.Status,
		ErrorKind:  rec.ErrorKind.String,
		DurationMs: rec.DurationMs,
		CreatedAt:  rec.CreatedAt,
	}
}

func (h *RunsHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := uuid.Parse(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "run id must be a UUID")
		return
	}

	rec, err := h.store.GetRun(r.Context(), runID)
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	case err != nil:
		h.logger.Warn("Run lookup failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "run_log_unavailable", sanitizeErr(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}
