package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/llm"
	"github.com/Kocoro-lab/promode/internal/metrics"
	"github.com/Kocoro-lab/promode/internal/promode"
	"github.com/Kocoro-lab/promode/internal/util"
)

const (
	maxRequestBytes = 1 << 20
	runIDHeader     = "X-Run-ID"
)

// RunRecorder persists the outcome of a run. Implementations must not fail
// the request; errors are theirs to log.
type RunRecorder interface {
	RecordRun(ctx context.Context, runID, prompt string, requested int, res *promode.Result, runErr error)
}

// engine is the per-snapshot state a request runs against.
type engine struct {
	orch           *promode.Orchestrator
	buildErr       error
	schema         *jsonschema.Schema
	maxGenerations int
}

// ProModeHandler serves POST /pro-mode.
type ProModeHandler struct {
	current  atomic.Pointer[engine]
	sink     promode.EventSink
	recorder RunRecorder
	logger   *zap.Logger
}

// NewProModeHandler creates the handler. Configure must be called before
// it serves traffic. sink and recorder may be nil.
func NewProModeHandler(sink promode.EventSink, recorder RunRecorder, logger *zap.Logger) *ProModeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProModeHandler{sink: sink, recorder: recorder, logger: logger}
}

// Configure builds a new engine snapshot from backend and cfg and swaps it
// in. Requests already running keep the previous snapshot. backend may be
// nil, in which case every request fails with backendErr (or
// ErrConfigurationMissing) after validation.
func (h *ProModeHandler) Configure(backend promode.Backend, backendErr error, cfg promode.Config) error {
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = promode.DefaultMaxGenerations
	}
	schema, err := compileRequestSchema(cfg.MaxGenerations)
	if err != nil {
		return err
	}
	eng := &engine{schema: schema, maxGenerations: cfg.MaxGenerations}

	if backend == nil {
		eng.buildErr = backendErr
		if eng.buildErr == nil {
			eng.buildErr = promode.ErrConfigurationMissing
		}
	} else {
		opts := []promode.Option{}
		if h.sink != nil {
			opts = append(opts, promode.WithEventSink(h.sink))
		}
		orch, err := promode.New(backend, cfg, h.logger, opts...)
		if err != nil {
			eng.buildErr = err
		} else {
			eng.orch = orch
		}
	}
	h.current.Store(eng)
	return nil
}

// RegisterRoutes registers the pro-mode endpoint on mux.
func (h *ProModeHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	var handler http.Handler = http.HandlerFunc(h.handleProMode)
	if wrap != nil {
		handler = wrap(handler)
	}
	mux.Handle("/pro-mode", handler)
}

type proModeResponse struct {
	Final      string   `json:"final"`
	Candidates []string `json:"candidates"`
}

func (h *ProModeHandler) handleProMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	eng := h.current.Load()
	if eng == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "service is starting")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}

	req, err := decodeRequest(eng.schema, body)
	if err != nil {
		var verr *jsonschema.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusUnprocessableEntity, "validation_error", validationDetail(verr))
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}
	gen := promode.GenerationRequest{Prompt: req.Prompt, Count: req.NumGens}
	if err := gen.Validate(eng.maxGenerations); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	metrics.RequestedGenerations.Observe(float64(gen.Count))

	runID := r.Header.Get(runIDHeader)
	if _, err := uuid.Parse(runID); err != nil {
		runID = uuid.New().String()
	}
	w.Header().Set(runIDHeader, runID)
	ctx := promode.ContextWithRunID(r.Context(), runID)

	if eng.orch == nil {
		h.fail(w, eng.buildErr)
		h.record(ctx, runID, gen, nil, eng.buildErr)
		return
	}

	res, err := eng.orch.Run(ctx, gen.Prompt, gen.Count)
	h.record(ctx, runID, gen, res, err)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, proModeResponse{Final: res.Final, Candidates: res.Candidates})
}

func (h *ProModeHandler) record(ctx context.Context, runID string, gen promode.GenerationRequest, res *promode.Result, err error) {
	if h.recorder == nil {
		return
	}
	// The run log write must not be cut short by a disconnected client.
	h.recorder.RecordRun(context.WithoutCancel(ctx), runID, gen.Prompt, gen.Count, res, err)
}

// fail maps an engine error to the caller-facing status and body.
func (h *ProModeHandler) fail(w http.ResponseWriter, err error) {
	status, detail := statusFor(err)
	kind := promode.KindOf(err)
	if status >= 500 {
		h.logger.Warn("Pro-mode request failed",
			zap.String("kind", string(kind)),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, string(kind), detail)
}

func statusFor(err error) (int, string) {
	switch promode.KindOf(err) {
	case promode.KindConfigurationMissing:
		return http.StatusInternalServerError, llm.ErrMissingAPIKey.Error()
	case promode.KindNoViableCandidates:
		return http.StatusServiceUnavailable, "All candidate generations failed."
	default:
		return http.StatusBadGateway, fmt.Sprintf("Upstream error: %s", sanitizeErr(err.Error()))
	}
}

func validationDetail(verr *jsonschema.ValidationError) string {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := leaf.InstanceLocation
	if field == "" {
		field = "/"
	}
	return fmt.Sprintf("%s: %s", field, leaf.Message)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorBody{Error: kind, Detail: detail})
}

// sanitizeErr trims error messages for client output (UTF-8 safe).
func sanitizeErr(s string) string {
	return util.TruncateString(s, 300, false)
}
