package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/executor"
	"github.com/itstheanurag/verdict/internal/languages"
	"github.com/itstheanurag/verdict/internal/queue"
	"github.com/rs/zerolog"
)

// StatsSource reports aggregate pass rates. It is optional.
type StatsSource interface {
	PassRate(ctx context.Context, language string) (passed, total int, err error)
}

type Handler struct {
	queueManager *queue.Manager
	registry     *languages.Registry
	limits       config.LimitsConfig
	maxBodyBytes int64
	stats        StatsSource
	logger       *zerolog.Logger
}

func NewHandler(manager *queue.Manager, registry *languages.Registry, conf *config.Config, stats StatsSource, logger *zerolog.Logger) *Handler {
	return &Handler{
		queueManager: manager,
		registry:     registry,
		limits:       conf.Limits,
		maxBodyBytes: conf.Server.MaxBodyBytes,
		stats:        stats,
		logger:       logger,
	}
}

// StatusResponse is the polled and streamed view of an execution.
type StatusResponse struct {
	ID     string              `json:"id"`
	State  execution.State     `json:"state"`
	Class  string              `json:"class,omitempty"`
	Result *execution.Response `json:"result,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusOf(h *queue.Handle) StatusResponse {
	state, res, _ := h.Snapshot()
	return status(h.ID(), state, res)
}

func status(id string, state execution.State, res *executor.Result) StatusResponse {
	s := StatusResponse{ID: id, State: state}
	if res != nil {
		s.Result = res.Response
		s.Class = string(res.Class)
	}
	return s
}

// Execute runs a request and answers with its result once finished.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	job, err := h.queueManager.Submit(r.Context(), req)
	if err != nil {
		h.rejectSubmit(w, req, err)
		return
	}

	res, err := job.Wait(r.Context())
	if err != nil {
		// The caller went away; nobody is left to read the result.
		job.Cancel()
		h.logger.Debug().Str("job_id", job.ID()).Msg("client disconnected before result")
		return
	}

	code := http.StatusOK
	if res.Class == execution.ClassInternal {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res.Response)
}

// Submit enqueues a request and returns its id right away.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	job, err := h.queueManager.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.rejectSubmit(w, req, err)
		return
	}
	w.Header().Set("Location", "/v1/executions/"+job.ID())
	writeJSON(w, http.StatusAccepted, statusOf(job))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusOf(job))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusAccepted, statusOf(job))
}

func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"languages": h.registry.List()})
}

// LanguageStats reports how many recorded executions passed every test.
func (h *Handler) LanguageStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.registry.Get(execution.LanguageID(id)); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown language"})
		return
	}
	passed, total, err := h.stats.PassRate(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("language", id).Msg("failed to load pass rate")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"language": id, "passed": passed, "total": total})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": h.queueManager.Len()})
}

// decode reads and validates the request body. On failure it has already
// answered with a well-formed, all-failed response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (execution.ExecutionRequest, bool) {
	var req execution.ExecutionRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		msg := "invalid request body"
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
		}
		writeJSON(w, http.StatusBadRequest, execution.Failed(req.TestCases, execution.ClassInvalidRequest, msg))
		return req, false
	}

	if err := req.Validate(h.limits.MaxCodeBytes, h.limits.MaxTests); err != nil {
		writeJSON(w, http.StatusBadRequest, execution.Failed(req.TestCases, execution.ClassInvalidRequest, err.Error()))
		return req, false
	}
	if _, err := h.registry.Get(req.Language); err != nil {
		msg := "unsupported language " + string(req.Language)
		writeJSON(w, http.StatusBadRequest, execution.Failed(req.TestCases, execution.ClassInvalidRequest, msg))
		return req, false
	}
	return req, true
}

func (h *Handler) rejectSubmit(w http.ResponseWriter, req execution.ExecutionRequest, err error) {
	class := execution.ClassOf(err)
	code := http.StatusInternalServerError
	switch class {
	case execution.ClassThrottled:
		w.Header().Set("Retry-After", "1")
		code = http.StatusTooManyRequests
	case execution.ClassInvalidRequest:
		code = http.StatusBadRequest
	default:
		h.logger.Error().Err(err).Msg("submit failed")
	}
	writeJSON(w, code, execution.Failed(req.TestCases, class, execution.PublicMessage(err)))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*queue.Handle, bool) {
	job, err := h.queueManager.Get(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
