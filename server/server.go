// Package server exposes the engine facade over HTTP. Routes map facade
// error kinds onto status codes: NotFound 404, InvalidState 409,
// PermissionDenied 403, ValidationFailed 400, Internal 500.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/conductor-go/conductor/engine"
	"github.com/conductor-go/conductor/workflow"
)

// Server wraps the engine facade with an HTTP router.
type Server struct {
	engine   *engine.Engine
	logger   zerolog.Logger
	registry *prometheus.Registry
	router   chi.Router
}

// New builds a server over the given engine. registry may be nil to omit
// the /metrics endpoint.
func New(eng *engine.Engine, logger zerolog.Logger, registry *prometheus.Registry) *Server {
	s := &Server{
		engine:   eng,
		logger:   logger,
		registry: registry,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/workflows/{workflowID}/executions", s.handleExecute)
		r.Get("/executions", s.handleActiveExecutions)
		r.Get("/executions/{executionID}", s.handleStatus)
		r.Post("/executions/{executionID}/pause", s.handlePause)
		r.Post("/executions/{executionID}/resume", s.handleResume)
		r.Post("/executions/{executionID}/cancel", s.handleCancel)
		r.Delete("/executions/{executionID}", s.handleCleanup)
		r.Get("/executions/{executionID}/statistics", s.handleStatistics)
		r.Get("/executions/{executionID}/logs", s.handleLogs)
		r.Get("/executions/{executionID}/outputs", s.handleAllOutputs)
		r.Get("/executions/{executionID}/nodes/{nodeID}/output", s.handleNodeOutput)
		r.Post("/executions/{executionID}/nodes/{nodeID}/retry", s.handleRetryNode)
		r.Post("/executions/{executionID}/nodes/{nodeID}/skip", s.handleSkipNode)
		r.Post("/executions/{executionID}/nodes/{nodeID}/execute", s.handleExecuteNode)
		r.Post("/executions/{executionID}/nodes/{nodeID}/interactions/{interactionID}/complete", s.handleCompleteInteraction)
		r.Get("/executions/{executionID}/files", s.handleDownloadAll)
		r.Get("/executions/{executionID}/files/{fileName}", s.handleDownloadFile)
		r.Post("/executions/{executionID}/files/bulk", s.handleBulkDownload)
		r.Post("/admin/fail-orphans", s.handleFailOrphans)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type executeRequest struct {
	UserID  string                    `json:"userId"`
	Context workflow.ExecutionContext `json:"executionContext"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body", nil))
		return
	}
	resp, err := s.engine.Execute(r.Context(), chi.URLParam(r, "workflowID"), req.Context, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleActiveExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.engine.GetActiveExecutions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecutionStatus(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.Context(), chi.URLParam(r, "executionID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.Resume(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), chi.URLParam(r, "executionID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CleanupExecution(r.Context(), chi.URLParam(r, "executionID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetExecutionStatistics(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	skip := intQuery(r, "skip", 0)
	take := intQuery(r, "take", 100)
	logs, err := s.engine.GetExecutionLogs(r.Context(), chi.URLParam(r, "executionID"), skip, take)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleAllOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := s.engine.GetAllNodeOutputs(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (s *Server) handleNodeOutput(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.GetNodeOutput(r.Context(), chi.URLParam(r, "executionID"), chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRetryNode(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.RetryNode(r.Context(), chi.URLParam(r, "executionID"), chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSkipNode(w http.ResponseWriter, r *http.Request) {
	var req skipRequest
	// An empty body means "no reason".
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.engine.SkipNode(r.Context(), chi.URLParam(r, "executionID"), chi.URLParam(r, "nodeID"), req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"skipped": true})
}

func (s *Server) handleExecuteNode(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.ExecuteNode(r.Context(), chi.URLParam(r, "executionID"), chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type completeInteractionRequest struct {
	OutputData map[string]any `json:"outputData"`
}

func (s *Server) handleCompleteInteraction(w http.ResponseWriter, r *http.Request) {
	var req completeInteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body", nil))
		return
	}
	resp, err := s.engine.CompleteUIInteraction(r.Context(),
		chi.URLParam(r, "executionID"),
		chi.URLParam(r, "nodeID"),
		chi.URLParam(r, "interactionID"),
		req.OutputData)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	data, err := s.engine.DownloadAllExecutionFiles(r.Context(), executionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeZip(w, executionID+".zip", data)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	data, name, err := s.engine.DownloadExecutionFile(r.Context(),
		chi.URLParam(r, "executionID"), chi.URLParam(r, "fileName"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Write(data)
}

type bulkDownloadRequest struct {
	FileNames []string `json:"fileNames"`
}

func (s *Server) handleBulkDownload(w http.ResponseWriter, r *http.Request) {
	var req bulkDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body", nil))
		return
	}
	executionID := chi.URLParam(r, "executionID")
	data, err := s.engine.BulkDownloadExecutionFiles(r.Context(), executionID, req.FileNames)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeZip(w, executionID+".zip", data)
}

func (s *Server) handleFailOrphans(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.FailOrphanedExecutions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"failed": count})
}

// writeError maps a facade error onto the HTTP status vocabulary.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var facadeErr *engine.FacadeError
	if !errors.As(err, &facadeErr) {
		s.logger.Error().Err(err).Msg("unclassified handler error")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error", nil))
		return
	}

	switch facadeErr.Kind {
	case engine.KindNotFound:
		writeJSON(w, http.StatusNotFound, errorBody(facadeErr.Message, nil))
	case engine.KindInvalidState:
		writeJSON(w, http.StatusConflict, errorBody(facadeErr.Message, nil))
	case engine.KindPermissionDenied:
		writeJSON(w, http.StatusForbidden, errorBody(facadeErr.Message, nil))
	case engine.KindValidationFailed:
		body := errorBody(facadeErr.Message, facadeErr.Issues)
		writeJSON(w, http.StatusBadRequest, body)
	default:
		s.logger.Error().Err(facadeErr).Str("trace_id", facadeErr.TraceID).Msg("internal engine error")
		body := errorBody("internal error", nil)
		body["traceId"] = facadeErr.TraceID
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func errorBody(msg string, issues []engine.ValidationIssue) map[string]any {
	body := map[string]any{"error": msg}
	if len(issues) > 0 {
		body["issues"] = issues
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeZip(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Write(data)
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
