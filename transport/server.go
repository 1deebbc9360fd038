// Package transport exposes the orchestrator over HTTP: definition
// registration, execution control, approval resolution and a
// server-sent-events monitoring stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowstate-io/flowstate/approval"
	"github.com/flowstate-io/flowstate/broadcast"
	"github.com/flowstate-io/flowstate/graph"
	"github.com/flowstate-io/flowstate/types"
	"github.com/flowstate-io/flowstate/workflow"
)

// Engine is the orchestrator surface the HTTP adapter needs.
type Engine interface {
	RegisterDefinition(ctx context.Context, def types.Definition) error
	Submit(ctx context.Context, definitionID string, trigger map[string]interface{}) (uint64, error)
	Instance(ctx context.Context, id uint64) (*types.Instance, error)
	Cancel(ctx context.Context, id uint64) error
	Rollback(ctx context.Context, id uint64) (*workflow.RollbackReport, error)
	ResolveApproval(ctx context.Context, requestID string, decision types.ApprovalDecision, comment string) error
	Subscribe(ctx context.Context, id uint64) (<-chan broadcast.Event, func(), error)
}

// Server wires the engine into a chi router.
type Server struct {
	engine   Engine
	logger   hclog.Logger
	gatherer prometheus.Gatherer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger hclog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithGatherer exposes a Prometheus registry on GET /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// NewServer returns a Server for the given engine.
func NewServer(engine Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/workflows", s.handleRegister)
	r.Post("/workflows/{definitionID}/executions", s.handleSubmit)
	r.Get("/executions/{instanceID}", s.handleInstance)
	r.Post("/executions/{instanceID}/cancel", s.handleCancel)
	r.Post("/executions/{instanceID}/rollback", s.handleRollback)
	r.Get("/executions/{instanceID}/events", s.handleEvents)
	r.Post("/approvals/{requestID}", s.handleApproval)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	format := "json"
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		format = "yaml"
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	def, err := types.DecodeDefinition(data, format)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid definition body: %w", err))
		return
	}
	if err := s.engine.RegisterDefinition(r.Context(), def); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      def.ID,
		"version": def.Version,
	})
}

type submitRequest struct {
	Trigger map[string]interface{} `json:"trigger"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	id, err := s.engine.Submit(r.Context(), chi.URLParam(r, "definitionID"), req.Trigger)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"instance_id": strconv.FormatUint(id, 10),
	})
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	inst, err := s.engine.Instance(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"cancelled": true})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	report, err := s.engine.Rollback(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type approvalRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	decision := types.ApprovalDecision(req.Decision)
	if err := s.engine.ResolveApproval(r.Context(), chi.URLParam(r, "requestID"), decision, req.Comment); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": true})
}

// handleEvents streams the instance's transition events as SSE. The
// first event is always a snapshot; the stream ends when the instance
// reaches a terminal state or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ch, cancel, err := s.engine.Subscribe(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "instance_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data)
			flusher.Flush()
		}
	}
}

func (s *Server) instanceID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "instanceID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid instance id %q", raw))
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *graph.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  err.Error(),
			"report": verr.Report,
		})
	case errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, workflow.ErrInstanceNotFound),
		errors.Is(err, approval.ErrRequestNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrInvalidDecision):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, workflow.ErrInstanceTerminal),
		errors.Is(err, workflow.ErrInstanceActive),
		errors.Is(err, workflow.ErrRollbackNotAllowed):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, workflow.ErrEngineClosed):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
