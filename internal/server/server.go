// Package server exposes the pipeline over a small HTTP API so
// operators and front ends can submit requests and drive approvals
// from outside the process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/aegis/internal/action"
	"github.com/haasonsaas/aegis/internal/approval"
	"github.com/haasonsaas/aegis/internal/audit"
	"github.com/haasonsaas/aegis/internal/pipeline"
)

// Server serves the admin API: submit, approvals, audit, health, and
// prometheus metrics.
type Server struct {
	orch   *pipeline.Orchestrator
	store  *audit.Store
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server around an orchestrator and its audit store.
func New(orch *pipeline.Orchestrator, store *audit.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, store: store, logger: logger}
}

// Handler returns the route table, exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/approvals", s.handleApprovalsList)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleApprovalRespond)
	mux.HandleFunc("GET /v1/audit/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/audit/tail", s.handleTail)
	return mux
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("admin api listening", "addr", addr)
	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.orch.Halted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitRequest is the POST /v1/requests payload.
type SubmitRequest struct {
	Kind    string `json:"kind"`
	Actor   string `json:"actor"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Context string `json:"context,omitempty"`
}

// SubmitResponse mirrors the pipeline result.
type SubmitResponse struct {
	RequestID string                `json:"request_id"`
	State     string                `json:"state"`
	Reason    string                `json:"reason"`
	Detail    string                `json:"detail,omitempty"`
	Sandbox   *action.SandboxResult `json:"sandbox,omitempty"`
}

// handleSubmit runs one request through the pipeline synchronously.
// The response does not arrive until the request reaches a terminal
// state, which for ask-gated actions includes the approval wait.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	var opts []action.RequestOption
	if in.Command != "" {
		opts = append(opts, action.WithCommand(in.Command))
	}
	if in.Path != "" {
		opts = append(opts, action.WithPath(in.Path))
	}
	if in.Content != "" {
		opts = append(opts, action.WithContent(in.Content))
	}
	if in.Context != "" {
		opts = append(opts, action.WithContext(in.Context))
	}

	req, err := action.NewRequest(action.Kind(in.Kind), in.Actor, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrHalted) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		RequestID: res.RequestID,
		State:     string(res.State),
		Reason:    res.Reason,
		Detail:    res.Detail,
		Sandbox:   res.Sandbox,
	})
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	pending := s.orch.PendingApprovals()
	if pending == nil {
		pending = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// ApprovalResponse is the POST /v1/approvals/{id} payload.
type ApprovalResponse struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleApprovalRespond(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in ApprovalResponse
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if in.DecidedBy == "" {
		writeError(w, http.StatusBadRequest, errors.New("decided_by is required"))
		return
	}

	if err := s.orch.Respond(id, in.Approved, in.DecidedBy, in.Reason); err != nil {
		status := http.StatusConflict
		if errors.Is(err, approval.ErrUnknownRequest) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.Verify(r.Context(), 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
	}
	entries, err := s.store.Tail(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
