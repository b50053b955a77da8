// Package coreapp exposes Core's Orchestrator over a local HTTP control
// surface: the on-device intent loop (an external collaborator this tree
// does not implement) POSTs an actionType/payload pair and gets back the
// HandleIntent Outcome.
package coreapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/core/orchestrator"
	"github.com/semblance-ai/semblance/internal/inheritance"
)

// Handlers bundles the callbacks the server delegates to.
type Handlers struct {
	// Orchestrator runs every submitted intent through policy, dispatch,
	// and attestation.
	Orchestrator *orchestrator.Orchestrator
	// Approver is consulted when policy requires user approval. May be
	// nil, in which case HandleIntent rejects any intent that needs one.
	Approver orchestrator.Approver
	// Inheritance drives trusted-party registration and Activation
	// lifecycle. May be nil, in which case every /v1/inheritance/* route
	// responds 503.
	Inheritance *inheritance.Executor
	// StartedAt is the time the binary started, reported from /health.
	StartedAt time.Time
}

// Server is Core's local control server.
type Server struct {
	addr     string
	handlers Handlers
	server   *http.Server
}

// New creates a Server listening on addr.
func New(addr string, h Handlers) *Server {
	s := &Server{addr: addr, handlers: h}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/intents", s.handleIntent)
	mux.HandleFunc("/v1/inheritance/parties", s.handleRegisterParty)
	mux.HandleFunc("/v1/inheritance/activate", s.handleActivate)
	mux.HandleFunc("/v1/inheritance/cancel", s.handleCancel)
	mux.HandleFunc("/v1/inheritance/advance", s.handleAdvance)
	mux.HandleFunc("/v1/inheritance/confirm-step", s.handleConfirmStep)
	mux.HandleFunc("/v1/inheritance/test-run", s.handleTestRun)
	mux.HandleFunc("/v1/inheritance/run-pending", s.handleRunPending)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. It returns once the listener is bound so callers
// can immediately start sending requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("coreapp: listen %s: %w", s.addr, err)
	}
	slog.Info("core control server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("core control server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// TestHandler exposes the underlying mux so tests can drive it with
// httptest.NewServer without binding a real listener via Start.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": time.Since(s.handlers.StartedAt).Seconds(),
	})
}

type intentRequest struct {
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload"`
}

type intentResponse struct {
	Decision  string `json:"decision"`
	Status    string `json:"status,omitempty"`
	AuditRef  string `json:"auditRef,omitempty"`
	WitnessID string `json:"witnessId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, intentResponse{Error: "method not allowed"})
		return
	}

	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, intentResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	actionType := action.Type(req.ActionType)
	if !action.Valid(actionType) {
		writeJSON(w, http.StatusBadRequest, intentResponse{Error: fmt.Sprintf("%q is not a recognised action type", req.ActionType)})
		return
	}

	outcome, err := s.handlers.Orchestrator.HandleIntent(r.Context(), actionType, req.Payload, s.handlers.Approver)

	resp := intentResponse{
		Decision:  outcome.Decision.String(),
		AuditRef:  outcome.AuditRef,
		WitnessID: outcome.WitnessID,
	}
	if outcome.Response.Status != "" {
		resp.Status = string(outcome.Response.Status)
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
