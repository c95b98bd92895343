// Package server is the HTTP surface of the controller: the job queue asks
// it for workers, and workers phone home through it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/majorcontext/buildfleet/internal/allowlist"
	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/fleet"
	"github.com/majorcontext/buildfleet/internal/log"
	"github.com/majorcontext/buildfleet/internal/metrics"
)

// SecretHeader carries the agent secret on the connect endpoint.
const SecretHeader = "X-Agent-Secret"

// Server is the controller's HTTP API server.
type Server struct {
	addr      string
	ctrl      *fleet.Controller
	metrics   *metrics.Metrics
	server    *http.Server
	listener  net.Listener
	startedAt time.Time
}

// NewServer creates an API server that will listen on addr.
func NewServer(addr string, ctrl *fleet.Controller, m *metrics.Metrics) *Server {
	s := &Server{
		addr:      addr,
		ctrl:      ctrl,
		metrics:   m,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/provision", s.handleProvision)
	mux.HandleFunc("GET /v1/provision/can", s.handleCanProvision)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{name}", s.handleGetAgent)
	mux.HandleFunc("GET /v1/agents/{name}/log", s.handleAgentLog)
	mux.HandleFunc("DELETE /v1/agents/{name}", s.handleRemoveAgent)
	mux.HandleFunc("POST /v1/agents/{name}/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/agents/{name}/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /v1/agents/{name}/tasks", s.handleTask)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins listening on the configured address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server stopped", "error", err)
		}
	}()
	log.Info("api server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clouds := s.ctrl.Clouds()
	names := make([]string, len(clouds))
	for i, cl := range clouds {
		names[i] = cl.Name()
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		PID:         os.Getpid(),
		Clouds:      names,
		WorkerCount: len(s.ctrl.Workers()),
		StartedAt:   s.startedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ExcessWorkload < 0 {
		writeError(w, http.StatusBadRequest, "excess_workload must not be negative")
		return
	}

	planned := s.ctrl.Provision(r.Context(), req.Label, req.ExcessWorkload)
	resp := make([]PlannedNode, len(planned))
	for i, p := range planned {
		resp[i] = PlannedNode{DisplayName: p.DisplayName, NumExecutors: p.NumExecutors, Cloud: p.Cloud}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCanProvision(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	writeJSON(w, http.StatusOK, CanProvisionResponse{CanProvision: s.ctrl.CanProvision(label)})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	workers := s.ctrl.Workers()
	infos := make([]AgentInfo, 0, len(workers))
	for _, wk := range workers {
		cl, _ := s.ctrl.Cloud(wk.Cloud())
		infos = append(infos, agentInfo(wk, cl))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	wk, cl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agentInfo(wk, cl))
}

func (s *Server) handleAgentLog(w http.ResponseWriter, r *http.Request) {
	wk, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range wk.Log() {
		fmt.Fprintln(w, line)
	}
}

// handleRemoveAgent removes a node. Removing a missing node succeeds.
func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.ctrl.RemoveWorker(r.Context(), name) {
		log.Info("worker removed", "worker", name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	wk, cl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	addr, err := remoteAddr(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = cl.Connect(r.Context(), wk, addr, r.Header.Get(SecretHeader))
	var refused *allowlist.RefusedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, agentInfo(wk, cl))
	case errors.As(err, &refused):
		writeError(w, http.StatusForbidden,
			fmt.Sprintf("connection from %s refused: not a build-service address", refused.Addr))
	case errors.Is(err, fleet.ErrBadSecret):
		writeError(w, http.StatusUnauthorized, "invalid agent secret")
	case errors.Is(err, fleet.ErrNotConnectable):
		writeError(w, http.StatusConflict, fmt.Sprintf("worker is %s", wk.Phase()))
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	wk, cl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	cl.Disconnect(wk)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	wk, cl, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var ev TaskEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch ev.Event {
	case TaskAccepted:
		wk.Logger().Info("task accepted", "task", ev.Task)
		cl.TaskAccepted(wk)
	case TaskCompleted, TaskFailed:
		outcome := fleet.OutcomeSucceeded
		if ev.Event == TaskFailed {
			outcome = fleet.OutcomeFailed
		}
		wk.Logger().Info("task finished", "task", ev.Task, "outcome", outcome,
			"duration", time.Duration(ev.DurationMS)*time.Millisecond)
		cl.TaskCompleted(r.Context(), wk, outcome)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event %q", ev.Event))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the {name} path value, writing a 404 if there is no
// such worker.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*fleet.Worker, *fleet.Cloud, bool) {
	name := r.PathValue("name")
	wk, cl, ok := s.ctrl.Worker(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", name))
		return nil, nil, false
	}
	return wk, cl, true
}

func agentInfo(wk *fleet.Worker, cl *fleet.Cloud) AgentInfo {
	info := wk.Info()
	if cl == nil || info.JobID == "" {
		return info
	}
	if cfg := cl.Config(); cfg.Backend == config.BackendCodeBuild {
		info.ConsoleURL = buildservice.ConsoleURL(cfg.Region, cfg.Project, info.JobID)
	}
	return info
}

func remoteAddr(r *http.Request) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(strings.Trim(r.RemoteAddr, "[]"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("unparseable remote address %q", r.RemoteAddr)
	}
	return addr.Unmap(), nil
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
