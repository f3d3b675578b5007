package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/craftlink/craftlink/proto"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// httpConn is the synthetic connection identity behind a stateless HTTP
// request. There is no peer to deliver to or probe: sends are dropped
// silently (a command reply routed here is an unreachable sink, a documented
// limitation of the HTTP path) and pings always fail so the liveness reaper
// eventually evicts lingering records.
type httpConn struct {
	open bool
}

func newHTTPConn() *httpConn { return &httpConn{open: true} }

func (c *httpConn) Send(env *proto.Envelope) error { return nil }

func (c *httpConn) Ping() error { return errors.New("http connection cannot be probed") }

func (c *httpConn) Close() error {
	c.open = false
	return nil
}

func (c *httpConn) IsOpen() bool { return c.open }

// APIServer is the HTTP ingestion surface for devices that cannot hold a
// persistent connection, plus a couple of operator endpoints.
type APIServer struct {
	Addr string

	registry *Registry
	router   *Router
	server   *http.Server
	started  time.Time
}

func NewAPIServer(addr string, registry *Registry, router *Router) *APIServer {
	return &APIServer{Addr: addr, registry: registry, router: router}
}

func (s *APIServer) Start() error {
	slog.Info("Starting HTTP API server", "addr", s.Addr)
	s.started = time.Now()

	s.server = &http.Server{
		Addr:    s.Addr,
		Handler: s.Routes(),
	}

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown() error {
	slog.Info("Shutting down HTTP API server", "addr", s.Addr)
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/register", s.handleRegister)
	r.Post("/message", s.handleMessage)
	r.Post("/command", s.handleCommand)
	r.Get("/computers", s.handleComputers)
	r.Get("/health", s.handleHealth)

	return r
}

// routeSynthetic routes env under a fresh synthetic connection identity.
// Records the route promoted to device stay registered (the device becomes
// visible to viewers and /computers until the reaper evicts it); everything
// else is unregistered when the request ends.
func (s *APIServer) routeSynthetic(env *proto.Envelope) {
	conn := newHTTPConn()
	id := s.registry.Register(conn, RoleViewer, "http")

	s.router.Route(env, id)

	if rec, ok := s.registry.Get(id); ok && rec.Role != RoleDevice {
		s.registry.Unregister(id)
		conn.Close()
	}
}

type registerRequest struct {
	ComputerName string               `json:"computerName"`
	ComputerType proto.ComputerType   `json:"computerType"`
	Functions    []proto.FunctionSpec `json:"functions"`
	Status       map[string]any       `json:"status"`
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	var missing []string
	if req.ComputerName == "" {
		missing = append(missing, "computerName")
	}
	if req.ComputerType == "" {
		missing = append(missing, "computerType")
	}
	if req.Functions == nil {
		missing = append(missing, "functions")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "missing required fields",
			"missing": missing,
		})
		return
	}

	status := req.Status
	if status == nil {
		status = map[string]any{}
	}
	env := (&proto.Envelope{
		Kind:         proto.KindAPIRegistration,
		Source:       req.ComputerName,
		ComputerName: req.ComputerName,
		ComputerType: req.ComputerType,
		Functions:    req.Functions,
		Status:       status,
	}).Fill()

	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.routeSynthetic(env)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"registeredFunctions": len(req.Functions),
	})
}

func (s *APIServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	env, err := proto.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":  false,
			"error":    err.Error(),
			"required": []string{"id", "timestamp", "kind", "source"},
		})
		return
	}

	// An HTTP device proves liveness by posting; refresh its record.
	if rec, ok := s.registry.FindDeviceByName(env.Source); ok {
		s.registry.Touch(rec.ID)
	}

	s.routeSynthetic(env)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": time.Now().UnixMilli(),
	})
}

type commandRequest struct {
	TargetComputer string         `json:"targetComputer"`
	FunctionName   string         `json:"functionName"`
	Parameters     map[string]any `json:"parameters"`
}

func (s *APIServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	var missing []string
	if req.TargetComputer == "" {
		missing = append(missing, "targetComputer")
	}
	if req.FunctionName == "" {
		missing = append(missing, "functionName")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "missing required fields",
			"missing": missing,
		})
		return
	}

	env := proto.NewCommand(req.TargetComputer, req.FunctionName, req.Parameters)
	s.routeSynthetic(env)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *APIServer) handleComputers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ComputerSummary())
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UnixMilli(),
		"uptime":    time.Since(s.started).Seconds(),
		"stats":     s.registry.Stats(),
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&buf); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return buf, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
