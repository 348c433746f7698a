// Package server provides the operational HTTP surface: health, readiness,
// metrics, and a JSON endpoint for invoking tools by name. The AI-agent
// protocol transport proper lives outside this repository; this surface is
// the integration and debugging harness.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kirisame1188/wazuh-threat-hunter/internal/tools"
	"github.com/kirisame1188/wazuh-threat-hunter/internal/version"
	"github.com/kirisame1188/wazuh-threat-hunter/pkg/wazuh"
)

// maxArgsBytes bounds the tool argument payload.
const maxArgsBytes = 1 << 20

// Pinger reports whether the SIEM is reachable with valid credentials.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the operational HTTP server.
type Server struct {
	addr       string
	registry   *tools.Registry
	svc        *tools.Service
	pinger     Pinger
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates the HTTP server and its routes.
func New(addr string, registry *tools.Registry, svc *tools.Service, pinger Pinger, log *logrus.Logger) *Server {
	s := &Server{addr: addr, registry: registry, svc: svc, pinger: pinger, log: log}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/{name}", s.handleInvoke)
		r.Get("/agents", s.handleAgents)
		r.Get("/alerts", s.handleAlerts)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.addr).Info("Threat hunter listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.Names()})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	args, err := io.ReadAll(io.LimitReader(r.Body, maxArgsBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	result, err := s.registry.Invoke(r.Context(), name, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	window := 60
	if v := r.URL.Query().Get("window_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, &tools.ValidationError{Message: "window_minutes must be an integer"})
			return
		}
		window = n
	}

	alerts, err := s.svc.RecentAlerts(r.Context(), window, r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// errorBody is the structured failure shape callers receive.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps an error kind onto an HTTP status and a structured body.
func writeError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func classify(err error) (string, int) {
	var (
		validationErr *tools.ValidationError
		authErr       *wazuh.AuthError
		apiErr        *wazuh.APIError
		transportErr  *wazuh.TransportError
	)
	switch {
	case errors.As(err, &validationErr):
		return "validation", http.StatusBadRequest
	case errors.As(err, &authErr):
		return "auth", http.StatusBadGateway
	case errors.As(err, &apiErr):
		return "api", http.StatusBadGateway
	case errors.As(err, &transportErr):
		return "transport", http.StatusGatewayTimeout
	default:
		return "internal", http.StatusInternalServerError
	}
}
