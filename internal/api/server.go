package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/guardian"
)

// Version is reported by /api/v1/status.
var Version = "dev"

// Guardian is the part of the guardian facade the API drives.
type Guardian interface {
	Dispatch(op string, data []byte) (interface{}, error)
	Stats() map[string]interface{}
}

// Server is the local HTTP API. It exposes the alert store, recent logs and
// the bridge operations for hosts that cannot speak NATS.
type Server struct {
	engine   *core.Engine
	guardian Guardian
	server   *http.Server
	logger   zerolog.Logger
	cfg      core.APIConfig
	addr     string
}

// NewServer creates a server for engine and g. Nothing listens until Start.
func NewServer(engine *core.Engine, g Guardian) *Server {
	s := &Server{
		engine:   engine,
		guardian: g,
		logger:   engine.ComponentLogger("api_server"),
		cfg:      engine.Config.API,
	}

	r := chi.NewRouter()
	r.Use(loggingMiddleware(s.logger))
	if !s.cfg.AllowRemote {
		r.Use(loopbackOnly(s.logger))
	}
	if s.cfg.RateLimit > 0 {
		r.Use(rateLimitMiddleware(s.cfg.RateLimit))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/modules", s.handleModules)
		r.Get("/policy", s.handlePolicy)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/clear", s.handleAlertsClear)
		r.Get("/alerts/{id}", s.handleAlertGet)
		r.Patch("/alerts/{id}", s.handleAlertPatch)
		r.Delete("/alerts/{id}", s.handleAlertDelete)
		r.Get("/logs", s.handleLogs)
		r.Post("/bridge/{op}", s.handleBridge)
	})

	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info().Str("addr", s.addr).Bool("allow_remote", s.cfg.AllowRemote).Msg("API server starting")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":       Version,
		"status":        "running",
		"bus_connected": s.engine.Bus != nil && s.engine.Bus.IsConnected(),
		"modules_total": s.engine.Registry.Count(),
		"alerts_total":  s.engine.Pipeline.Count(),
		"guardian":      s.guardian.Stats(),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.CurrentConfig()
	modules := make([]map[string]interface{}, 0)
	for _, mod := range s.engine.Registry.All() {
		modules = append(modules, map[string]interface{}{
			"name":        mod.Name(),
			"description": mod.Description(),
			"enabled":     cfg.IsModuleEnabled(mod.Name()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules": modules,
		"total":   len(modules),
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	p := s.engine.Policy.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile":           p.Profile.String(),
		"effective_profile": p.EffectiveProfile().String(),
		"brand":             p.Brand(""),
		"spoof_channels":    p.SpoofChannels,
		"block_local_urls":  p.BlockLocalURLs,
		"resolution_guard":  p.ResolutionGuard,
		"fake_defaults":     p.FakeDefaults,
		"whitelist_enabled": p.WhitelistEnabled,
		"whitelist":         p.WhitelistIDs(),
		"show_alerts":       p.ShowAlerts,
		"log_detections":    p.LogDetections,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	minSeverity := core.ParseSeverity(r.URL.Query().Get("min_severity"))

	alerts := s.engine.Pipeline.GetAlerts(minSeverity, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	alert := s.engine.Pipeline.GetAlertByID(chi.URLParam(r, "id"))
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertPatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	status, ok := core.ParseAlertStatus(body.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status, use OPEN, ACKNOWLEDGED, RESOLVED or FALSE_POSITIVE")
		return
	}
	alert, found := s.engine.Pipeline.UpdateAlertStatus(chi.URLParam(r, "id"), status)
	if !found {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.Pipeline.DeleteAlert(id) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleAlertsClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "cleared",
		"cleared": s.engine.Pipeline.ClearAlerts(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := s.engine.Logs.GetEntries(queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

// handleBridge runs one bridge operation. The reply body has the same shape
// as a NATS bridge reply.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	result, err := s.guardian.Dispatch(op, data)
	if err != nil {
		code := guardian.ErrorCode(err)
		writeJSON(w, statusForCode(code), map[string]string{"error": err.Error(), "code": code})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func statusForCode(code string) int {
	switch code {
	case guardian.CodeUnknownRequest:
		return http.StatusNotFound
	case guardian.CodeBadRequest:
		return http.StatusBadRequest
	case guardian.CodeResolveFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
