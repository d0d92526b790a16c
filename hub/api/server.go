// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/artifact"
	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/hub/relay"
	"github.com/fleetrelay/fleetrelay/hub/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authService  *auth.Service
	authProvider auth.Provider
	relay        *relay.Relay
	artifacts    *artifact.Store
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, as *auth.Service, rel *relay.Relay, artifacts *artifact.Store, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authService:  as,
		authProvider: as,
		relay:        rel,
		artifacts:    artifacts,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Login route, rate-limited by IP.
	srv.loginRL = newRateLimiter(5, 10)
	mux.With(throttle(srv.loginRL, clientIP, "too many requests")).Post("/api/auth/login", srv.handleLogin)

	// WebSocket routes (auth handled inside for consoles; agents are open)
	mux.Get("/ws/agent", rel.HandleAgentWS)
	mux.Get("/ws/console", rel.HandleConsoleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(throttle(srv.rl, userKey, "rate limit exceeded"))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/agents", srv.handleListAgents)
		r.Get("/api/artifacts", srv.handleListArtifacts)
		r.Get("/downloads/{name}", srv.handleDownloadArtifact)

		r.Group(func(r chi.Router) {
			r.Use(srv.requireAdmin)
			r.Post("/api/users", srv.handleCreateUser)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
			ID: uuid.New().String(), Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)), CreatedAt: time.Now(),
		}); err != nil {
			s.logger.Warn("failed to log audit event", "action", "login.failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "login.success",
		Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)), CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "login.success", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := s.authService.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if err == auth.ErrUserExists {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		s.logger.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

// --- Fleet handlers ---

type agentView struct {
	UUID      string `json:"uuid"`
	Addr      string `json:"ip"`
	Online    bool   `json:"online"`
	FirstSeen string `json:"first_seen,omitempty"`
	LastSeen  string `json:"last_seen,omitempty"`
}

// handleListAgents merges the live fleet view with stored agent history so
// consoles can also see agents that are currently offline.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	live := s.relay.FleetList()
	online := make(map[string]string, len(live)) // uuid -> addr
	for _, a := range live {
		online[a.UUID] = a.Addr
	}

	known, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("failed to list agents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	views := make([]agentView, 0, len(known))
	seen := make(map[string]bool, len(known))
	for _, a := range known {
		addr, isOnline := online[a.ID]
		if !isOnline {
			addr = a.Addr
		}
		views = append(views, agentView{
			UUID:      a.ID,
			Addr:      addr,
			Online:    isOnline,
			FirstSeen: a.FirstSeen.Format(time.RFC3339),
			LastSeen:  a.LastSeen.Format(time.RFC3339),
		})
		seen[a.ID] = true
	}
	// Live agents the store has not caught up with yet.
	for _, a := range live {
		if !seen[a.UUID] {
			views = append(views, agentView{UUID: a.UUID, Addr: a.Addr, Online: true})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

// --- Artifact handlers ---

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	artifacts, err := s.store.ListArtifacts(r.Context(), agentID)
	if err != nil {
		s.logger.Error("failed to list artifacts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}

	type artifactView struct {
		ID           string `json:"id"`
		AgentID      string `json:"agent_id"`
		Name         string `json:"name"`
		OriginalPath string `json:"original_path"`
		Size         int64  `json:"size"`
		URL          string `json:"url"`
		CreatedAt    string `json:"created_at"`
	}
	views := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, artifactView{
			ID:           a.ID,
			AgentID:      a.AgentID,
			Name:         a.StoredName,
			OriginalPath: a.OriginalPath,
			Size:         a.Size,
			URL:          "/downloads/" + a.StoredName,
			CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": views})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := s.artifacts.Path(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	http.ServeFile(w, r, path)
}

// --- Audit handlers ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}

	type eventView struct {
		ID        string          `json:"id"`
		Action    string          `json:"action"`
		AgentID   string          `json:"agent_id,omitempty"`
		Detail    json.RawMessage `json:"detail,omitempty"`
		CreatedAt string          `json:"created_at"`
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			ID:        e.ID,
			Action:    e.Action,
			AgentID:   e.AgentID,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
