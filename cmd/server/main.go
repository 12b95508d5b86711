package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	_ "github.com/lib/pq"

	"github.com/liamcoop/rulesadapter/adapter"
	"github.com/liamcoop/rulesadapter/internal/logger"
	"github.com/liamcoop/rulesadapter/internal/metrics"
	"github.com/liamcoop/rulesadapter/migrations"
	"github.com/liamcoop/rulesadapter/notify"
	"github.com/liamcoop/rulesadapter/rules"
	"github.com/liamcoop/rulesadapter/sessions"
	"github.com/liamcoop/rulesadapter/situation"
)

const maxImportSize = 4 << 20

// config is read from the environment.
type config struct {
	DatabaseURL    string
	Port           string
	MigrateOnStart bool
	EventBuffer    int
}

func loadConfig() (config, error) {
	cfg := config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Port:        os.Getenv("PORT"),
		EventBuffer: 64,
	}
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL environment variable is required")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if v := os.Getenv("MIGRATE_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MIGRATE_ON_START %q: %w", v, err)
		}
		cfg.MigrateOnStart = b
	}
	if v := os.Getenv("EVENT_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid EVENT_BUFFER %q", v)
		}
		cfg.EventBuffer = n
	}
	return cfg, nil
}

type Server struct {
	db          *sql.DB
	registry    rules.RulesetRegistry
	manager     *sessions.Manager
	upgrader    websocket.Upgrader
	eventBuffer int
	router      *chi.Mux
}

func NewServer(databaseURL string) (*Server, error) {
	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewServerWithDB(db), nil
}

// NewServerWithDB serves rulesets and situations stored in db.
func NewServerWithDB(db *sql.DB) *Server {
	s := NewServerWithRegistry(rules.NewPostgresRulesetRegistry(db), situation.NewPostgresRepository(db))
	s.db = db
	return s
}

// NewServerWithRegistry serves rulesets from registry and persists
// situations to repo, without a database connection to check.
func NewServerWithRegistry(registry rules.RulesetRegistry, repo situation.Repository) *Server {
	s := &Server{
		registry:    registry,
		manager:     sessions.NewManager(sessions.RegistryStores(registry), repo),
		eventBuffer: 64,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	// Event streams outlive the request timeout
	r.Get("/api/v1/sessions/{sessionId}/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Health check
		r.Get("/api/v1/health", s.handleHealth)

		// Ruleset management
		r.Route("/api/v1/rulesets", func(r chi.Router) {
			r.Get("/", s.handleListRulesets)
			r.Post("/", s.handleCreateRuleset)

			r.Route("/{rulesetId}", func(r chi.Router) {
				r.Get("/", s.handleGetRuleset)
				r.Delete("/", s.handleDeleteRuleset)
				r.Post("/import", s.handleImportRules)

				// Rule management
				r.Post("/rules", s.handleCreateRule)
				r.Get("/rules", s.handleListRules)
				r.Get("/rules/{ruleId}", s.handleGetRule)
				r.Put("/rules/{ruleId}", s.handleUpdateRule)
				r.Delete("/rules/{ruleId}", s.handleDeleteRule)
			})
		})

		// Sessions
		r.Route("/api/v1/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleOpenSession)

			r.Route("/{sessionId}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleCloseSession)
				r.Get("/situation", s.handleGetSituation)
				r.Put("/situation", s.handleSetSituation)
				r.Patch("/situation", s.handleUpdateAnswer)
				r.Post("/evaluate", s.handleEvaluate)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and counts responses by status class.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveStatus(status)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "healthy",
		RulesetsLoaded: len(s.manager.Rulesets()),
		Sessions:       len(s.manager.Sessions()),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// List rulesets handler
func (s *Server) handleListRulesets(w http.ResponseWriter, r *http.Request) {
	infos, err := s.registry.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rulesets", err)
		return
	}

	out := make([]RulesetResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, newRulesetResponse(info))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rulesets": out,
	})
}

// Create ruleset handler
func (s *Server) handleCreateRuleset(w http.ResponseWriter, r *http.Request) {
	var req CreateRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	info, err := s.registry.Create(r.Context(), req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create ruleset", err)
		return
	}

	respondJSON(w, http.StatusCreated, newRulesetResponse(info))
}

// Get ruleset handler
func (s *Server) handleGetRuleset(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")

	info, err := s.registry.Get(r.Context(), rulesetID)
	if err != nil {
		respondError(w, statusFor(err), "ruleset not found", err)
		return
	}

	rs, err := s.manager.Ruleset(r.Context(), rulesetID)
	if err != nil {
		respondError(w, statusFor(err), "failed to load ruleset", err)
		return
	}
	catalog, err := rs.Catalog()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compile ruleset", err)
		return
	}

	resp := newRulesetResponse(info)
	n := catalog.Len()
	resp.Rules = &n
	respondJSON(w, http.StatusOK, resp)
}

// Delete ruleset handler
func (s *Server) handleDeleteRuleset(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")

	if err := s.registry.Delete(r.Context(), rulesetID); err != nil {
		respondError(w, statusFor(err), "failed to delete ruleset", err)
		return
	}
	s.manager.UnloadRuleset(rulesetID)

	w.WriteHeader(http.StatusNoContent)
}

// Import rules handler: the body is a YAML rule document
func (s *Server) handleImportRules(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")

	defs, err := rules.LoadYAML(io.LimitReader(r.Body, maxImportSize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule document", err)
		return
	}

	if err := s.manager.ImportRules(r.Context(), rulesetID, defs); err != nil {
		respondError(w, statusFor(err), "failed to import rules", err)
		return
	}

	respondJSON(w, http.StatusCreated, ImportResponse{Imported: len(defs)})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	// The manager generates the rule ID
	rule := req.rule("")
	if err := s.manager.AddRule(r.Context(), rulesetID, rule); err != nil {
		respondError(w, statusFor(err), "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, newRuleResponse(rule))
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")

	rs, err := s.manager.Ruleset(r.Context(), rulesetID)
	if err != nil {
		respondError(w, statusFor(err), "ruleset not found", err)
		return
	}

	active, err := rs.Store().ListActive()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	out := make([]RuleResponse, 0, len(active))
	for _, rule := range active {
		out = append(out, newRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: out})
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")
	ruleID := chi.URLParam(r, "ruleId")

	rs, err := s.manager.Ruleset(r.Context(), rulesetID)
	if err != nil {
		respondError(w, statusFor(err), "ruleset not found", err)
		return
	}

	rule, err := rs.Store().Get(ruleID)
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, newRuleResponse(rule))
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	rule := req.rule(ruleID)
	if err := s.manager.UpdateRule(r.Context(), rulesetID, rule); err != nil {
		respondError(w, statusFor(err), "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, newRuleResponse(rule))
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rulesetID := chi.URLParam(r, "rulesetId")
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.manager.DeleteRule(r.Context(), rulesetID, ruleID); err != nil {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List sessions handler
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.manager.Sessions(),
	})
}

// Open session handler
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.RulesetID == "" {
		respondError(w, http.StatusBadRequest, "rulesetId is required", nil)
		return
	}

	sess, err := s.manager.OpenSession(r.Context(), req.RulesetID, req.SessionID)
	if err != nil {
		respondError(w, statusFor(err), "failed to open session", err)
		return
	}

	current, err := sess.Adapter.Situation()
	if err != nil {
		respondError(w, statusFor(err), "failed to read situation", err)
		return
	}

	respondJSON(w, http.StatusCreated, SessionResponse{
		ID:        sess.ID,
		RulesetID: sess.RulesetID,
		Situation: current,
	})
}

// Get session handler
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Session(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, statusFor(err), "session not found", err)
		return
	}

	current, err := sess.Adapter.Situation()
	if err != nil {
		respondError(w, statusFor(err), "failed to read situation", err)
		return
	}

	respondJSON(w, http.StatusOK, SessionResponse{
		ID:        sess.ID,
		RulesetID: sess.RulesetID,
		Situation: current,
	})
}

// Close session handler. ?forget=true also deletes the persisted situation.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	forget := r.URL.Query().Get("forget") == "true"

	if err := s.manager.CloseSession(r.Context(), chi.URLParam(r, "sessionId"), forget); err != nil {
		respondError(w, statusFor(err), "failed to close session", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Get situation handler
func (s *Server) handleGetSituation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Session(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, statusFor(err), "session not found", err)
		return
	}

	current, err := sess.Adapter.Situation()
	if err != nil {
		respondError(w, statusFor(err), "failed to read situation", err)
		return
	}

	respondSituation(w, current, nil)
}

// Set situation handler. ?keep=true merges into the current situation.
func (s *Server) handleSetSituation(w http.ResponseWriter, r *http.Request) {
	var candidate situation.Situation
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		respondError(w, http.StatusBadRequest, "invalid situation", err)
		return
	}

	opts := situation.SetOptions{
		KeepPreviousSituation: r.URL.Query().Get("keep") == "true",
	}

	accepted, rejected, err := s.manager.SetSituation(r.Context(), chi.URLParam(r, "sessionId"), candidate, opts)
	if err != nil {
		respondError(w, statusFor(err), "failed to set situation", err)
		return
	}

	respondSituation(w, accepted, rejected)
}

// Update answer handler
func (s *Server) handleUpdateAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Rule == "" {
		respondError(w, http.StatusBadRequest, "rule is required", nil)
		return
	}

	accepted, rejected, err := s.manager.UpdateAnswer(r.Context(), chi.URLParam(r, "sessionId"), req.Rule, req.Value)
	if err != nil {
		respondError(w, statusFor(err), "failed to update answer", err)
		return
	}

	respondSituation(w, accepted, rejected)
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	startTime := time.Now()

	batch, err := s.manager.Evaluate(chi.URLParam(r, "sessionId"), req.Rules)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, rules.ErrRuleNotFound) {
			// unknown targets are a caller error, not a missing resource
			status = http.StatusBadRequest
		}
		respondError(w, status, "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, EvaluateResponse{
		Rules:          batch,
		EvaluationTime: time.Since(startTime).String(),
	})
}

// Event stream handler: upgrades to a websocket and pushes session events
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := s.manager.Session(sessionID); err != nil {
		respondError(w, statusFor(err), "session not found", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	sock := notify.NewSocket(conn, s.eventBuffer)
	defer sock.Close()

	if err := s.manager.Attach(sessionID, sock); err != nil {
		logger.Warn("session closed before attach", "session_id", sessionID, "error", err)
		return
	}
	logger.Info("event stream attached", "session_id", sessionID)

	// Drain client frames until it disconnects or the writer stops
	go func() {
		<-sock.Done()
		conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	_ = s.manager.Detach(sessionID, sock)
	logger.Info("event stream detached", "session_id", sessionID)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, rules.ErrRulesetNotFound),
		errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists):
		return http.StatusConflict
	case errors.Is(err, adapter.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Helper functions
func respondSituation(w http.ResponseWriter, current situation.Situation, rejected []situation.Rejection) {
	if current == nil {
		current = situation.Situation{}
	}
	if rejected == nil {
		rejected = []situation.Rejection{}
	}
	respondJSON(w, http.StatusOK, SituationResponse{
		Situation: current,
		Rejected:  rejected,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error(message, "status", status, "error", err)
	}
	respondJSON(w, status, response)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	if cfg.MigrateOnStart {
		logger.Info("running migrations")
		if err := migrations.UpPostgres(cfg.DatabaseURL); err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
	}

	// Create server
	server, err := NewServer(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()
	server.eventBuffer = cfg.EventBuffer

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
