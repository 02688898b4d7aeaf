package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	nl2sql "github.com/nadeem4/nl2sql-sub001"
	"github.com/nadeem4/nl2sql-sub001/adapters"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/llm"
)

// Config sizes the HTTP server.
type Config struct {
	Addr string
	// APIKey enables authentication when non-empty.
	APIKey string
	// RateLimitRPS enables per-client rate limiting when positive.
	RateLimitRPS float64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP surface over one engine.
type Server struct {
	engine *nl2sql.Engine
	logger core.Logger
	http   *http.Server
}

// New builds the server with its middleware chain and routes.
func New(engine *nl2sql.Engine, logger core.Logger, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Query requests can legitimately run up to the global timeout.
		cfg.WriteTimeout = 5 * time.Minute
	}

	s := &Server{engine: engine, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /index/{id}", s.handleIndex)
	mux.HandleFunc("POST /index-all", s.handleIndexAll)
	mux.HandleFunc("DELETE /index", s.handleClearIndex)
	mux.HandleFunc("POST /datasource", s.handleAddDatasource)
	mux.HandleFunc("GET /datasource", s.handleListDatasources)
	mux.HandleFunc("POST /llm", s.handleConfigureLLM)
	mux.HandleFunc("GET /llm", s.handleListLLMs)
	mux.HandleFunc("GET /llm/{name}", s.handleGetLLM)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	handler := Chain(mux,
		Recovery(logger),
		CorrelationID(),
		RequestLogging(logger),
		CORS(),
		APIKeyAuth(cfg.APIKey),
		RateLimit(cfg.RateLimitRPS, 0),
	)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"operation": "http_listen",
		"addr":      s.http.Addr,
	})
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type queryRequest struct {
	Query        string            `json:"query"`
	DatasourceID string            `json:"datasource_id,omitempty"`
	Execute      *bool             `json:"execute,omitempty"`
	UserContext  *core.UserContext `json:"user_context,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty query field")
		return
	}
	if req.DatasourceID != "" && !s.engine.HasDatasource(req.DatasourceID) {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}

	opts := nl2sql.QueryOptions{DatasourceID: req.DatasourceID, Execute: true}
	if req.Execute != nil {
		opts.Execute = *req.Execute
	}
	if req.UserContext != nil {
		opts.User = *req.UserContext
	}

	writeJSON(w, http.StatusOK, s.engine.RunQuery(r.Context(), req.Query, opts))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.engine.HasDatasource(id) {
		writeError(w, http.StatusNotFound, "datasource not found")
		return
	}
	stats, err := s.engine.IndexDatasource(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "indexing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIndexAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.IndexAllDatasources(r.Context()))
}

func (s *Server) handleClearIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearIndex(r.Context()); err != nil {
		s.internalError(w, r, "clearing the index failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleAddDatasource(w http.ResponseWriter, r *http.Request) {
	var cfg struct {
		adapters.DatasourceConfig
		Connection map[string]string `json:"connection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil || cfg.ID == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with id and connection fields")
		return
	}
	dsCfg := cfg.DatasourceConfig
	dsCfg.Connection = cfg.Connection
	if err := s.engine.AddDatasource(r.Context(), dsCfg); err != nil {
		if core.IsConfigurationError(err) {
			writeError(w, http.StatusBadRequest, "invalid datasource configuration")
			return
		}
		s.internalError(w, r, "registering the datasource failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": dsCfg.ID})
}

func (s *Server) handleListDatasources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"datasources": s.engine.ListDatasources()})
}

func (s *Server) handleConfigureLLM(w http.ResponseWriter, r *http.Request) {
	var cfg llm.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON agent configuration")
		return
	}
	if err := s.engine.ConfigureLLM(cfg); err != nil {
		if core.IsConfigurationError(err) {
			writeError(w, http.StatusBadRequest, "invalid agent configuration")
			return
		}
		s.internalError(w, r, "registering the agent failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": cfg.Name})
}

func (s *Server) handleListLLMs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.engine.ListLLMs()})
}

func (s *Server) handleGetLLM(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.GetLLM(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, core.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.internalError(w, r, "loading the agent failed", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ValidateConfiguration(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "configuration invalid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// internalError logs the cause and answers with a sanitized message:
// upstream error text never reaches clients.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error("Request failed", map[string]interface{}{
		"operation": "http_error",
		"path":      r.URL.Path,
		"error":     err.Error(),
	})
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
