package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnemo-ai/mnemo/internal/decay"
	"github.com/mnemo-ai/mnemo/internal/orchestrator"
	"github.com/mnemo-ai/mnemo/internal/storage"
)

// Server is the mnemo HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	Orchestrator *orchestrator.Orchestrator
	DecaySvc     *decay.Service
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:           cfg.DB,
		Orchestrator: cfg.Orchestrator,
		DecaySvc:     cfg.DecaySvc,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Conversation surface.
	mux.HandleFunc("POST /chat", h.HandleChat)

	// Memory inspection.
	mux.HandleFunc("GET /memories", h.HandleListMemories)
	mux.HandleFunc("GET /memories/{id}/relations", h.HandleMemoryRelations)
	mux.HandleFunc("POST /memories/{id}/relations", h.HandleUpsertRelation)
	mux.HandleFunc("GET /stats", h.HandleStats)

	// Preferences and entities.
	mux.HandleFunc("GET /preferences", h.HandleListPreferences)
	mux.HandleFunc("GET /entities", h.HandleListEntities)
	mux.HandleFunc("GET /entities/{id}/memories", h.HandleEntityMemories)
	mux.HandleFunc("POST /entities/{id}/confirm", h.HandleConfirmEntity)
	mux.HandleFunc("POST /entities/{id}/merge", h.HandleMergeEntities)

	// Contradictions.
	mux.HandleFunc("GET /contradictions", h.HandleListContradictions)
	mux.HandleFunc("POST /contradictions/{id}/resolve", h.HandleResolveContradiction)

	// Decay.
	mux.HandleFunc("POST /decay/run", h.HandleRunDecay)

	// Event subscription (requires the LISTEN/NOTIFY broker).
	if cfg.Broker != nil {
		mux.HandleFunc("GET /subscribe", cfg.Broker.HandleSubscribe)
	}

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (liveness/readiness split).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			// WriteTimeout must accommodate long SSE streams; the per-turn
			// generator timeout bounds the work instead.
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
