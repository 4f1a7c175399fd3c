package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/assistant-client/internal/middleware"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
)

// RouterConfig wires the gateway's dependencies.
type RouterConfig struct {
	Backend  Backend
	Sessions SessionStarter

	// Audit and NATS are nil when the audit log is disabled.
	Audit AuditLog
	NATS  ConnectionChecker

	DefaultModel      string
	AuthEnabled       bool
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
	StreamHeartbeat   time.Duration

	Logger *logger.Logger
}

// NewRouter builds the gateway HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrGlobal(cfg.Logger)

	healthHandler := NewHealthHandler(cfg.Backend, cfg.NATS)
	conversationHandler := NewConversationHandler(cfg.Backend, cfg.Audit, log)
	messageHandler := NewMessageHandler(cfg.Backend, cfg.DefaultModel, log)
	resourceHandler := NewResourceHandler(cfg.Backend, log)
	streamHandler := NewStreamHandler(cfg.Sessions, cfg.Audit, cfg.DefaultModel, cfg.StreamHeartbeat, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Post("/chat", messageHandler.Send)
		r.Post("/chat/stream", streamHandler.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Delete("/", conversationHandler.Delete)
				r.Group(func(r chi.Router) {
					if cfg.AuthEnabled {
						r.Use(middleware.RequireScope(middleware.ScopeAudit))
					}
					r.Get("/events", conversationHandler.Events)
				})
			})
		})

		r.Get("/models", resourceHandler.Models)

		r.Route("/memories", func(r chi.Router) {
			r.Get("/", resourceHandler.Memories)
			r.Get("/search", resourceHandler.SearchMemories)
			r.Delete("/{id}", resourceHandler.DeleteMemory)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", resourceHandler.Tasks)
			r.Put("/{id}", resourceHandler.UpdateTask)
			r.Delete("/{id}", resourceHandler.DeleteTask)
			r.Get("/{id}/executions", resourceHandler.TaskExecutions)
		})
	})

	return r
}
