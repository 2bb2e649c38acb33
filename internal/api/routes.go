package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/yegors/hilo-recorder/internal/config"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     config.ServerConfig
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(handler *Handler, config config.ServerConfig, log *logger.Logger) *Router {
	return &Router{
		handler:    handler,
		middleware: NewMiddleware(log),
		config:     config,
		logger:     log.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.CORSAllowedOrigins))

	router.Route("/api/v1", func(router chi.Router) {
		router.Get("/health", r.handler.GetHealth)

		// Session intents
		router.Get("/session", r.handler.GetSession)
		router.Post("/session/start", r.handler.StartSession)
		router.Post("/session/pause", r.handler.PauseSession)
		router.Post("/session/resume", r.handler.ResumeSession)
		router.Post("/session/stop", r.handler.StopSession)
		router.Post("/session/discard", r.handler.DiscardSession)
		router.Post("/session/photo", r.handler.CapturePhoto)
		router.Post("/session/camera", r.handler.SwitchCamera)

		router.Get("/preferences", r.handler.GetPreferences)
		router.Put("/preferences", r.handler.UpdatePreferences)

		// Local history
		router.Get("/sessions", r.handler.GetSessions)

		// Event feed
		router.Get("/ws", r.handler.HandleWebSocket)
	})

	return router
}
