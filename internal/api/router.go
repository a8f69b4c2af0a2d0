package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/callscribe/internal/config"
	"github.com/yegors/callscribe/internal/recording"
	"github.com/yegors/callscribe/internal/storage/sqlite"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

// Router wraps the chi router with the application handlers
type Router struct {
	handler *Handler
	config  *config.Config
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(recordingService *recording.Service, recordingStorage *sqlite.RecordingStorage, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler: NewHandler(recordingService, recordingStorage, cfg, log, wsServer),
		config:  cfg,
		logger:  log.Named("api-router"),
	}
}

// Routes builds the route tree
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(rt.corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.handler.GetHealth)
		r.Get("/status", rt.handler.GetStatus)

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", rt.handler.GetRecordings)
			r.Delete("/", rt.handler.DeleteAllRecordings)
			r.Get("/stats", rt.handler.GetRecordingStats)
			r.Get("/{id}", rt.handler.GetRecordingByID)
			r.Delete("/{id}", rt.handler.DeleteRecording)
			r.Get("/{id}/audio", rt.handler.GetRecordingAudio)
			r.Head("/{id}/audio", rt.handler.GetRecordingAudio)
			r.Post("/{id}/transcribe", rt.handler.TranscribeRecording)
		})

		r.Get("/settings", rt.handler.GetSettings)
		r.Put("/settings", rt.handler.UpdateSettings)

		r.Post("/call/answer", rt.handler.AnswerCall)
		r.Post("/call/decline", rt.handler.DeclineCall)

		r.Get("/ws", rt.handler.HandleWebSocket)
	})

	return r
}

// corsMiddleware applies the configured CORS policy
func (rt *Router) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && rt.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rt *Router) originAllowed(origin string) bool {
	for _, allowed := range rt.config.Server.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
