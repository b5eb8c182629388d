// Package server is the HTTP surface: publish, push-stream subscribe with gap
// recovery, history, the task engine, blobs, presence, and status.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/basket/workshop/internal/blob"
	"github.com/basket/workshop/internal/hub"
	workshopotel "github.com/basket/workshop/internal/otel"
	"github.com/basket/workshop/internal/persistence"
)

type Config struct {
	Store  *persistence.Store
	Blobs  *blob.Store
	Hub    *hub.Hub
	Logger *slog.Logger

	// Metrics may be nil; the server then skips instrument updates.
	Metrics *workshopotel.Metrics

	MaxBlobBytes      int64
	ConfigFingerprint string
	Version           string

	// Verbose enables per-request logging.
	Verbose bool
}

type Server struct {
	cfg        Config
	logger     *slog.Logger
	instanceID string
	startedAt  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = 50 << 20
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
	}
}

// handlerFunc is a handler that may raise a typed failure; wrap renders it.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.writeError(w, err)
		}
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ch/{ch}", s.wrap(s.handlePublish))
	mux.HandleFunc("GET /ch/{ch}", s.wrap(s.handleChannelSubscribe))
	mux.HandleFunc("HEAD /ch/{ch}", s.wrap(s.handleChannelSubscribe))
	mux.HandleFunc("GET /ch/{ch}/history", s.wrap(s.handleChannelHistory))
	mux.HandleFunc("GET /history", s.wrap(s.handleGlobalHistory))
	mux.HandleFunc("GET /channels", s.wrap(s.handleChannels))

	mux.HandleFunc("POST /tasks", s.wrap(s.handleTaskCreate))
	mux.HandleFunc("GET /tasks", s.wrap(s.handleTaskList))
	mux.HandleFunc("GET /tasks/{id}", s.wrap(s.handleTaskGet))
	mux.HandleFunc("POST /tasks/{id}/claim", s.wrap(s.handleTaskClaim))
	mux.HandleFunc("POST /tasks/{id}/update", s.wrap(s.handleTaskUpdate))
	mux.HandleFunc("POST /tasks/{id}/done", s.wrap(s.handleTaskDone))
	mux.HandleFunc("POST /tasks/{id}/abandon", s.wrap(s.handleTaskAbandon))
	mux.HandleFunc("POST /tasks/{id}/interrupt", s.wrap(s.handleTaskInterrupt))

	mux.HandleFunc("POST /files", s.wrap(s.handleFileUpload))
	mux.HandleFunc("GET /files/{hash}", s.wrap(s.handleFileDownload))

	mux.HandleFunc("POST /presence", s.wrap(s.handlePresenceBeat))
	mux.HandleFunc("GET /presence", s.wrap(s.handlePresenceList))

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /status", s.wrap(s.handleStatus))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /{$}", s.wrap(s.handleRootSubscribe))
	mux.HandleFunc("HEAD /{$}", s.wrap(s.handleRootSubscribe))

	var h http.Handler = mux
	if s.cfg.Verbose {
		h = s.requestLogMiddleware(h)
	}
	return corsMiddleware(h)
}

// requestLogMiddleware logs method, path, status, and duration for every
// request when the verbose toggle is on.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so push streams work through the
// logging middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Store.MessageCount(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
}
