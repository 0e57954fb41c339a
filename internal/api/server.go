// Package api exposes the task manager over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/aristath/taskd/internal/persistence"
	"github.com/aristath/taskd/internal/task"
	"github.com/aristath/taskd/internal/taskmanager"
)

// TaskService is the part of *taskmanager.Manager the API serves.
type TaskService interface {
	Submit(ctx context.Context, name, taskType string, params any, opts ...taskmanager.SubmitOption) (string, error)
	Cancel(id string) bool
	Get(id string) (*task.Task, bool)
	Tasks() []*task.Task
	Stats() taskmanager.Stats
	HandlerTypes() []string
	SubmitRecurring(schedule, name, taskType string, params any, opts ...taskmanager.SubmitOption) (cron.EntryID, error)
	RemoveRecurring(id cron.EntryID)
	Recurring() []cron.Entry
}

// Config configures a Server.
type Config struct {
	Service    TaskService
	Repository persistence.Repository // Optional; enables stored lookups and /stats/persisted
	Logger     zerolog.Logger
	// SubmitRate limits submissions per second across all clients; 0 disables.
	SubmitRate  float64
	SubmitBurst int
}

// Server holds the HTTP handlers.
type Server struct {
	svc     TaskService
	repo    persistence.Repository
	logger  zerolog.Logger
	limiter *rate.Limiter
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		svc:    cfg.Service,
		repo:   cfg.Repository,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}
	return s
}

// Routes builds the router with logging, recovery and rate limiting applied.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/handlers", s.listHandlers)

	r.Route("/tasks", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.submitTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.cancelTask)
	})

	r.Route("/recurring", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.submitRecurring)
		r.Get("/", s.listRecurring)
		r.Delete("/{entryID}", s.removeRecurring)
	})

	r.Get("/stats", s.stats)
	r.Get("/stats/persisted", s.persistedStats)

	return r
}

// rateLimit rejects requests beyond the configured submission rate with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondError(w, r, http.StatusTooManyRequests, "submission rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
