// Package api serves the queue over HTTP with JSON bodies.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/queue"
)

// NewRouter wires every route onto b.
func NewRouter(b queue.Backend, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{backend: b, log: logger}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(logger))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", h.health)

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/jobs", h.enqueue)
		rtr.Post("/jobs/batch", h.enqueueBatch)
		rtr.Get("/jobs", h.list)
		rtr.Route("/jobs/{id}", func(rtr chi.Router) {
			rtr.Get("/", h.get)
			rtr.Patch("/", h.update)
			rtr.Delete("/", h.delete)
			rtr.Post("/complete", h.complete)
			rtr.Post("/fail", h.failJob)
			rtr.Post("/release", h.release)
		})
		rtr.Get("/correlations/{cid}", h.getByCorrelation)
		rtr.Post("/lease", h.lease)
		rtr.Get("/stats", h.stats)
	})
	return rtr
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
