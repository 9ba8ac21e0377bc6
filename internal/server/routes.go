package server

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes mounts the metrics endpoint and the JSON API on r.
func SetupRoutes(r chi.Router, s *Server, opts Options) {
	r.Method("GET", "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Use(middleware.Timeout(10 * time.Second))

		apiRouter.Get("/health", s.healthHandler)
		apiRouter.Route("/devices", func(r chi.Router) {
			r.Get("/", listDevicesHandler(opts.Stats))
			r.Get("/{name}", deviceHandler(opts.Stats))
		})
	})
}
