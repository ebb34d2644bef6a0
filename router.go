package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpv1 "github.com/yourorg/valuation-api/http/v1"
)

type RouterConfig struct {
	// RequestsPerMinute per client IP; 0 disables limiting.
	RequestsPerMinute int
	Gatherer          prometheus.Gatherer
}

func BuildRouter(cfg RouterConfig, deps httpv1.Deps) http.Handler {
	r := chi.NewRouter()
	if cfg.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(cfg.RequestsPerMinute, 1*time.Minute)) // protect upstream quota
	}
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"ok":true}`)) })
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	httpv1.Register(r, deps)
	return r
}
