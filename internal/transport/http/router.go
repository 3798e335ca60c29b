package transporthttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (d *ServerDeps) Router() http.Handler {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(d.Log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", d.HandleHealthz)
	r.Get("/readyz", d.HandleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/groups", func(r chi.Router) {
		r.With(BodyLimit(d.Cfg.MaxBodyBytes), RequireJSON).Post("/", d.HandleCreateGroup)
		r.Get("/", d.HandleListGroups)
		r.Get("/quota", d.HandleQuota)

		r.With(
			APIKeyAuth(d.Cfg.CleanupAPIKeys),
			RateLimitPerMinute(d.Cfg.CleanupRatePerMin, d.Now),
		).Delete("/cleanup", d.HandleCleanup)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", d.HandleGetGroup)
			r.Delete("/end", d.HandleEndGroup)
			r.Post("/join", d.HandleJoin)
			r.Post("/leave", d.HandleLeave)
			r.Post("/heartbeat", d.HandleHeartbeat)
			r.Get("/key", d.HandleGetKey)
		})
	})

	return r
}
