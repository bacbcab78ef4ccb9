package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func BuildRouter(d *Deps) chi.Router {
	if d == nil || d.Handler == nil {
		panic("router handler cannot be nil")
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if d.Logging != nil {
		r.Use(d.Logging.Handler)
	}
	if d.CORS != nil {
		r.Use(d.CORS.Handler())
	}

	// tech endpoints without auth
	r.Get("/healthz", d.Handler.Healthz)
	r.Get("/readiness", d.Handler.Readiness)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	// websocket bypasses gzip; browsers cannot set Authorization on the upgrade
	if d.WS != nil {
		r.Group(func(ws chi.Router) {
			if d.RateLimit != nil {
				ws.Use(d.RateLimit.Handler)
			}
			ws.Handle("/ws", d.WS)
		})
	}

	if d.DevTokens {
		r.Post("/dev/token", d.Handler.MintToken)
	}

	// operator api with rate limit and jwt
	r.Route("/api", func(api chi.Router) {
		if d.Gzip != nil {
			api.Use(d.Gzip.Handler)
		}
		if d.RateLimit != nil {
			api.Use(d.RateLimit.Handler)
		}

		// reads are open when jwt is disabled
		api.Get("/snapshots/{scope}", d.Handler.Snapshot)

		api.Group(func(p chi.Router) {
			if d.JWT != nil {
				p.Use(d.JWT.Handler)
			}
			p.Get("/alerts", d.Handler.ListAlerts)
			p.Post("/alerts/test", d.Handler.CreateTestAlert)
			p.Post("/alerts/{id}/resolve", d.Handler.ResolveAlert)
		})
	})

	return r
}
