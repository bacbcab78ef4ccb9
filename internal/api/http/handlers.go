package http

import (
	"net/http"

	"hcfstream/internal/api/http/handlers"
	"hcfstream/internal/api/http/mw"
)

// Deps is everything the router mounts; nil middlewares are skipped
type Deps struct {
	Handler *handlers.Handler
	WS      http.Handler // websocket gateway, /ws
	Metrics http.Handler // prometheus, /metrics

	// ---- middlewares ----
	Logging   *mw.LoggingMiddleware
	Gzip      *mw.GzipMiddleware
	CORS      *mw.CORSMiddleware
	RateLimit *mw.RateLimitMiddleware
	JWT       *mw.JWTMiddleware
	// ---- middlewares ----

	// DevTokens mounts POST /dev/token; never enable in production
	DevTokens bool
}
