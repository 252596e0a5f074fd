/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RealIP, RequestID: Client address and a unique ID per request
  2. Request logging:   slog line per request with status and duration
  3. Recoverer:         Panic recovery (500 instead of crash)
  4. Timeout:           Per-request deadline
  5. Secure headers:    unrolled/secure
  6. CORS:              Cross-origin requests for frontends
  7. Rate limit:        httprate, per client IP
  8. Auth:              Bearer token -> stock.Actor (API routes only)

ROUTE GROUPS:
  /healthz               Liveness + store ping
  /api/items/*           Item master
  /api/warehouses/*      Warehouse tree
  /api/stock-entries/*   Stock Entry lifecycle
  /api/reports/*         Stock balance and stock ledger
  /api/scenarios/*       Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Auth               *Authenticator
	AllowedOrigins     []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	Production         bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        opts.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      !opts.Production,
	})

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(secureMiddleware.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.Limit(opts.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)

		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
		})

		r.Route("/warehouses", func(r chi.Router) {
			r.Get("/", h.ListWarehouses)
			r.Post("/", h.CreateWarehouse)
			r.Get("/{id}", h.GetWarehouse)
			r.Get("/{id}/children", h.WarehouseChildren)
		})

		r.Route("/stock-entries", func(r chi.Router) {
			r.Get("/", h.ListStockEntries)
			r.Post("/", h.ValidateStockEntry)
			r.Get("/{id}", h.GetStockEntry)
			r.Get("/{id}/ledger", h.GetStockEntryLedger)
			r.Post("/{id}/submit", h.SubmitStockEntry)
			r.Post("/{id}/cancel", h.CancelStockEntry)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/stock-balance", h.StockBalance)
			r.Get("/stock-ledger", h.StockLedger)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.InfoContext(r.Context(), "http request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
