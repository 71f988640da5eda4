package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"

	applog "kosbudget/internal/log"
	"kosbudget/internal/middleware/ratelimit"
	"kosbudget/internal/middleware/security"
	"kosbudget/internal/middleware/trace"
	"kosbudget/internal/services"
)

// Options tunes the server's middleware.
type Options struct {
	RateLimitPerMinute int
	TrustedProxies     []string
	Logger             *applog.Logger

	// AllowedOrigins turns on CORS for the listed origins.
	AllowedOrigins []string
}

type Server struct {
	http.Server
	planner *services.Planner
	recalc  *services.Recalculator

	limiter      *ratelimit.Limiter
	tracer       *trace.Middleware
	clientIP     *security.ClientIPResolver
	startedAt    time.Time
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// server. Call Shutdown to release its background goroutines.
func NewServer(addr string, planner *services.Planner, recalc *services.Recalculator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentHTTP)
	}

	resolver := security.NewClientIPResolver()
	for _, cidr := range opts.TrustedProxies {
		if err := resolver.AddTrustedProxy(cidr); err != nil {
			opts.Logger.Warn("Ignoring invalid trusted proxy", "cidr", cidr, applog.FieldError, err)
		}
	}

	rlConfig := ratelimit.DefaultConfig()
	if opts.RateLimitPerMinute > 0 {
		rlConfig.RequestsPerMinute = opts.RateLimitPerMinute
	}

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 16,
		},
		planner:   planner,
		recalc:    recalc,
		limiter:   ratelimit.NewLimiter(rlConfig),
		tracer:    trace.NewMiddleware(resolver.ClientIP),
		clientIP:  resolver,
		startedAt: time.Now(),
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/dashboard", s.handleDashboard)
	api.HandleFunc("PUT /api/budget", s.handleSetBudget)
	api.HandleFunc("GET /api/categories", s.handleListCategories)
	api.HandleFunc("POST /api/categories", s.handleCreateCategory)
	api.HandleFunc("PUT /api/categories/{name}", s.handleSaveCategory)
	api.HandleFunc("DELETE /api/categories/{name}", s.handleDeleteCategory)
	api.HandleFunc("POST /api/expenses", s.handleAddExpense)
	api.HandleFunc("POST /api/recalculate", s.handleRecalculate)
	api.HandleFunc("POST /api/preview", s.handlePreview)
	api.HandleFunc("GET /api/decision-score", s.handleDecisionScore)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("/api/", s.limiter.Middleware(s.rateLimitKey, s.onRateLimited)(api))

	var handler http.Handler = mux
	handler = security.Headers(security.DefaultHeadersConfig())(handler)
	handler = s.tracer.Handler(handler)
	handler = applog.Middleware(opts.Logger)(handler)
	if len(opts.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowedHeaders: []string{"Accept", "Content-Type", HeaderUserID, trace.HeaderRequestID},
			ExposedHeaders: []string{trace.HeaderRequestID, "Retry-After"},
		}).Handler(handler)
	}
	s.Handler = handler

	return s
}

// rateLimitKey buckets requests per user, falling back to the client IP
// for anonymous callers.
func (s *Server) rateLimitKey(r *http.Request) string {
	if id, err := userID(r); err == nil {
		return "user:" + id
	}
	return "ip:" + s.clientIP.ClientIP(r)
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	applog.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		applog.FieldComponent, applog.ComponentRateLimit,
		applog.FieldPath, r.URL.Path,
		applog.FieldClientIP, s.clientIP.ClientIP(r))
	ErrorResponse(r, http.StatusTooManyRequests, "rate limit exceeded, try again later").Write(w)
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
