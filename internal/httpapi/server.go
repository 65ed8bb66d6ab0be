// Package httpapi exposes the storefront over HTTP with JSON responses.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/catalog"
	"github.com/bookstore/services/storefront/internal/metrics"
	"github.com/bookstore/services/storefront/internal/paths"
	"github.com/bookstore/services/storefront/internal/purchase"
	"github.com/bookstore/services/storefront/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	requestTimeout  = 30 * time.Second
	multipartMemory = 8 << 20
)

// Options wires the router.
type Options struct {
	Catalog   *catalog.Service
	Purchases *purchase.Service
	Callbacks *purchase.CallbackHandler
	Tokens    *auth.Tokens

	// CallbackLimiter throttles payment confirmations per client IP.
	CallbackLimiter ratelimit.Limiter

	MaxUploadBytes int64

	// TrustProxyHeaders applies X-Forwarded-For and X-Real-IP to the client
	// address. Leave it off unless a proxy in front overwrites them.
	TrustProxyHeaders bool

	// Health reports whether dependencies are reachable. Nil means always healthy.
	Health func(ctx context.Context) error

	Logger *zap.Logger
}

// Server holds the handlers' dependencies.
type Server struct {
	catalog         *catalog.Service
	purchases       *purchase.Service
	callbacks       *purchase.CallbackHandler
	callbackLimiter ratelimit.Limiter
	maxUploadBytes  int64
	health          func(ctx context.Context) error
	log             *zap.Logger
}

// NewRouter builds the HTTP handler for the storefront.
func NewRouter(opts Options) http.Handler {
	s := &Server{
		catalog:         opts.Catalog,
		purchases:       opts.Purchases,
		callbacks:       opts.Callbacks,
		callbackLimiter: opts.CallbackLimiter,
		maxUploadBytes:  opts.MaxUploadBytes,
		health:          opts.Health,
		log:             opts.Logger,
	}
	if s.callbackLimiter == nil {
		s.callbackLimiter = ratelimit.Unlimited{}
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = 50 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(s.log), middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		fail(w, http.StatusNotFound, "Page not found.", paths.Home)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		fail(w, http.StatusMethodNotAllowed, "Invalid request method.", paths.Home)
	})

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authenticate(opts.Tokens, s.log))

		r.Get("/", s.home)

		r.Route("/books", func(r chi.Router) {
			r.Get("/list", s.listBooks)
			r.Get("/book/{id}", s.bookDetail)
			r.Post("/payment/callback", s.paymentCallback)

			r.Group(func(r chi.Router) {
				r.Use(requireUser)
				r.Post("/upload", s.uploadBook)
				r.Get("/book/{id}/read", s.readBook)
				r.Get("/fullscreen_reader", s.fullscreenReader)
				r.Get("/book/{id}/download", s.downloadBook)
				r.Post("/book/{id}/order/{orderType}", s.createOrder)
				r.Post("/book/{id}/add_review", s.addReview)
			})
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/dashboard", s.dashboard)
			r.Get("/profile", s.profile)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.log.Warn("Health check failed", zap.Error(err))
			fail(w, http.StatusServiceUnavailable, "unhealthy", "")
			return
		}
	}
	ok(w, http.StatusOK, "", "", nil)
}
