package api

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/docconvert/internal/clock"
	"github.com/JakeFAU/docconvert/internal/config"
	"github.com/JakeFAU/docconvert/internal/converter"
	"github.com/JakeFAU/docconvert/internal/metrics"
	"github.com/JakeFAU/docconvert/internal/middleware"
	"github.com/JakeFAU/docconvert/internal/policy/ratelimit"
	"github.com/JakeFAU/docconvert/internal/workspace"
)

// Workspace hands out and reclaims per-request temp files.
type Workspace interface {
	Acquire(id, fromExt, toExt string) (workspace.Job, error)
	WriteInput(job workspace.Job, content string) error
	ReadOutput(job workspace.Job) (string, error)
	Release(job workspace.Job)
}

// RateLimiter admits or rejects a request for a client key.
type RateLimiter interface {
	Allow(key string) ratelimit.Decision
}

// IDGenerator produces unique request tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// readinessChecker is implemented by converters that can report whether their
// backing binary is usable.
type readinessChecker interface {
	Available() error
	Version(ctx context.Context) (string, error)
}

// Server wires HTTP handlers to the workspace and converter.
type Server struct {
	router    chi.Router
	workspace Workspace
	converter converter.Converter
	limiter   RateLimiter
	idGen     IDGenerator
	clock     clock.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil limiter
// disables rate limiting.
func NewServer(
	ws Workspace,
	conv converter.Converter,
	limiter RateLimiter,
	idGen IDGenerator,
	clk clock.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	metrics.Init()

	s := &Server{
		workspace: ws,
		converter: conv,
		limiter:   limiter,
		idGen:     idGen,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	if cfg.Server.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(s.requestIDMiddleware)
	r.Use(middleware.Metrics)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	// Every request counts against the quota, CORS preflights included.
	r.Use(s.rateLimitMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After", "RateLimit-Limit", "RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/health", s.health)
	r.Get("/readyz", s.readyz)
	r.Get("/formats", s.formats)
	r.Post("/convert", s.handle(s.convert))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handlerFunc is a handler that may fail with an unclassified error.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts h, answering any returned error with the generic 500 and
// keeping the detail in the server log.
func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.logger.Error("unhandled error",
				zap.String("request_id", requestID(r.Context())),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			s.respondError(w, http.StatusInternalServerError, "Something broke!")
		}
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			s.logger.Warn("request id generation failed", zap.Error(err))
		} else {
			w.Header().Set("X-Request-ID", reqID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
				panic(rec)
			}
			s.logger.Error("panic recovered",
				zap.String("request_id", requestID(r.Context())),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			s.respondError(w, http.StatusInternalServerError, "Something broke!")
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		decision := s.limiter.Allow(clientKey(r))
		w.Header().Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retry := int(math.Ceil(decision.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			metrics.ObserveRateLimited()
			s.respondError(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by IP. With RealIP enabled RemoteAddr may
// already be a bare address.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
