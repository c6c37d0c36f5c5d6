package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config controls the listener and the shared middleware stack.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	// RequestTimeout bounds non-streaming requests. Zero disables it.
	RequestTimeout time.Duration
	// StreamPaths are exempt from RequestTimeout.
	StreamPaths []string
	ServiceName string
}

type Server struct {
	Router *chi.Mux
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	http   *http.Server
	cancel context.CancelFunc
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "audit-timeline"
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RequestTimeout > 0 {
		r.Use(TimeoutMiddleware(cfg.RequestTimeout, cfg.StreamPaths...))
	}

	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, cfg.ServiceName)
	})

	return &Server{
		Router: r,
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Listen binds the configured address. Port 0 picks a free port.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return ln, nil
}

// Serve handles connections on ln until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	base, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.http = &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv := s.http
	s.mu.Unlock()

	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open streams observe their request context being cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.http, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	return srv.Shutdown(ctx)
}
