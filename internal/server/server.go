package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

// Middleware wraps an http.Handler and returns a new http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Handler serves a group of routes.
//
// Routes returns [http.ServeMux] patterns, method included, e.g. "GET /auth/status".
type Handler interface {
	http.Handler
	Routes() []string
}

// Router defines the interface for HTTP routing and middleware management.
type Router interface {
	Use(middleware ...Middleware)                     // Use adds middleware to the router's middleware stack
	Handle(method, path string, handler http.Handler) // Handle registers a handler for the specified method and path
	Handler(handler Handler)                          // Handler registers every route of a custom Handler implementation
	ServeHTTP(w http.ResponseWriter, r *http.Request) // ServeHTTP implements http.Handler for the entire router
}

// SessionManager is the part of [sessions.Manager] the HTTP API exposes.
type SessionManager interface {
	Login(ctx context.Context, req sessions.LoginRequest) (*sessions.LoginResult, error)
	Status(ctx context.Context, id string) (*sessions.StatusResult, error)
	List(ctx context.Context) ([]sessions.SessionSummary, error)
	Logout(ctx context.Context, id string) error
	ResolveID(id string) string
	Health() services.HealthStatus
}

var _ SessionManager = (*sessions.Manager)(nil)

const shutdownTimeout = 10 * time.Second

// Server is the tidal-mcp HTTP API.
type Server struct {
	cfg     shared.ServerConfig
	router  *BasicRouter
	logger  *log.Logger
	manager *sessions.Manager
}

// New builds the router with the auth and catalog handlers. batch may be nil to disable batch recommendations.
func New(cfg shared.ServerConfig, manager *sessions.Manager, catalog services.Catalog, batch BatchRecommender, logger *log.Logger) *Server {
	router := NewBasicRouter()
	router.Use(Recover(logger), Logging(logger))
	router.Handler(NewAuthHandler(manager, logger, cfg.HTTPS))
	router.Handler(NewCatalogHandler(catalog, batch, manager, logger))

	return &Server{cfg: cfg, router: router, logger: logger, manager: manager}
}

// Handler returns the root handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run serves until ctx ends, then stops accepting requests and shuts down the session manager.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		s.logger.Debug("routes", "patterns", s.router.Patterns())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down")
	httpErr := srv.Shutdown(shutdownCtx)
	var mgrErr error
	if s.manager != nil {
		mgrErr = s.manager.Shutdown(shutdownCtx)
	}
	return errors.Join(httpErr, mgrErr)
}
