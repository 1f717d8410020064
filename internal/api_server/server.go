package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	handlers "github.com/SDU-eScience/UCloud-sub028/internal/handlers/v1"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
	"github.com/SDU-eScience/UCloud-sub028/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg           *config.Config
	handler       *handlers.ServiceHandler
	authenticator auth.Authenticator
	listener      net.Listener
}

// New returns the server answering end users.
func New(
	cfg *config.Config,
	handler *handlers.ServiceHandler,
	authenticator auth.Authenticator,
	listener net.Listener,
) *Server {
	return &Server{
		cfg:           cfg,
		handler:       handler,
		authenticator: authenticator,
		listener:      listener,
	}
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://*"},
			AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	router.Get("/health", s.handler.Health)
	router.Group(func(r chi.Router) {
		r.Use(s.authenticator.Authenticator)
		s.handler.RegisterUserRoutes(r)
	})
	return router
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: s.Router()}
	return serve(ctx, "api_server", &srv, s.listener)
}

func serve(ctx context.Context, name string, srv *http.Server, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		zap.S().Named(name).Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named(name).Info("server terminated")
	}()

	zap.S().Named(name).Infof("Listening on %s...", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
