package apiserver

import (
	"context"
	"net"
	"net/http"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	handlers "github.com/SDU-eScience/UCloud-sub028/internal/handlers/v1"
	"github.com/SDU-eScience/UCloud-sub028/pkg/log"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
	"github.com/SDU-eScience/UCloud-sub028/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ProviderServer answers the callbacks of providers. Only provider principals
// get past its authenticator.
type ProviderServer struct {
	cfg           *config.Config
	handler       *handlers.ServiceHandler
	authenticator auth.Authenticator
	listener      net.Listener
}

func NewProviderServer(
	cfg *config.Config,
	handler *handlers.ServiceHandler,
	authenticator auth.Authenticator,
	listener net.Listener,
) *ProviderServer {
	return &ProviderServer{
		cfg:           cfg,
		handler:       handler,
		authenticator: authenticator,
		listener:      listener,
	}
}

func (s *ProviderServer) Router() http.Handler {
	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("provider_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		middleware.RequestID,
		log.ConditionalLogger(s.cfg.Service.LogLevel, zap.L(), "router_provider"),
		chiMiddleware.Recoverer,
		s.authenticator.Authenticator,
		requireProvider,
	)

	s.handler.RegisterProviderRoutes(router)
	return router
}

func (s *ProviderServer) Run(ctx context.Context) error {
	zap.S().Named("provider_server").Info("Initializing provider-side API server")

	srv := http.Server{Addr: s.cfg.Service.ProviderEndpointAddress, Handler: s.Router()}
	return serve(ctx, "provider_server", &srv, s.listener)
}

func requireProvider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, found := auth.PrincipalFromContext(r.Context())
		if !found {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, isProvider := principal.ProviderID(); !isProvider && !principal.IsSystem() && principal.Role != auth.RoleAdmin {
			http.Error(w, "only providers may call this endpoint", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
