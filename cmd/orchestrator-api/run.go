package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	apiserver "github.com/SDU-eScience/UCloud-sub028/internal/api_server"
	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/events"
	handlers "github.com/SDU-eScience/UCloud-sub028/internal/handlers/v1"
	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/SDU-eScience/UCloud-sub028/internal/service"
	"github.com/SDU-eScience/UCloud-sub028/internal/storage"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddress string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator api",
	RunE: func(cmd *cobra.Command, args []string) error {
		startedAt := time.Now()

		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		undo := setupLogging(cfg)
		defer undo()

		zap.S().Info("Starting API service")
		defer zap.S().Info("API service stopped")

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		store := store.NewStore(db)
		defer store.Close()

		if cfg.Service.MigrationFolder == "" {
			if err := store.InitialMigration(cmd.Context()); err != nil {
				zap.S().Fatalw("running initial migration", "error", err)
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		var tokens *auth.TokenService
		var tokenSource provider.TokenSource
		if cfg.Service.Auth.JwtSecret != "" {
			if tokens, err = auth.NewTokenService(cfg.Service.Auth.JwtSecret); err != nil {
				zap.S().Fatalw("creating token service", "error", err)
			}
			tokenSource = tokens
		}

		authenticator, err := auth.NewAuthenticator(cfg.Service.Auth, tokens)
		if err != nil {
			zap.S().Fatalw("creating authenticator", "error", err)
		}

		files, err := storage.NewBackend(ctx, cfg)
		if err != nil {
			zap.S().Fatalw("creating storage backend", "error", err)
		}

		producer := events.NewEventProducer(&events.StdoutWriter{})
		defer func() { _ = producer.Close() }()

		registry := provider.NewRegistry(provider.NewStoreDirectory(store.Provider()), provider.NewDefaultCallRegistry(), tokenSource, provider.NewRegistryOptions(cfg))

		jobs, err := service.NewJobService(store, registry, files, producer, cfg)
		if err != nil {
			zap.S().Fatalw("creating job service", "error", err)
		}
		follows := service.NewFollowService(jobs, cfg)
		resources := service.NewResourceServices(store, registry, producer, cfg)

		var replay *service.ReplayService
		if cfg.Jobs.ReplayOnStart {
			replay = service.NewReplayService(jobs, startedAt)
		}
		go service.NewWorker(jobs, replay, cfg.Jobs.SweepInterval).Run(ctx)

		h := handlers.NewServiceHandler(jobs, follows, resources)

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, h, authenticator, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("Error running server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.ProviderEndpointAddress)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.NewProviderServer(cfg, h, authenticator, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("Error running provider server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(metricsAddress)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			metricsServer := apiserver.NewMetricServer(metricsAddress, listener)
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Fatalw("Error running metrics server", "error", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&metricsAddress, "metrics-address", ":8080", "Address the prometheus metrics are served on")
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
