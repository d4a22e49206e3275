// Agent fleet server: multi-tenant conversational agents over a
// decentralized messaging transport.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentfleet/internal/api"
	"github.com/ashureev/agentfleet/internal/config"
	"github.com/ashureev/agentfleet/internal/engine"
	"github.com/ashureev/agentfleet/internal/middleware"
	"github.com/ashureev/agentfleet/internal/payment"
	"github.com/ashureev/agentfleet/internal/registry"
	"github.com/ashureev/agentfleet/internal/runtime"
	"github.com/ashureev/agentfleet/internal/sessions"
	"github.com/ashureev/agentfleet/internal/store"
	"github.com/ashureev/agentfleet/internal/transport"
	"github.com/ashureev/agentfleet/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// The operator key only identifies the deployment; agents sign with
	// their own per-agent keys. Parsing it here fails fast on a bad deploy.
	operator, err := transport.NewKeySigner(cfg.WalletKey)
	if err != nil {
		slog.Error("Invalid operator wallet key", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "transport_env", cfg.TransportEnv,
		"network", cfg.NetworkID, "operator", operator.Identifier())

	// Initialize dependencies.
	fileStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}
	reg := registry.New(fileStore)

	engineClient, err := engine.NewClient(engine.Config{
		BaseURL: cfg.EngineURL,
		APIKey:  cfg.EngineAPIKey,
	})
	if err != nil {
		slog.Error("Failed to initialize engine client", "error", err)
		os.Exit(1)
	}

	provisioner, err := wallet.NewAPIProvisioner(cfg.PaymentAPIKeyID, cfg.PaymentAPIKeySecret, cfg.NetworkID)
	if err != nil {
		slog.Error("Failed to initialize wallet provisioner", "error", err)
		os.Exit(1)
	}

	factory := sessions.NewFactory(fileStore, engineClient, provisioner)

	// Payments need both a node and a bundler; without them paid agents
	// reply ungated.
	var gate *payment.Gate
	if cfg.RPCURL != "" && cfg.BundlerURL != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		reader, err := wallet.DialChainReader(dialCtx, cfg.RPCURL)
		if err != nil {
			cancel()
			slog.Error("Failed to connect to RPC node", "error", err)
			os.Exit(1)
		}
		bundler, err := wallet.DialBundler(dialCtx, cfg.BundlerURL)
		cancel()
		if err != nil {
			slog.Error("Failed to connect to bundler", "error", err)
			os.Exit(1)
		}
		gate = payment.NewGate(fileStore, reader, bundler, cfg.NetworkID)
		slog.Info("Payment gate enabled", "network", cfg.NetworkID)
	} else {
		slog.Info("Payment gate disabled (RPC_URL or BUNDLER_URL not set)")
	}

	supervisor := runtime.NewSupervisor(reg, fileStore, factory, gate,
		transport.NewRelayFactory(cfg.RelayURL), runtime.Options{
			TransportEnv:        cfg.TransportEnv,
			EncryptionKey:       cfg.EncryptionKey,
			DataDir:             cfg.DataDir,
			HealthCheckInterval: cfg.HealthCheckInterval,
		})

	// Resume the fleet before accepting requests so agents that were
	// running at the last shutdown come back without operator action.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	supervisor.BootFleet(bootCtx)
	bootCancel()

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	handler := api.NewAgentHandler(reg, supervisor, gate)
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	supervisor.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
