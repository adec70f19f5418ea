package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/analytics"
	"github.com/kaadipranav/watchllm/config"
	"github.com/kaadipranav/watchllm/metrics"
	"github.com/kaadipranav/watchllm/provider"
	"github.com/kaadipranav/watchllm/server"
	"github.com/kaadipranav/watchllm/state"
	"github.com/kaadipranav/watchllm/usage"
	"github.com/kaadipranav/watchllm/utils"
	"github.com/kaadipranav/watchllm/vault"
)

// newStateManager connects to Valkey when an endpoint is configured and falls
// back to the in-process store otherwise. Single-replica deployments work
// without any external dependency.
func newStateManager(cfg *config.Config, logger *zap.SugaredLogger) (state.Manager, func(), error) {
	if cfg.ValkeyEndpoint == "" {
		logger.Infow("No Valkey endpoint configured, using in-memory state",
			"memoryLimitBytes", cfg.MemoryLimitBytes)
		states, cleanup := state.NewMemoryManager(cfg.MemoryLimitBytes)
		return states, cleanup, nil
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	logger.Infow("Connected to Valkey", "endpoint", cfg.ValkeyEndpoint)
	return state.NewValkeyManager(client), client.Close, nil
}

func newKeyVault(cfg *config.Config, states state.Manager, logger *zap.SugaredLogger) (*vault.Vault, error) {
	if cfg.MasterKey == "" {
		logger.Info("No master key configured, tenant-supplied provider keys disabled")
		return nil, nil
	}
	cipher, err := vault.NewCipherFromString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %v", err)
	}
	return vault.New(states, cipher, logger), nil
}

// newTelemetry wires the usage log and event queue against ClickHouse when an
// endpoint is configured; otherwise usage goes to the structured log and
// events are dropped into the dead-letter store.
func newTelemetry(cfg *config.Config, logger *zap.SugaredLogger) (*usage.AsyncLogger, *analytics.Queue, error) {
	dlq := analytics.NewDeadLetterStore()

	if cfg.ClickHouse.Endpoint == "" {
		logger.Info("No ClickHouse endpoint configured, usage goes to the log only")
		usageLog := usage.NewAsyncLogger(usage.NewLogWriter(logger), logger)
		return usageLog, nil, nil
	}

	sink, err := analytics.NewClickHouseSink(cfg.ClickHouse.Endpoint, cfg.ClickHouse.User, cfg.ClickHouse.Password, logger)
	if err != nil {
		return nil, nil, err
	}
	usageLog := usage.NewAsyncLogger(analytics.NewUsageWriter(sink), logger)
	events := analytics.NewQueue(sink, dlq, logger)
	logger.Infow("Connected analytics warehouse", "endpoint", cfg.ClickHouse.Endpoint)
	return usageLog, events, nil
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	states, cleanup, err := newStateManager(cfg, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create state manager", "error", err)
	}

	keyVault, err := newKeyVault(cfg, states, sugar)
	if err != nil {
		sugar.Fatalw("Failed to open key vault", "error", err)
	}

	upstream, err := provider.NewEndpoint(cfg.Upstream.Name, cfg.Upstream.BaseUrl, cfg.Upstream.ApiKey, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create upstream client", "error", err)
	}

	usageLog, events, err := newTelemetry(cfg, sugar)
	if err != nil {
		sugar.Fatalw("Failed to wire analytics", "error", err)
	}

	gauges, err := metrics.New()
	if err != nil {
		sugar.Fatalw("Failed to register metrics", "error", err)
	}

	gateway := server.NewGateway(cfg, states, cleanup, upstream, keyVault, usageLog, events, gauges, sugar)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(gateway.Router()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Errorw("Server forced to shutdown", "error", err)
		}
		gateway.Shutdown()
	}()

	sugar.Infow("Starting server", "address", address, "upstream", cfg.Upstream.Name)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
