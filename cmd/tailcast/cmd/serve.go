package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tailcast/tailcast/pkg/tailcast/config"
	"github.com/tailcast/tailcast/pkg/tailcast/credstore"
	"github.com/tailcast/tailcast/pkg/tailcast/fanout"
	"github.com/tailcast/tailcast/pkg/tailcast/gateway"
	"github.com/tailcast/tailcast/pkg/tailcast/o11y"
	tcotel "github.com/tailcast/tailcast/pkg/tailcast/otel"
	"github.com/tailcast/tailcast/pkg/tailcast/registry"
	"github.com/tailcast/tailcast/pkg/tailcast/shutdown"
	"github.com/tailcast/tailcast/pkg/tailcast/source"
	"github.com/tailcast/tailcast/pkg/tailcast/wire"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tailcast gateway",
	Long: `Start the gateway: tail the configured input, accept WebSocket
clients, and broadcast every new entry to all of them.

Examples:
  tailcast serve
  tailcast serve --config tailcast.yaml
  tailcast serve --log-level debug`,
	RunE: runServe,
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	serveCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := setupLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting tailcast gateway",
		zap.String("listen_addr", cfg.Listen.Addr),
		zap.String("input", cfg.Input.Path),
		zap.Bool("tls", cfg.TLS.Enabled),
	)

	provider := tcotel.NewProvider("tailcast", version)
	obs := o11y.ObservabilityConfig{
		MetricsProvider: provider,
		TracingProvider: provider,
		ServiceName:     "tailcast",
		ServiceVersion:  version,
	}

	return run(cmd.Context(), cfg, logger, obs)
}

// run composes the gateway and blocks until shutdown completes. All
// shared state (credential store, registry) is constructed here and
// passed down by reference; nothing is looked up via globals.
func run(parent context.Context, cfg *config.Config, logger *zap.Logger, obs o11y.ObservabilityConfig) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	metrics := obs.MetricsProvider
	coordinator := shutdown.NewCoordinator(cfg.Shutdown.Timeout, logger)
	reg := registry.NewRegistry(logger, registry.WithMetrics(metrics))

	listenerCfg := gateway.NewListenerConfig().
		WithRegistry(reg).
		WithLogger(logger).
		WithAddr(cfg.Listen.Addr).
		WithQueueSize(cfg.Broadcast.QueueSize).
		WithPingInterval(cfg.Session.PingInterval).
		WithWriteTimeout(cfg.Session.WriteTimeout).
		WithHandshakeTimeout(cfg.Session.HandshakeTimeout).
		WithAuthToken(cfg.Auth.Token).
		WithMetrics(metrics)
	if cfg.Wire.Format == "text" {
		listenerCfg = listenerCfg.WithTextFrames()
	}

	// Credential store and watcher (TLS only). A failed initial load
	// aborts startup; later reload failures keep the previous bundle.
	if cfg.TLS.Enabled {
		store, err := credstore.NewStore(cfg.TLS.CertFile, cfg.TLS.KeyFile,
			credstore.WithStoreLogger(logger),
			credstore.WithStoreMetrics(metrics),
		)
		if err != nil {
			return err
		}
		listenerCfg = listenerCfg.WithTLSConfig(store.TLSConfig())

		watcher := credstore.NewWatcher(store,
			credstore.WithWatcherLogger(logger),
			credstore.WithDebounce(cfg.TLS.Debounce),
		)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Credential watcher stopped", zap.Error(err))
			}
		}()
	}

	listener, err := listenerCfg.Build()
	if err != nil {
		return err
	}

	tailer := source.NewTailer(cfg.Input.Path,
		source.WithLogger(logger),
		source.WithWatch(cfg.Input.Watch),
		source.WithPollInterval(cfg.Input.PollInterval),
	)

	engine, err := fanout.NewEngineConfig().
		WithEvents(tailer.Events()).
		WithEncoder(wire.NewCodec()).
		WithRegistry(reg).
		WithLogger(logger).
		WithOnDrain(coordinator.Trigger).
		WithMetrics(metrics).
		WithTracing(obs.TracingProvider).
		Build()
	if err != nil {
		return err
	}

	if err := listener.Start(); err != nil {
		return fmt.Errorf("failed to bind listener: %w", err)
	}

	tailerErr := make(chan error, 1)
	go func() {
		tailerErr <- tailer.Run(ctx)
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Broadcast engine stopped", zap.Error(err))
		}
	}()

	// Hooks run in reverse registration order: stop the input first,
	// then close the gateway (stop accepting, drain sessions, force
	// close at the deadline).
	coordinator.OnShutdown(listener.Shutdown)
	coordinator.OnShutdown(func(shutdownCtx context.Context) error {
		cancel()
		return nil
	})

	err = coordinator.Wait()
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Drain timed out, sessions were force-closed")
		err = nil
	}

	// Surface a startup-time input failure (missing file etc.) if the
	// tailer already died.
	select {
	case terr := <-tailerErr:
		if terr != nil && !errors.Is(terr, context.Canceled) {
			return terr
		}
	default:
	}

	return err
}

func setupLogger(level string) (*zap.Logger, error) {
	debugFlag := GetDebug()
	verboseFlag := GetVerbose()

	if debugFlag {
		level = "debug"
	} else if verboseFlag && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zapLevel
	zapConfig.Development = debugFlag

	return zapConfig.Build()
}
