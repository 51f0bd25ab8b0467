package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stashfs/stashd/internal/config"
	"github.com/stashfs/stashd/internal/logger"
	"github.com/stashfs/stashd/internal/metrics"
	"github.com/stashfs/stashd/internal/server"
	"github.com/stashfs/stashd/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start [port] [connection-queue-capacity]",
	Short: "Start the stashd server",
	Long: `Start the stashd server with the specified configuration.

Positional arguments override the corresponding configuration values:
  [port]                       overrides server.addr's port
  [connection-queue-capacity]  overrides pool.connection_queue_capacity

Examples:
  # Start with the config file's settings
  stashd start

  # Start with custom config file
  stashd start --config /etc/stashd/config.yaml

  # Override the listen port and connection queue capacity
  stashd start 10990 128`,
	Args: cobra.MaximumNArgs(2),
	RunE: runStart,
}

var (
	startLogLevel  string
	startLogFormat string
)

func init() {
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	startCmd.Flags().StringVar(&startLogFormat, "log-format", "", "override logging.format (text, json)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if startLogLevel != "" {
		cfg.Logging.Level = strings.ToUpper(startLogLevel)
	}
	if startLogFormat != "" {
		cfg.Logging.Format = startLogFormat
	}

	if len(args) >= 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			host = ""
		}
		cfg.Server.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if len(args) == 2 {
		capacity, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid connection-queue-capacity %q: %w", args[1], err)
		}
		cfg.Pool.ConnQueueCapacity = capacity
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.With("component", "stashd")

	st, err := store.Open(store.Config{Path: cfg.Storage.DatabasePath})
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer st.Close()

	m, reg := metrics.New()

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		ConnQueueCapacity: cfg.Pool.ConnQueueCapacity,
		TaskQueueCapacity: cfg.Pool.TaskQueueCapacity,
		HandlerCount:      cfg.Pool.HandlerCount,
		WorkerCount:       cfg.Pool.WorkerCount,
		StorageRoot:       cfg.Storage.Root,
		FileLockCapacity:  cfg.Storage.FileLockCapacity,
	}, st, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg)}
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", logger.Err(err))
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("server is running, press Ctrl+C to stop", "addr", cfg.Server.Addr)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		log.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			log.Error("server shutdown error", logger.Err(err))
			return err
		}
		log.Info("server stopped gracefully")
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			log.Error("server error", logger.Err(err))
			return err
		}
		log.Info("server stopped")
	}

	return nil
}
