package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voicecluster/controlplane/internal/broadcaster"
	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/gatewayhttp"
	"github.com/voicecluster/controlplane/internal/observability"
	"github.com/voicecluster/controlplane/internal/ratelimiter"
	"github.com/voicecluster/controlplane/internal/registry"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voice-gateway",
	Short: "TTS compute-serving cluster gateway",
	Long:  "voice-gateway is the control-plane front for a TTS compute cluster: worker registry, rate limiting, and request forwarding.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			return err
		}

		if cfg.Gateway.LogLevel != "" {
			if l, err := observability.NewLogger(cfg.Gateway.LogLevel); err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			} else {
				logger = l
			}
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP front, registry, and broadcast hub",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	sys := cfg.Gateway.System

	reg := registry.New(logger, metrics, sys.DeadThreshold)
	limiter := ratelimiter.New(sys.GlobalRPM, sys.IPRPM, sys.ConcurrentLimit, sys.RateLimitedPaths)
	hub := broadcaster.New(logger, metrics, nil, sys.BroadcastInterval)
	anns := registry.NewAnnouncementStore()

	health := observability.NewHealthChecker()
	health.RegisterCheck("registry", observability.RegistryHealthCheck(func() observability.ClusterStats {
		stats := reg.GetStats()
		return observability.ClusterStats{Online: stats.Online, Ready: stats.Ready}
	}))
	go health.StartPeriodicChecks(ctx, 10*time.Second)

	srv := gatewayhttp.New(&cfg.Gateway, reg, limiter, hub, anns, health, metrics, logger)
	hub.SetStatusProvider(srv)
	reg.SetBroadcaster(hub)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reg.StartSweeper(gctx, 5*time.Second)
		return nil
	})
	group.Go(func() error {
		// Start launches the broadcast hub itself; see gatewayhttp.Server.Start.
		return srv.Start(gctx)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		srv.Stop(stopCtx)
		cancel()
	}()

	logger.Info("starting voice-gateway",
		zap.String("http_addr", cfg.Gateway.HTTPAddr),
		zap.String("default_engine", string(sys.DefaultEngine)),
	)

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults + env)")
	rootCmd.AddCommand(serveCmd)
}
