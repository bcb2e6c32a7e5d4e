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

	"github.com/voicecluster/controlplane/internal/config"
	"github.com/voicecluster/controlplane/internal/observability"
	"github.com/voicecluster/controlplane/internal/voicestore"
	"github.com/voicecluster/controlplane/internal/workerrt"
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
	Use:   "voice-worker",
	Short: "TTS compute worker process",
	Long:  "voice-worker runs a single engine adapter, registers with a gateway, and serves synthesize/extract_voice requests.",
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

		if engineFlag != "" {
			cfg.Worker.Engine = config.Engine(engineFlag)
		}
		if !config.ValidEngine(cfg.Worker.Engine) {
			return fmt.Errorf("unknown engine: %s", cfg.Worker.Engine)
		}

		if cfg.Worker.LogLevel != "" {
			if l, err := observability.NewLogger(cfg.Worker.LogLevel); err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			} else {
				logger = l
			}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine adapter and register with the gateway",
	RunE:  runWorker,
}

var engineFlag string

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	store, err := voicestore.New(cfg.Worker.VoicesDir, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize voice store: %w", err)
	}

	adapter, err := workerrt.NewAdapter(cfg.Worker.Engine, cfg.Worker.UpstreamURL)
	if err != nil {
		return fmt.Errorf("failed to build engine adapter: %w", err)
	}

	rt := workerrt.New(cfg, adapter, store, metrics, logger, 8)

	rt.RegisterOnStart(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		rt.HeartbeatLoop(gctx, 10*time.Second)
		return nil
	})
	group.Go(func() error {
		return rt.Start(gctx)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		rt.Stop(context.Background(), 10*time.Second)
		cancel()
	}()

	logger.Info("starting voice-worker",
		zap.String("engine", string(cfg.Worker.Engine)),
		zap.String("host", cfg.Worker.Host),
		zap.Int("port", cfg.Worker.Port),
	)

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults + env)")
	rootCmd.PersistentFlags().StringVar(&engineFlag, "engine", "", "engine to run: xtts, openvoice, or gpt-sovits (overrides config)")
	rootCmd.AddCommand(runCmd)
}
