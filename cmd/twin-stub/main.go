package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/twin-chat/internal/config"
	"github.com/tjfontaine/twin-chat/internal/stubserver"
	"github.com/tjfontaine/twin-chat/internal/telemetry"
)

func main() {
	var (
		configPath string
		port       int
		delay      time.Duration
	)

	rootCmd := &cobra.Command{
		Use:          "twin-stub",
		Short:        "Serve a local stand-in for the digital twin chat service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if it exists
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Stub.Port = port
			}
			if cmd.Flags().Changed("delay") {
				cfg.Stub.Delay = delay
			}
			return serve(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default twin.yaml if present)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 8000, "listen port")
	rootCmd.Flags().DurationVar(&delay, "delay", 30*time.Millisecond, "pause between streamed words")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("twin-stub", os.Stderr, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	s := stubserver.New(logger, stubserver.WithDelay(cfg.Stub.Delay))
	if err := s.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Stub.Port)); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
