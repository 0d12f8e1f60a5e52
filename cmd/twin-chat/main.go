package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/twin-chat/internal/api/twin"
	"github.com/tjfontaine/twin-chat/internal/config"
	"github.com/tjfontaine/twin-chat/internal/session"
	"github.com/tjfontaine/twin-chat/internal/telemetry"
	"github.com/tjfontaine/twin-chat/internal/tokens"
)

func main() {
	var (
		configPath string
		endpoint   string
		noColor    bool
	)

	rootCmd := &cobra.Command{
		Use:   "twin-chat",
		Short: "Chat with your digital twin from the terminal",
		Long: "twin-chat sends messages to the digital twin chat service and prints " +
			"replies as they stream in. Settings come from twin.yaml and TWIN_ environment variables.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			return run(cmd.Context(), configPath, endpoint)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default twin.yaml if present)")
	rootCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "chat stream URL, overrides config")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, endpoint string) error {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	// Logs go to stderr so they never interleave with the conversation.
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("twin-chat", os.Stderr, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	client := twin.NewClient(
		twin.WithEndpoint(cfg.Endpoint),
		twin.WithUserAgent(cfg.UserAgent),
		twin.WithHTTPClient(twin.NewHTTPClient(twin.TransportConfig{
			ConnectTimeout:        cfg.Timeouts.Connect,
			ResponseHeaderTimeout: cfg.Timeouts.ResponseHeader,
		})),
	)

	ctrl := session.New(client,
		session.WithLogger(logger),
		session.WithMaxLineBytes(cfg.Stream.MaxLineBytes),
		session.WithSubscriberBuffer(cfg.Stream.SubscriberBuffer),
	)
	defer ctrl.Close()

	// Ctrl+C stops the current reply; while idle it exits.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	logger.Debug("starting chat", slog.String("endpoint", cfg.Endpoint))

	r := newREPL(ctrl, tokens.New(cfg.Tokens.Encoding, logger), cfg.Export.Dir, color.Output)
	return r.run(ctx, os.Stdin, interrupts)
}
