// Command tradebot is the entry point for the trading engine. It loads and
// validates configuration, sets up signal handling and runs the configured
// mode. `tradebot encrypt-secret` writes an encrypted broker secret file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/tradebot/internal/app"
	"github.com/alanyoungcy/tradebot/internal/config"
	"github.com/alanyoungcy/tradebot/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-secret" {
		if err := encryptSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (live, paper, backtest, server)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("tradebot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}
	logger.Info("tradebot stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// encryptSecret reads the plaintext secret and password from the
// environment so neither lands in shell history.
func encryptSecret(args []string) error {
	fs := flag.NewFlagSet("encrypt-secret", flag.ContinueOnError)
	out := fs.String("out", "broker_secret.json", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv("TRADEBOT_BROKER_API_SECRET")
	password := os.Getenv("TRADEBOT_BROKER_SECRET_PASSWORD")
	if secret == "" || password == "" {
		return fmt.Errorf("set TRADEBOT_BROKER_API_SECRET and TRADEBOT_BROKER_SECRET_PASSWORD")
	}
	blob, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
