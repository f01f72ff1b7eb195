package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/syncflowapp/syncflow-go/internal/config"
	"github.com/syncflowapp/syncflow-go/internal/engine"
	"github.com/syncflowapp/syncflow-go/internal/logging"
)

var Version = "dev"

func main() {
	logout := len(os.Args) > 1 && os.Args[1] == "logout"

	if err := run(logout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(logout bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.DeviceName)
	logger.Info("syncflow-agent starting",
		slog.String("version", Version),
		slog.String("relay", cfg.RelayURL),
		slog.Bool("e2e", cfg.EncryptionEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg, engine.Options{}, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	if logout {
		if err := eng.Auth().Logout(ctx); err != nil {
			return fmt.Errorf("logging out: %w", err)
		}
		logger.Info("logged out, session cleared")
		return nil
	}

	if err := ensureSession(ctx, eng, cfg, logger); err != nil {
		return err
	}

	return eng.Run(ctx)
}

// ensureSession pairs the device when no session is stored yet.
func ensureSession(ctx context.Context, eng *engine.Engine, cfg *config.Config, logger *slog.Logger) error {
	if eng.Auth().Session() != nil {
		logger.Debug("using stored session", slog.String("device_id", eng.Auth().DeviceID()))
		return nil
	}

	if cfg.Email == "" || cfg.Password == "" {
		return fmt.Errorf("no stored session, set SYNCFLOW_EMAIL and SYNCFLOW_PASSWORD to pair this device")
	}

	logger.Info("pairing device", slog.String("email", cfg.Email))

	sess, err := eng.Auth().Authenticate(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return fmt.Errorf("pairing device: %w", err)
	}

	logger.Info("device paired",
		slog.String("user_id", sess.UserID),
		slog.String("device_id", sess.DeviceID),
	)

	return nil
}
