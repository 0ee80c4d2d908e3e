package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sengine/sengine/internal/app/bootstrap"
	"github.com/sengine/sengine/internal/config"
	"github.com/sengine/sengine/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting drip worker", "env", cfg.Env, "port", cfg.Port)

	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		logger.Error("drip worker requires TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.NewRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := bootstrap.NewSupervisor(rt).Run(ctx); err != nil {
		logger.Error("worker exited with fatal error", "error", err)
		os.Exit(1)
	}
}
