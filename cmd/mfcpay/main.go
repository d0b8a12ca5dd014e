package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"mfcpay/internal/cache"
	"mfcpay/internal/cli"
	apphttp "mfcpay/internal/http"
	"mfcpay/internal/log"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	be := cli.InitBackend(startCtx, logger, cfg)

	svc := cli.NewPayrollService(cfg, be, logger)
	if err := svc.Hydrate(startCtx); err != nil {
		cancelStart()
		logger.Error("Failed to load state", log.FieldError, err, log.FieldOperation, log.OpHydrate)
		_ = be.Close()
		os.Exit(1)
	}
	cancelStart()

	caches := cache.NewManager(logger)
	caches.Register("breakdowns", svc.Cache())

	srv := apphttp.NewServer(":"+cfg.Port, svc, apphttp.Options{RateLimitRPM: cfg.RateLimitRPM}, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		caches.Stop()
		if err := be.Close(); err != nil {
			logger.Error("Backend cleanup error", log.FieldError, err)
		}
	})
	caches.Start(ctx, time.Minute)

	logger.Info("Starting mfcpay server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"credit_policy", cfg.CreditPolicy,
		"events", be.Events != nil)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		_ = be.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
