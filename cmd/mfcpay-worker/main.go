package main

import (
	"context"
	"os"
	"time"

	"mfcpay/internal/cli"
	"mfcpay/internal/log"
	"mfcpay/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	logger.Info("Starting mfcpay-worker")

	cfg := cli.LoadAndValidateConfig(logger)
	if cfg.AMQPURL == "" {
		logger.Error("The worker needs a message broker", log.FieldErrorType, log.ErrorTypeConfiguration, "setting", "AMQP_URL")
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()
	be := cli.InitBackend(startCtx, logger, cfg)
	if be.Events == nil {
		logger.Error("Message broker unreachable", "url_set", true)
		_ = be.Close()
		os.Exit(1)
	}
	events := be.Events

	// The worker consumes events; its own calculations are not announced.
	quiet := *be
	quiet.Events = nil
	svc := cli.NewPayrollService(cfg, &quiet, logger)
	if be.Writer == nil {
		logger.Warn("No breakdown writer configured; breakdowns are calculated but not published")
	}

	recalc := worker.NewRecalcWorker(svc, be.Writer, worker.Config{
		Debounce:      cfg.RecalcDebounce,
		MaxWait:       cfg.RecalcMaxWait,
		SweepInterval: cfg.RecalcInterval,
	}, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := recalc.Stop(stopCtx); err != nil {
			logger.Error("Worker stop error", log.FieldError, err)
		}
		if err := be.Close(); err != nil {
			logger.Error("Backend cleanup error", log.FieldError, err)
		}
	})

	if err := recalc.Start(ctx); err != nil {
		logger.Error("Failed to start recalc worker", log.FieldError, err)
		os.Exit(1)
	}

	go func() {
		if err := events.ConsumeWithRetry(ctx, recalc.HandleEvent); err != nil && ctx.Err() == nil {
			logger.Error("Event consumption stopped", log.FieldError, err)
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped")
}
