// Command mfcpay-calc calculates one period from the configured backend and
// prints the breakdown as JSON. It exits with status 2 when a rule fault
// withheld records from the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"mfcpay/internal/cli"
	"mfcpay/internal/core"
	"mfcpay/internal/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	period := flag.String("period", core.PeriodOf(time.Now()).String(), "period to calculate (YYYY-MM)")
	publish := flag.Bool("publish", false, "also write the breakdown to the configured writer")
	propose := flag.Bool("propose-discounts", false, "record discount overrides for the period before calculating")
	flag.Parse()

	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	p, err := core.ParsePeriod(*period)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	be := cli.InitBackend(ctx, logger, cfg)
	defer func() {
		if err := be.Close(); err != nil {
			logger.Error("Backend cleanup error", log.FieldError, err)
		}
	}()

	svc := cli.NewPayrollService(cfg, be, logger)
	if err := svc.Hydrate(ctx); err != nil {
		logger.Error("Failed to load state", log.FieldError, err, log.FieldOperation, log.OpHydrate)
		return 1
	}

	if *propose {
		proposed, err := svc.ProposeDiscounts(ctx, p)
		if err != nil {
			logger.Error("Discount proposal failed", log.FieldError, err, log.FieldPeriod, p.String())
			return 1
		}
		logger.Info("Discount overrides recorded", log.FieldPeriod, p.String(), "count", len(proposed))
	}

	calc := svc.Calculate
	if *publish {
		calc = svc.Publish
	}
	b, err := calc(ctx, p)
	if err != nil {
		logger.Error("Calculation failed", log.FieldError, err, log.FieldPeriod, p.String())
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		logger.Error("Failed to write breakdown", log.FieldError, err)
		return 1
	}
	if err := b.Err(); err != nil {
		logger.Warn("Breakdown has rule faults", log.FieldPeriod, p.String(), log.FieldError, err)
		return 2
	}
	return 0
}
