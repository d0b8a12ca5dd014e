package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mfcpay/internal/matcher"

	"github.com/shopspring/decimal"
)

type Config struct {
	// HTTP Server
	Port         string
	RateLimitRPM int

	// Backend selection
	DataBackend string
	DataDir     string

	// Database
	SQLiteDBPath string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	SheetAttendance          string
	SheetPayments            string
	SheetRules               string
	SheetDiscounts           string
	SheetCoaches             string
	SheetBreakdown           string

	// Calculation
	CreditPolicy       string
	SplitTolerance     decimal.Decimal
	CalcWorkers        int
	BreakdownCacheSize int
	BreakdownCacheTTL  time.Duration

	// Worker
	RecalcInterval time.Duration
	RecalcDebounce time.Duration
	RecalcMaxWait  time.Duration

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8081"),
		RateLimitRPM: getEnvInt("RATE_LIMIT_RPM", 60),

		DataBackend: getEnv("DATA_BACKEND", "memory"),
		DataDir:     getEnv("DATA_DIR", "./data"),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/mfcpay.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "mfcpay"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "recalculate"),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
		SheetAttendance:          getEnv("SHEET_ATTENDANCE", "attendance"),
		SheetPayments:            getEnv("SHEET_PAYMENTS", "Payments"),
		SheetRules:               getEnv("SHEET_RULES", "rules"),
		SheetDiscounts:           getEnv("SHEET_DISCOUNTS", "discounts"),
		SheetCoaches:             getEnv("SHEET_COACHES", "coaches"),
		SheetBreakdown:           getEnv("SHEET_BREAKDOWN", "Breakdown"),

		CreditPolicy:       getEnv("CREDIT_POLICY", matcher.PolicyEqual),
		SplitTolerance:     getEnvDecimal("SPLIT_TOLERANCE", decimal.RequireFromString("0.01")),
		CalcWorkers:        getEnvInt("CALC_WORKERS", 4),
		BreakdownCacheSize: getEnvInt("BREAKDOWN_CACHE_SIZE", 64),
		BreakdownCacheTTL:  getEnvDuration("BREAKDOWN_CACHE_TTL", 10*time.Minute),

		RecalcInterval: getEnvDuration("RECALC_INTERVAL", 15*time.Minute),
		RecalcDebounce: getEnvDuration("RECALC_DEBOUNCE", 2*time.Second),
		RecalcMaxWait:  getEnvDuration("RECALC_MAX_WAIT", 30*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RateLimitRPM < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitRPM))
	}

	// Validate data backend
	validBackends := []string{"memory", "sheets", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "memory" && c.DataDir == "" {
		errors = append(errors, "data directory cannot be empty when using memory backend")
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			// Check if directory exists or can be created
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate Google Sheets configuration if backend is sheets
	if c.DataBackend == "sheets" {
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets backend")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided for sheets backend")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
		if c.SheetBreakdown == "" {
			errors = append(errors, "breakdown sheet name cannot be empty when using sheets backend")
		}
	}

	// Validate calculation settings
	if _, err := matcher.PolicyByName(c.CreditPolicy); err != nil {
		errors = append(errors, fmt.Sprintf("invalid credit policy '%s': must be one of %v", c.CreditPolicy, matcher.PolicyNames()))
	}
	if !c.SplitTolerance.IsPositive() || c.SplitTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errors = append(errors, fmt.Sprintf("invalid split tolerance %s: must be greater than 0 and less than 1", c.SplitTolerance))
	}
	if c.CalcWorkers < 1 {
		errors = append(errors, fmt.Sprintf("invalid calc workers %d: must be at least 1", c.CalcWorkers))
	} else if c.CalcWorkers > 64 {
		errors = append(errors, fmt.Sprintf("invalid calc workers %d: must be at most 64", c.CalcWorkers))
	}
	if c.BreakdownCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid breakdown cache size %d: must be at least 1", c.BreakdownCacheSize))
	}
	if c.BreakdownCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid breakdown cache TTL %v: must not be negative", c.BreakdownCacheTTL))
	}

	// Validate worker configuration
	if c.RecalcInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid recalc interval %v: must be at least 1 second", c.RecalcInterval))
	} else if c.RecalcInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid recalc interval %v: must be at most 24 hours", c.RecalcInterval))
	}
	if c.RecalcDebounce < 0 {
		errors = append(errors, fmt.Sprintf("invalid recalc debounce %v: must not be negative", c.RecalcDebounce))
	}
	if c.RecalcMaxWait > 0 && c.RecalcMaxWait < c.RecalcDebounce {
		errors = append(errors, fmt.Sprintf("invalid recalc max wait %v: must not be shorter than the debounce %v", c.RecalcMaxWait, c.RecalcDebounce))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
