package backend

import (
	"context"
	"errors"
	"fmt"

	"mfcpay/internal/amqp"
	"mfcpay/internal/log"
	"mfcpay/internal/services"
	ports "mfcpay/internal/sheets"
	gsheet "mfcpay/internal/sheets/google"
	"mfcpay/internal/sheets/memory"
	"mfcpay/internal/storage"
)

var _ services.Repository = (*storage.SQLiteRepository)(nil)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLiteBackend(ctx, config)
	case SheetsBackend:
		result, err = f.createSheetsBackend(ctx, config)
	case MemoryBackend:
		result, err = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	f.attachEvents(config, result)
	return result, nil
}

// attachEvents connects to the broker when configured. An unreachable broker
// leaves the backend without events instead of failing startup.
func (f *DefaultFactory) attachEvents(config Config, result *BackendResult) {
	if config.AMQPURL == "" {
		return
	}
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
	if err != nil {
		f.logger.Warn("Failed to initialize AMQP client, continuing without events", log.FieldError, err)
		return
	}
	f.logger.Info("Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)

	result.Events = client
	prev := result.Cleanup
	result.Cleanup = func() error {
		var errs []error
		if prev != nil {
			errs = append(errs, prev())
		}
		errs = append(errs, client.Close())
		return errors.Join(errs...)
	}
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	// CSV files seed an empty database.
	seed := memory.New(dataDir(config))

	var writer ports.BreakdownWriter = seed
	if config.GoogleSpreadsheetID != "" {
		sheets, err := gsheet.New(ctx, config.GoogleSpreadsheetID, googleTabs(config.SheetTabs), f.logger)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to initialize Google Sheets writer: %w", err)
		}
		writer = sheets
	}

	f.logger.Info("Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"seed_directory", dataDir(config),
		"publish_to_sheets", config.GoogleSpreadsheetID != "")

	return &BackendResult{
		Sources:    sourcesOf(seed),
		Repository: repo,
		Writer:     writer,
		Cleanup:    repo.Close,
	}, nil
}

func (f *DefaultFactory) createSheetsBackend(ctx context.Context, config Config) (*BackendResult, error) {
	cli, err := gsheet.New(ctx, config.GoogleSpreadsheetID, googleTabs(config.SheetTabs), f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}

	f.logger.Info("Initialized Google Sheets backend", "spreadsheet_id", config.GoogleSpreadsheetID)

	return &BackendResult{
		Sources: sourcesOf(cli),
		Writer:  cli,
	}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	store := memory.New(dataDir(config))

	f.logger.Info("Initialized memory backend", "data_directory", dataDir(config))

	return &BackendResult{
		Sources: sourcesOf(store),
		Writer:  store,
	}, nil
}

type allSources interface {
	ports.RecordSource
	ports.RuleSource
	ports.DiscountSource
	ports.CoachSource
}

func sourcesOf(s allSources) services.Sources {
	return services.Sources{Records: s, Rules: s, Discounts: s, Coaches: s}
}

func dataDir(config Config) string {
	if config.DataDirectory == "" {
		return "data"
	}
	return config.DataDirectory
}

func googleTabs(t SheetTabs) gsheet.Tabs {
	return gsheet.Tabs{
		Attendance: t.Attendance,
		Payments:   t.Payments,
		Rules:      t.Rules,
		Discounts:  t.Discounts,
		Coaches:    t.Coaches,
		Breakdown:  t.Breakdown,
	}
}
