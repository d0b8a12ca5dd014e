package backend

import (
	"context"

	"mfcpay/internal/amqp"
	"mfcpay/internal/services"
	ports "mfcpay/internal/sheets"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult holds everything the payroll service needs from a backend.
type BackendResult struct {
	// Sources feed the service on hydrate. With a repository they only seed
	// it while it is empty.
	Sources services.Sources

	// Repository is nil for the read-only backends.
	Repository services.Repository

	Writer ports.BreakdownWriter

	// Events is nil when AMQP is not configured or could not be reached.
	Events *amqp.Client

	Cleanup CleanupFunc
}

// Publisher returns the event publisher, or nil when there is none. It avoids
// handing the service a typed nil.
func (r *BackendResult) Publisher() services.EventPublisher {
	if r.Events == nil {
		return nil
	}
	return r.Events
}

// Close releases the backend's resources. It is safe to call when there is
// nothing to release.
func (r *BackendResult) Close() error {
	if r.Cleanup == nil {
		return nil
	}
	return r.Cleanup()
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Backend type
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// AMQP, optional for every backend
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets. With the sqlite backend a spreadsheet ID only selects
	// where breakdowns are published.
	GoogleSpreadsheetID string
	SheetTabs           SheetTabs

	// CSV directory for the memory backend and for seeding sqlite
	DataDirectory string
}

// SheetTabs names the spreadsheet tabs. Empty names fall back to the defaults.
type SheetTabs struct {
	Attendance string
	Payments   string
	Rules      string
	Discounts  string
	Coaches    string
	Breakdown  string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	SheetsBackend BackendType = "sheets"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, SheetsBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
