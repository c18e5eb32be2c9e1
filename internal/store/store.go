// Package store provides delivery bookkeeping backends for CarePulse.
//
// It records outbound receipts and the inbound message log. Backends include
// an in-memory store, SQLite, and PostgreSQL; the DSN format selects between
// the SQL backends. Core per-user state lives in the userdata package, not
// here.
package store

import (
	"strings"

	"github.com/BTreeMap/CarePulse/internal/models"
)

// Store defines the persistence operations for delivery bookkeeping.
type Store interface {
	// AddReceipt records an outbound delivery receipt.
	AddReceipt(r models.Receipt) error

	// GetReceipts returns all recorded receipts.
	GetReceipts() ([]models.Receipt, error)

	// AddInbound records an inbound user message.
	AddInbound(m models.InboundMessage) error

	// GetInbound returns all recorded inbound messages.
	GetInbound() ([]models.InboundMessage, error)

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (assumed to be a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore creates a backend from the given options. Without a DSN it returns
// the in-memory store; otherwise the DSN format selects the SQL backend.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
