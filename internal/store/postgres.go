// Package store provides delivery bookkeeping backends for CarePulse.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/BTreeMap/CarePulse/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists receipts and inbound messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// AddReceipt records an outbound delivery receipt.
func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec("INSERT INTO receipts (recipient, type, status, time) VALUES ($1, $2, $3, $4)",
		r.To, string(r.Type), string(r.Status), r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// GetReceipts returns all recorded receipts.
func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query("SELECT recipient, type, status, time FROM receipts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var typ, status string
		if err := rows.Scan(&r.To, &typ, &status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.Type = models.CheckInType(typ)
		r.Status = models.MessageStatus(status)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// AddInbound records an inbound user message.
func (s *PostgresStore) AddInbound(m models.InboundMessage) error {
	_, err := s.db.Exec("INSERT INTO inbound_messages (sender, body, time) VALUES ($1, $2, $3)",
		m.From, m.Body, m.Time)
	if err != nil {
		slog.Error("PostgresStore AddInbound failed", "error", err, "from", m.From)
		return fmt.Errorf("failed to insert inbound message: %w", err)
	}
	return nil
}

// GetInbound returns all recorded inbound messages.
func (s *PostgresStore) GetInbound() ([]models.InboundMessage, error) {
	rows, err := s.db.Query("SELECT sender, body, time FROM inbound_messages ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query inbound messages: %w", err)
	}
	defer rows.Close()

	var messages []models.InboundMessage
	for rows.Next() {
		var m models.InboundMessage
		if err := rows.Scan(&m.From, &m.Body, &m.Time); err != nil {
			return nil, fmt.Errorf("failed to scan inbound message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
