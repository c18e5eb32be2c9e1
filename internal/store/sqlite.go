// Package store provides delivery bookkeeping backends for CarePulse.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CarePulse/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists receipts and inbound messages in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// AddReceipt records an outbound delivery receipt.
func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec("INSERT INTO receipts (recipient, type, status, time) VALUES (?, ?, ?, ?)",
		r.To, string(r.Type), string(r.Status), r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// GetReceipts returns all recorded receipts.
func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
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
func (s *SQLiteStore) AddInbound(m models.InboundMessage) error {
	_, err := s.db.Exec("INSERT INTO inbound_messages (sender, body, time) VALUES (?, ?, ?)",
		m.From, m.Body, m.Time)
	if err != nil {
		slog.Error("SQLiteStore AddInbound failed", "error", err, "from", m.From)
		return fmt.Errorf("failed to insert inbound message: %w", err)
	}
	return nil
}

// GetInbound returns all recorded inbound messages.
func (s *SQLiteStore) GetInbound() ([]models.InboundMessage, error) {
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
