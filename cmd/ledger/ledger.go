// Package ledger records each run's manifest in PostgreSQL
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"
)

var ErrTableNameInvalid = errors.New("ledger table name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidTableName reports whether name is safe to use as a table identifier
func ValidTableName(name string) bool {
	return name != "" && len(name) <= 63 && validIdentifier.MatchString(name)
}

// Connection holds PostgreSQL connection settings
type Connection struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the connection as a lib/pq keyword string
func (c Connection) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

// Entry is one category line of a run's manifest
type Entry struct {
	RunID     string
	Profile   string
	Category  string
	AsOf      time.Time
	TotalRows int64
	Strategy  string
	Degraded  bool
}

// Ledger appends manifest entries to a table
type Ledger struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to PostgreSQL and verifies the connection
func Open(ctx context.Context, conn Connection, table string, logger *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("postgres", conn.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach ledger database: %w", err)
	}

	l, err := New(db, table, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an open database handle
func New(db *sql.DB, table string, logger *slog.Logger) (*Ledger, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("%w: %q", ErrTableNameInvalid, table)
	}
	return &Ledger{db: db, table: table, logger: logger, now: time.Now}, nil
}

// EnsureTable creates the ledger table when it does not exist yet
func (l *Ledger) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	profile TEXT NOT NULL,
	category TEXT NOT NULL,
	as_of_date DATE NOT NULL,
	total_rows BIGINT NOT NULL,
	strategy TEXT NOT NULL,
	degraded BOOLEAN NOT NULL DEFAULT FALSE,
	recorded_at TIMESTAMPTZ NOT NULL
)`, pq.QuoteIdentifier(l.table))

	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}
	return nil
}

// Record inserts all entries in one transaction
func (l *Ledger) Record(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (run_id, profile, category, as_of_date, total_rows, strategy, degraded, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		pq.QuoteIdentifier(l.table)))
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	recordedAt := l.now().UTC()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.RunID, e.Profile, e.Category, e.AsOf.Format("2006-01-02"),
			e.TotalRows, e.Strategy, e.Degraded, recordedAt); err != nil {
			return fmt.Errorf("failed to record %s: %w", e.Category, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	l.logger.Debug(fmt.Sprintf("📒 Recorded %d manifest entries in %s", len(entries), l.table))
	return nil
}

// Close releases the database handle
func (l *Ledger) Close() error {
	return l.db.Close()
}
