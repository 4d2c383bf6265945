package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store instance. Open must be called before use.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open opens the database in WAL mode and runs schema migrations.
func (s *SQLiteStore) Open(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// migrate applies the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the record for a node, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, nodeID string) (*Record, error) {
	query := `
		SELECT node_id, resource_type, resource_name, attributes, outputs, version, created_at, updated_at
		FROM records
		WHERE node_id = ?
	`

	var rec Record
	var attrs, outputs string
	err := s.db.QueryRowContext(ctx, query, nodeID).Scan(
		&rec.NodeID,
		&rec.Type,
		&rec.Name,
		&attrs,
		&outputs,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes for %s: %w", nodeID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs for %s: %w", nodeID, err)
	}

	return &rec, nil
}

// Put writes a record inside a transaction, enforcing that rec.Version is
// exactly one more than the stored version.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM records WHERE node_id = ?`, rec.NodeID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read current version: %w", err)
	}
	if rec.Version != current+1 {
		return fmt.Errorf("%w: node %s has version %d, put version %d",
			ErrVersionConflict, rec.NodeID, current, rec.Version)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO records (node_id, resource_type, resource_name, attributes, outputs, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			attributes = excluded.attributes,
			outputs = excluded.outputs,
			version = excluded.version,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query,
		rec.NodeID, rec.Type, rec.Name, string(attrs), string(outputs), rec.Version, now, now,
	); err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Delete removes a node's record.
func (s *SQLiteStore) Delete(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns every record ordered by node ID.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT node_id, resource_type, resource_name, attributes, outputs, version, created_at, updated_at
		FROM records
		ORDER BY node_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec := &Record{}
		var attrs, outputs string
		if err := rows.Scan(
			&rec.NodeID,
			&rec.Type,
			&rec.Name,
			&attrs,
			&outputs,
			&rec.Version,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes for %s: %w", rec.NodeID, err)
		}
		if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs for %s: %w", rec.NodeID, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// Lock acquires the advisory run lock. The lock is a single row; an insert
// conflict means another run holds it.
func (s *SQLiteStore) Lock(ctx context.Context, owner string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO apply_lock (id, owner, acquired_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, owner, now)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var holder string
	var acquiredAt time.Time
	err = s.db.QueryRowContext(ctx, `SELECT owner, acquired_at FROM apply_lock WHERE id = 1`).
		Scan(&holder, &acquiredAt)
	if err != nil {
		return fmt.Errorf("failed to read lock holder: %w", err)
	}
	if holder == owner {
		return nil
	}
	return &LockContentionError{Holder: holder, AcquiredAt: acquiredAt}
}

// Unlock releases the advisory run lock if held by owner.
func (s *SQLiteStore) Unlock(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM apply_lock WHERE id = 1 AND owner = ?`, owner); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
