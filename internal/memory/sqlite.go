package memory

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Log persisted in SQLite so follow-ups survive a
// restart.
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int
	nowFunc  func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, maxTurns int) (*SQLiteStore, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		maxTurns: maxTurns,
		nowFunc:  time.Now,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts turns and trims the table to the newest maxTurns rows
// in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, turns ...Turn) error {
	if err := validate(turns); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range turns {
		t = fill(t, s.nowFunc)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (id, role, text, timestamp) VALUES (?, ?, ?, ?)`,
			t.ID, t.Role, t.Text, t.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE seq NOT IN (SELECT seq FROM turns ORDER BY seq DESC LIMIT ?)`,
		s.maxTurns,
	); err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}

	return tx.Commit()
}

// Recent returns up to n of the newest turns, oldest first. A
// non-positive n returns everything retained.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]Turn, error) {
	if n <= 0 {
		n = s.maxTurns
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, timestamp FROM turns ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.Role, &t.Text, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(turns)
	return turns, nil
}

// Count returns the number of stored turns.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
