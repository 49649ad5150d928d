// ABOUTME: SQLite-backed offline command store using modernc.org/sqlite.
// ABOUTME: Commands are persisted before execution so a power loss never drops them.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/protocol"
)

// Record is one persisted command. It carries just enough to execute the
// command after a restart; the gateway remains the source of truth for
// the full lifecycle.
type Record struct {
	ID        string
	Type      protocol.CommandType
	Status    command.Status
	Payload   json.RawMessage
	QueuedAt  time.Time
	TimeoutMS int64
	UpdatedAt time.Time
}

// Store persists commands across agent restarts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the command store at the given path. The schema
// is created if it doesn't exist; parent directories are created if
// needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("command store opened", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB,
			queued_at TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_commands_status
			ON commands(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a command record. Called before execution is attempted, so
// replays after a crash see the command again rather than losing it.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO commands (id, type, status, payload, queued_at, timeout_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Type),
		string(rec.Status),
		[]byte(rec.Payload),
		rec.QueuedAt.UTC().Format(time.RFC3339Nano),
		rec.TimeoutMS,
		now,
	)
	if err != nil {
		return fmt.Errorf("saving command %s: %w", rec.ID, err)
	}
	return nil
}

// MarkStatus records a lifecycle transition. Terminal statuses are set
// only after the result left on an open connection; an unknown id is a
// no-op, keeping the call idempotent.
func (s *Store) MarkStatus(ctx context.Context, commandID string, status command.Status) error {
	query := `UPDATE commands SET status = ?, updated_at = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
		commandID,
	)
	if err != nil {
		return fmt.Errorf("marking command %s %s: %w", commandID, status, err)
	}
	return nil
}

// LoadPending returns all non-terminal commands in queued order. A
// command left in processing by a crash comes back too; execution is
// at-least-once.
func (s *Store) LoadPending(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT id, type, status, payload, queued_at, timeout_ms, updated_at
		FROM commands
		WHERE status IN (?, ?)
		ORDER BY queued_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(command.StatusQueued),
		string(command.StatusProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("loading pending commands: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one command record by id.
func (s *Store) Get(ctx context.Context, commandID string) (*Record, error) {
	query := `
		SELECT id, type, status, payload, queued_at, timeout_ms, updated_at
		FROM commands
		WHERE id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, commandID)
	if err != nil {
		return nil, fmt.Errorf("getting command %s: %w", commandID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanRecord(rows)
}

// CleanupOldCommands deletes terminal rows last touched before the cutoff.
// Returns the number of rows removed.
func (s *Store) CleanupOldCommands(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM commands
		WHERE status IN (?, ?, ?, ?) AND updated_at < ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(command.StatusCompleted),
		string(command.StatusFailed),
		string(command.StatusTimedOut),
		string(command.StatusCancelled),
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("purged old commands", "count", n)
	}
	return n, nil
}

// RunSweeper purges terminal rows on a schedule until ctx is cancelled.
// Rows survive at least `retention` past their last transition.
func (s *Store) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupOldCommands(ctx, time.Now().Add(-retention)); err != nil {
				s.logger.Warn("command purge failed", "error", err)
			}
		}
	}
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec                 Record
		typ, status         string
		queuedAt, updatedAt string
		payload             []byte
	)
	if err := rows.Scan(&rec.ID, &typ, &status, &payload, &queuedAt, &rec.TimeoutMS, &updatedAt); err != nil {
		return nil, fmt.Errorf("scanning command row: %w", err)
	}
	rec.Type = protocol.CommandType(typ)
	rec.Status = command.Status(status)
	rec.Payload = payload

	var err error
	if rec.QueuedAt, err = time.Parse(time.RFC3339Nano, queuedAt); err != nil {
		return nil, fmt.Errorf("parsing queued_at for %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for %s: %w", rec.ID, err)
	}
	return &rec, nil
}
