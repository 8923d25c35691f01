package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no operation has the requested ID.
var ErrNotFound = errors.New("operation not found")

// DeviceLock is the lock name held while any destructive operation runs.
const DeviceLock = "device"

type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Operation is one recorded device operation.
type Operation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Device    string    `json:"device"`
	Args      string    `json:"args,omitempty"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	db    *sql.DB
	alive func(pid int) bool
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, alive: ProcessAlive}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		device TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _busy (
		name TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		acquired_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_state ON operations(state);
	CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// TryLock attempts to take the named lock for pid. A lock whose holder is no
// longer alive is taken over.
func (s *Store) TryLock(ctx context.Context, name string, pid int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var holder int
	err = tx.QueryRowContext(ctx, `SELECT pid FROM _busy WHERE name = ?`, name).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("failed to read lock: %w", err)
	case holder != pid && s.alive(holder):
		return false, nil
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, name); err != nil {
			return false, fmt.Errorf("failed to clear stale lock: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO _busy(name, pid, acquired_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, pid, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock: %w", err)
	}
	return rowsAffected > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Begin records a new running operation. An empty ID is filled in.
func (s *Store) Begin(ctx context.Context, op *Operation) error {
	now := time.Now().UTC()
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	op.State = StateRunning
	op.CreatedAt = now
	op.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (id, kind, device, args, state, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Kind, op.Device, op.Args, op.State, op.PID, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create operation record: %w", err)
	}
	return nil
}

func (s *Store) SetPID(ctx context.Context, id string, pid int) error {
	return s.update(ctx, `UPDATE operations SET pid = ?, updated_at = ? WHERE id = ?`, pid, time.Now().UTC(), id)
}

// Finish moves an operation to its terminal state and clears its PID.
func (s *Store) Finish(ctx context.Context, id string, state State, exitCode *int, errMsg string) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	return s.update(ctx,
		`UPDATE operations SET state = ?, pid = 0, exit_code = ?, error = ?, updated_at = ? WHERE id = ?`,
		state, code, errMsg, time.Now().UTC(), id)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectOperation = `SELECT id, kind, device, args, state, pid, exit_code, error, created_at, updated_at FROM operations`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*Operation, error) {
	var op Operation
	var code sql.NullInt64
	if err := row.Scan(&op.ID, &op.Kind, &op.Device, &op.Args, &op.State, &op.PID,
		&code, &op.Error, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	if code.Valid {
		c := int(code.Int64)
		op.ExitCode = &c
	}
	return &op, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, selectOperation+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// List returns up to limit operations, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, selectOperation+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// Running returns operations not yet finished.
func (s *Store) Running(ctx context.Context) ([]Operation, error) {
	return s.query(ctx, selectOperation+` WHERE state = ? ORDER BY created_at`, StateRunning)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// CloseInterrupted fails running operations whose helper is gone, which
// happens when a previous process died mid-operation. Callers hold DeviceLock.
func (s *Store) CloseInterrupted(ctx context.Context) (int, error) {
	running, err := s.Running(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, op := range running {
		if op.PID != 0 && s.alive(op.PID) {
			continue
		}
		if err := s.Finish(ctx, op.ID, StateFailed, nil, "interrupted"); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ProcessAlive reports whether pid names a live process, including one owned
// by another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
