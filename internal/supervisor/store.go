package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists process records so a restarted orchestrator still knows its PIDs
type Store struct {
	db *sql.DB
}

// NewStore wraps an open state database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts or replaces the record for rec.ServiceName
func (s *Store) Put(ctx context.Context, rec ProcessRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO process_records (service_name, pid, port, log_path, started_at, state)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ServiceName, rec.PID, rec.Port, rec.LogPath, rec.StartedAt.UTC().Format(time.RFC3339Nano), string(rec.State))
	if err != nil {
		return fmt.Errorf("failed to save process record: %w", err)
	}
	return nil
}

// SetState updates the state of an existing record for the given PID.
// It reports false when no such record exists.
func (s *Store) SetState(ctx context.Context, name string, pid int, state State) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE process_records SET state = ? WHERE service_name = ? AND pid = ?",
		string(state), name, pid,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns the record for name
func (s *Store) Get(ctx context.Context, name string) (ProcessRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT service_name, pid, port, log_path, started_at, state
		FROM process_records
		WHERE service_name = ?
	`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessRecord{}, false, nil
	}
	if err != nil {
		return ProcessRecord{}, false, fmt.Errorf("failed to get process record: %w", err)
	}
	return rec, true, nil
}

// Delete removes the record for name
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM process_records WHERE service_name = ?", name); err != nil {
		return fmt.Errorf("failed to delete process record: %w", err)
	}
	return nil
}

// List returns every record ordered by service name
func (s *Store) List(ctx context.Context) ([]ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_name, pid, port, log_path, started_at, state
		FROM process_records
		ORDER BY service_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query process records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ProcessRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (ProcessRecord, error) {
	var rec ProcessRecord
	var startedAt, state string
	if err := s.Scan(&rec.ServiceName, &rec.PID, &rec.Port, &rec.LogPath, &startedAt, &state); err != nil {
		return rec, err
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	rec.State = State(state)
	return rec, nil
}
