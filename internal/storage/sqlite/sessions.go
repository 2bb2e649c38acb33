package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/hilo-recorder/internal/session"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

// SessionStorage keeps the local log of recording sessions
type SessionStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSessionStorage creates the session storage, its table and indexes
func NewSessionStorage(db *sql.DB, log *logger.Logger) (*SessionStorage, error) {
	storage := &SessionStorage{
		db:     db,
		logger: log.Named("sqlite-sessions"),
	}
	if err := storage.initDB(); err != nil {
		return nil, err
	}
	return storage, nil
}

func (s *SessionStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			project_id TEXT PRIMARY KEY,
			project_name TEXT NOT NULL,
			participant_name TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			outcome TEXT NOT NULL,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			chunks INTEGER NOT NULL DEFAULT 0,
			photos INTEGER NOT NULL DEFAULT 0,
			result_url TEXT,
			error TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_outcome ON sessions(outcome)`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create session index: %w", err)
		}
	}
	return nil
}

// RecordStart stores a session that just started recording
func (s *SessionStorage) RecordStart(ctx context.Context, r session.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
		(project_id, project_name, participant_name, started_at, outcome)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			project_name = excluded.project_name,
			participant_name = excluded.participant_name,
			started_at = excluded.started_at,
			outcome = excluded.outcome`,
		r.ProjectID,
		r.ProjectName,
		r.ParticipantName,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		string(r.Outcome),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// RecordFinish updates a session with how it ended
func (s *SessionStorage) RecordFinish(ctx context.Context, r session.Record) error {
	var ended sql.NullString
	if r.EndedAt != nil {
		ended = sql.NullString{String: r.EndedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		SET ended_at = ?, outcome = ?, elapsed_ms = ?, chunks = ?, photos = ?, result_url = ?, error = ?
		WHERE project_id = ?`,
		ended,
		string(r.Outcome),
		r.ElapsedMs,
		r.Chunks,
		r.Photos,
		nullString(r.ResultURL),
		nullString(r.Error),
		r.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("Finished session was never recorded as started", logger.String("project_id", r.ProjectID))
		if err := s.RecordStart(ctx, r); err != nil {
			return err
		}
		return s.RecordFinish(ctx, r)
	}
	return nil
}

// Get returns one session by project id
func (s *SessionStorage) Get(ctx context.Context, projectID string) (*session.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, project_name, participant_name, started_at, ended_at, outcome, elapsed_ms, chunks, photos, result_url, error
		FROM sessions
		WHERE project_id = ?`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	records, err := s.scanSessionRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Recent returns the latest sessions, newest first
func (s *SessionStorage) Recent(ctx context.Context, limit int) ([]*session.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, project_name, participant_name, started_at, ended_at, outcome, elapsed_ms, chunks, photos, result_url, error
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer rows.Close()

	return s.scanSessionRows(rows)
}

// scanSessionRows scans database rows into session records
func (s *SessionStorage) scanSessionRows(rows *sql.Rows) ([]*session.Record, error) {
	var records []*session.Record
	for rows.Next() {
		var record session.Record
		var startedAt, outcome string
		var endedAt, resultURL, errText sql.NullString

		if err := rows.Scan(
			&record.ProjectID,
			&record.ProjectName,
			&record.ParticipantName,
			&startedAt,
			&endedAt,
			&outcome,
			&record.ElapsedMs,
			&record.Chunks,
			&record.Photos,
			&resultURL,
			&errText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		var err error
		record.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		if endedAt.Valid {
			ended, err := time.Parse(time.RFC3339Nano, endedAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse ended_at: %w", err)
			}
			record.EndedAt = &ended
		}

		record.Outcome = session.Outcome(outcome)
		record.ResultURL = resultURL.String
		record.Error = errText.String

		records = append(records, &record)
	}
	return records, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
