package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/techiepookie/arguxai/internal/types"
)

const eventColumns = `session_id, event_type, funnel_step, timestamp, device_type,
	country, app_version, user_id, error_type, error_message`

// Ingest stores events in one transaction, skipping exact duplicates
func (s *PostgresStorage) Ingest(ctx context.Context, events []*types.Event) (*types.IngestResult, error) {
	result := &types.IngestResult{}
	if len(events) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (session_id, event_type, timestamp) DO NOTHING
		`,
			e.SessionID, e.EventType, e.FunnelStep, e.Timestamp, e.DeviceType,
			e.Country, e.AppVersion, e.UserID, e.ErrorType, e.ErrorMessage,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for _, e := range events {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("failed to insert event for session %s: %w", e.SessionID, err)
		}
		if tag.RowsAffected() == 0 {
			result.Duplicates++
			continue
		}
		result.Ingested++
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// QueryEvents returns events in the window ordered by timestamp
func (s *PostgresStorage) QueryEvents(ctx context.Context, w types.Window, funnelStep string) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE timestamp >= $1 AND timestamp <= $2`
	args := []interface{}{w.StartMS(), w.EndMS()}
	if funnelStep != "" {
		query += ` AND funnel_step = $3`
		args = append(args, funnelStep)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CohortSessions returns distinct sessions that touched funnelStep inside the window
func (s *PostgresStorage) CohortSessions(ctx context.Context, funnelStep string, w types.Window) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT session_id FROM events
		WHERE funnel_step = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY session_id
	`, funnelStep, w.StartMS(), w.EndMS())
	if err != nil {
		return nil, fmt.Errorf("failed to query cohort: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan cohort: %w", err)
	}
	return sessions, nil
}

// SessionEvents returns the full history of the given sessions
func (s *PostgresStorage) SessionEvents(ctx context.Context, sessionIDs []string) ([]*types.Event, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ANY($1)
		ORDER BY session_id ASC, timestamp ASC, id ASC
	`, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// TimeBounds returns the earliest and latest event timestamps
func (s *PostgresStorage) TimeBounds(ctx context.Context) (types.Window, error) {
	var minTS, maxTS *int64
	if err := s.pool.QueryRow(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM events`).Scan(&minTS, &maxTS); err != nil {
		return types.Window{}, fmt.Errorf("failed to query event bounds: %w", err)
	}
	if minTS == nil || maxTS == nil {
		return types.Window{}, types.ErrNoData
	}
	return types.Window{Start: time.UnixMilli(*minTS), End: time.UnixMilli(*maxTS)}, nil
}

func scanEvents(rows pgx.Rows) ([]*types.Event, error) {
	var events []*types.Event
	for rows.Next() {
		e := &types.Event{}
		if err := rows.Scan(
			&e.SessionID, &e.EventType, &e.FunnelStep, &e.Timestamp, &e.DeviceType,
			&e.Country, &e.AppVersion, &e.UserID, &e.ErrorType, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
