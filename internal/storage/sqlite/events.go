package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/techiepookie/arguxai/internal/types"
)

// sessionChunkSize bounds the number of bound parameters per IN clause
const sessionChunkSize = 500

const eventColumns = `session_id, event_type, funnel_step, timestamp, device_type,
	country, app_version, user_id, error_type, error_message`

// Ingest stores events in a single IMMEDIATE transaction.
// Exact duplicates are skipped and counted, never treated as errors.
func (s *SQLiteStorage) Ingest(ctx context.Context, events []*types.Event) (*types.IngestResult, error) {
	result := &types.IngestResult{}
	if len(events) == 0 {
		return result, nil
	}

	// Dedicated connection so BEGIN/COMMIT run on the same session
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	// Use context.Background() for ROLLBACK so cleanup happens even if ctx is canceled
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	stmt, err := conn.PrepareContext(ctx, `
		INSERT INTO events (`+eventColumns+`, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, event_type, timestamp) DO NOTHING
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ingestedAt := s.now().UnixMilli()
	for _, e := range events {
		res, err := stmt.ExecContext(ctx,
			e.SessionID, e.EventType, e.FunnelStep, e.Timestamp, e.DeviceType,
			e.Country, e.AppVersion, e.UserID, e.ErrorType, e.ErrorMessage,
			ingestedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert event for session %s: %w", e.SessionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			result.Duplicates++
			continue
		}
		result.Ingested++
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return result, nil
}

// QueryEvents returns events in the window ordered by timestamp
func (s *SQLiteStorage) QueryEvents(ctx context.Context, w types.Window, funnelStep string) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE timestamp >= ? AND timestamp <= ?`
	args := []interface{}{w.StartMS(), w.EndMS()}
	if funnelStep != "" {
		query += ` AND funnel_step = ?`
		args = append(args, funnelStep)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CohortSessions returns distinct sessions that touched funnelStep inside the window
func (s *SQLiteStorage) CohortSessions(ctx context.Context, funnelStep string, w types.Window) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM events
		WHERE funnel_step = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY session_id
	`, funnelStep, w.StartMS(), w.EndMS())
	if err != nil {
		return nil, fmt.Errorf("failed to query cohort: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		sessions = append(sessions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cohort: %w", err)
	}
	return sessions, nil
}

// SessionEvents returns the full history of the given sessions
func (s *SQLiteStorage) SessionEvents(ctx context.Context, sessionIDs []string) ([]*types.Event, error) {
	var all []*types.Event
	for start := 0; start < len(sessionIDs); start += sessionChunkSize {
		end := start + sessionChunkSize
		if end > len(sessionIDs) {
			end = len(sessionIDs)
		}
		chunk := sessionIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE session_id IN (`+placeholders+`)
			ORDER BY session_id ASC, timestamp ASC, id ASC
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query session events: %w", err)
		}
		events, err := scanEvents(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

// TimeBounds returns the earliest and latest event timestamps
func (s *SQLiteStorage) TimeBounds(ctx context.Context) (types.Window, error) {
	var minTS, maxTS sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM events`).Scan(&minTS, &maxTS)
	if err != nil {
		return types.Window{}, fmt.Errorf("failed to query event bounds: %w", err)
	}
	if !minTS.Valid || !maxTS.Valid {
		return types.Window{}, types.ErrNoData
	}
	return types.Window{
		Start: timeFromMillis(minTS.Int64),
		End:   timeFromMillis(maxTS.Int64),
	}, nil
}

func scanEvents(rows *sql.Rows) ([]*types.Event, error) {
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
