package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/techiepookie/arguxai/internal/types"
)

const funnelColumns = `name, description, steps, completion, created_at, updated_at`

// PutFunnel inserts the funnel or replaces an existing funnel of the same name.
// created_at and the list position of an existing funnel are kept.
func (s *SQLiteStorage) PutFunnel(ctx context.Context, f *types.Funnel) error {
	stepsJSON, completionJSON, err := encodeFunnel(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO funnels (`+funnelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			steps = excluded.steps,
			completion = excluded.completion,
			updated_at = excluded.updated_at
	`, f.Name, f.Description, stepsJSON, completionJSON, f.CreatedAt.UnixMilli(), f.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save funnel %s: %w", f.Name, err)
	}
	return nil
}

// GetFunnel retrieves a funnel by name. Returns nil, nil when it does not exist.
func (s *SQLiteStorage) GetFunnel(ctx context.Context, name string) (*types.Funnel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+funnelColumns+` FROM funnels WHERE name = ?`, name)
	f, err := scanFunnel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get funnel %s: %w", name, err)
	}
	return f, nil
}

// ListFunnels returns every funnel in insertion order
func (s *SQLiteStorage) ListFunnels(ctx context.Context) ([]*types.Funnel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+funnelColumns+` FROM funnels ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnels: %w", err)
	}
	defer rows.Close()

	var funnels []*types.Funnel
	for rows.Next() {
		f, err := scanFunnel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funnel: %w", err)
		}
		funnels = append(funnels, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating funnels: %w", err)
	}
	return funnels, nil
}

// DeleteFunnel removes a funnel and reports whether it existed
func (s *SQLiteStorage) DeleteFunnel(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM funnels WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete funnel %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check deleted funnel %s: %w", name, err)
	}
	return n > 0, nil
}

func scanFunnel(row rowScanner) (*types.Funnel, error) {
	var (
		f                    types.Funnel
		stepsJSON            string
		completionJSON       sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&f.Name, &f.Description, &stepsJSON, &completionJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &f.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps for funnel %s: %w", f.Name, err)
	}
	if completionJSON.Valid && completionJSON.String != "" {
		f.Completion = &types.CompletionMarkers{}
		if err := json.Unmarshal([]byte(completionJSON.String), f.Completion); err != nil {
			return nil, fmt.Errorf("failed to decode completion for funnel %s: %w", f.Name, err)
		}
	}
	f.CreatedAt = timeFromMillis(createdAt).UTC()
	f.UpdatedAt = timeFromMillis(updatedAt).UTC()
	return &f, nil
}

func encodeFunnel(f *types.Funnel) (string, sql.NullString, error) {
	if f.Name == "" || len(f.Steps) == 0 {
		return "", sql.NullString{}, fmt.Errorf("funnel needs a name and at least one step")
	}
	steps, err := json.Marshal(f.Steps)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to marshal steps: %w", err)
	}
	var completion sql.NullString
	if f.Completion != nil {
		b, err := json.Marshal(f.Completion)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to marshal completion: %w", err)
		}
		completion = sql.NullString{String: string(b), Valid: true}
	}
	return string(steps), completion, nil
}
