package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/techiepookie/arguxai/internal/types"
)

const funnelColumns = `name, description, steps, completion, created_at, updated_at`

// PutFunnel inserts the funnel or replaces an existing funnel of the same name.
// created_at and the list position of an existing funnel are kept.
func (s *PostgresStorage) PutFunnel(ctx context.Context, f *types.Funnel) error {
	if f.Name == "" || len(f.Steps) == 0 {
		return fmt.Errorf("funnel needs a name and at least one step")
	}
	stepsJSON, err := json.Marshal(f.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	var completionJSON []byte
	if f.Completion != nil {
		if completionJSON, err = json.Marshal(f.Completion); err != nil {
			return fmt.Errorf("failed to marshal completion: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO funnels (`+funnelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			steps = EXCLUDED.steps,
			completion = EXCLUDED.completion,
			updated_at = EXCLUDED.updated_at
	`, f.Name, f.Description, stepsJSON, completionJSON, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save funnel %s: %w", f.Name, err)
	}
	return nil
}

// GetFunnel retrieves a funnel by name. Returns nil, nil when it does not exist.
func (s *PostgresStorage) GetFunnel(ctx context.Context, name string) (*types.Funnel, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+funnelColumns+` FROM funnels WHERE name = $1`, name)
	f, err := scanFunnel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get funnel %s: %w", name, err)
	}
	return f, nil
}

// ListFunnels returns every funnel in insertion order
func (s *PostgresStorage) ListFunnels(ctx context.Context) ([]*types.Funnel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+funnelColumns+` FROM funnels ORDER BY seq`)
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
func (s *PostgresStorage) DeleteFunnel(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM funnels WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete funnel %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanFunnel(row pgx.Row) (*types.Funnel, error) {
	var (
		f                         types.Funnel
		stepsJSON, completionJSON []byte
	)
	if err := row.Scan(&f.Name, &f.Description, &stepsJSON, &completionJSON, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &f.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps for funnel %s: %w", f.Name, err)
	}
	if len(completionJSON) > 0 {
		f.Completion = &types.CompletionMarkers{}
		if err := json.Unmarshal(completionJSON, f.Completion); err != nil {
			return nil, fmt.Errorf("failed to decode completion for funnel %s: %w", f.Name, err)
		}
	}
	return &f, nil
}
