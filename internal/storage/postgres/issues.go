package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/techiepookie/arguxai/internal/types"
)

const issueColumns = `id, funnel_step, detected_at, current_conversion_rate, baseline_conversion_rate,
	drop_percentage, sigma_value, is_significant, current_sessions, baseline_sessions,
	status, severity, evidence, diagnosis, created_at, diagnosed_at, fixed_at, measured_at,
	fix_commit_ref, fix_pr_ref, ticket_ref, post_fix_conversion_rate, uplift_percentage, updated_at`

// PutIssue inserts the issue or replaces every column of an existing row
func (s *PostgresStorage) PutIssue(ctx context.Context, issue *types.Issue) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	evidence := issue.Evidence
	if evidence == nil {
		evidence = types.NewEvidence()
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	var diagnosisJSON []byte
	if issue.Diagnosis != nil {
		if diagnosisJSON, err = json.Marshal(issue.Diagnosis); err != nil {
			return fmt.Errorf("failed to marshal diagnosis: %w", err)
		}
	}

	a := issue.Anomaly
	_, err = s.pool.Exec(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id) DO UPDATE SET
			funnel_step = EXCLUDED.funnel_step,
			detected_at = EXCLUDED.detected_at,
			current_conversion_rate = EXCLUDED.current_conversion_rate,
			baseline_conversion_rate = EXCLUDED.baseline_conversion_rate,
			drop_percentage = EXCLUDED.drop_percentage,
			sigma_value = EXCLUDED.sigma_value,
			is_significant = EXCLUDED.is_significant,
			current_sessions = EXCLUDED.current_sessions,
			baseline_sessions = EXCLUDED.baseline_sessions,
			status = EXCLUDED.status,
			severity = EXCLUDED.severity,
			evidence = EXCLUDED.evidence,
			diagnosis = EXCLUDED.diagnosis,
			diagnosed_at = EXCLUDED.diagnosed_at,
			fixed_at = EXCLUDED.fixed_at,
			measured_at = EXCLUDED.measured_at,
			fix_commit_ref = EXCLUDED.fix_commit_ref,
			fix_pr_ref = EXCLUDED.fix_pr_ref,
			ticket_ref = EXCLUDED.ticket_ref,
			post_fix_conversion_rate = EXCLUDED.post_fix_conversion_rate,
			uplift_percentage = EXCLUDED.uplift_percentage,
			updated_at = EXCLUDED.updated_at
	`,
		issue.ID, a.FunnelStep, a.DetectedAt, a.CurrentConversionRate, a.BaselineConversionRate,
		a.DropPercentage, a.SigmaValue, a.IsSignificant, a.CurrentSessions, a.BaselineSessions,
		string(issue.Status), string(issue.Severity), evidenceJSON, diagnosisJSON,
		issue.CreatedAt, issue.DiagnosedAt, issue.FixedAt, issue.MeasuredAt,
		issue.FixCommitRef, issue.FixPRRef, issue.TicketRef,
		issue.PostFixConversionRate, issue.UpliftPercentage, issue.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save issue %s: %w", issue.ID, err)
	}
	return nil
}

// GetIssue retrieves an issue by ID. Returns nil, nil when it does not exist.
func (s *PostgresStorage) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	return issue, nil
}

// ListIssues returns issues matching the filter, newest first
func (s *PostgresStorage) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}
	if filter.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, string(filter.Severity))
		argNum++
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	return issues, nil
}

func scanIssue(row pgx.Row) (*types.Issue, error) {
	var (
		issue                       types.Issue
		status, severity            string
		evidenceJSON, diagnosisJSON []byte
	)
	a := &issue.Anomaly
	err := row.Scan(
		&issue.ID, &a.FunnelStep, &a.DetectedAt, &a.CurrentConversionRate, &a.BaselineConversionRate,
		&a.DropPercentage, &a.SigmaValue, &a.IsSignificant, &a.CurrentSessions, &a.BaselineSessions,
		&status, &severity, &evidenceJSON, &diagnosisJSON,
		&issue.CreatedAt, &issue.DiagnosedAt, &issue.FixedAt, &issue.MeasuredAt,
		&issue.FixCommitRef, &issue.FixPRRef, &issue.TicketRef,
		&issue.PostFixConversionRate, &issue.UpliftPercentage, &issue.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	issue.Status = types.Status(status)
	issue.Severity = types.Severity(severity)

	issue.Evidence = types.NewEvidence()
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, issue.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence for %s: %w", issue.ID, err)
		}
	}
	if len(diagnosisJSON) > 0 {
		issue.Diagnosis = &types.Diagnosis{}
		if err := json.Unmarshal(diagnosisJSON, issue.Diagnosis); err != nil {
			return nil, fmt.Errorf("failed to decode diagnosis for %s: %w", issue.ID, err)
		}
	}

	return &issue, nil
}
