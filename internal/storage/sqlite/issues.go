package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/techiepookie/arguxai/internal/types"
)

const issueColumns = `id, funnel_step, detected_at, current_conversion_rate, baseline_conversion_rate,
	drop_percentage, sigma_value, is_significant, current_sessions, baseline_sessions,
	status, severity, evidence, diagnosis, created_at, diagnosed_at, fixed_at, measured_at,
	fix_commit_ref, fix_pr_ref, ticket_ref, post_fix_conversion_rate, uplift_percentage, updated_at`

// PutIssue inserts the issue or replaces every column of an existing row
func (s *SQLiteStorage) PutIssue(ctx context.Context, issue *types.Issue) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	evidenceJSON, diagnosisJSON, err := encodeIssueDocuments(issue)
	if err != nil {
		return err
	}

	a := issue.Anomaly
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			funnel_step = excluded.funnel_step,
			detected_at = excluded.detected_at,
			current_conversion_rate = excluded.current_conversion_rate,
			baseline_conversion_rate = excluded.baseline_conversion_rate,
			drop_percentage = excluded.drop_percentage,
			sigma_value = excluded.sigma_value,
			is_significant = excluded.is_significant,
			current_sessions = excluded.current_sessions,
			baseline_sessions = excluded.baseline_sessions,
			status = excluded.status,
			severity = excluded.severity,
			evidence = excluded.evidence,
			diagnosis = excluded.diagnosis,
			diagnosed_at = excluded.diagnosed_at,
			fixed_at = excluded.fixed_at,
			measured_at = excluded.measured_at,
			fix_commit_ref = excluded.fix_commit_ref,
			fix_pr_ref = excluded.fix_pr_ref,
			ticket_ref = excluded.ticket_ref,
			post_fix_conversion_rate = excluded.post_fix_conversion_rate,
			uplift_percentage = excluded.uplift_percentage,
			updated_at = excluded.updated_at
	`,
		issue.ID, a.FunnelStep, a.DetectedAt.UnixMilli(), a.CurrentConversionRate, a.BaselineConversionRate,
		a.DropPercentage, a.SigmaValue, a.IsSignificant, a.CurrentSessions, a.BaselineSessions,
		string(issue.Status), string(issue.Severity), evidenceJSON, diagnosisJSON,
		issue.CreatedAt.UnixMilli(), nullMillis(issue.DiagnosedAt), nullMillis(issue.FixedAt), nullMillis(issue.MeasuredAt),
		nullString(issue.FixCommitRef), nullString(issue.FixPRRef), nullString(issue.TicketRef),
		nullFloat(issue.PostFixConversionRate), nullFloat(issue.UpliftPercentage), issue.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save issue %s: %w", issue.ID, err)
	}
	return nil
}

// GetIssue retrieves an issue by ID. Returns nil, nil when it does not exist.
func (s *SQLiteStorage) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	return issue, nil
}

// ListIssues returns issues matching the filter, newest first
func (s *SQLiteStorage) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (*types.Issue, error) {
	var (
		issue                                   types.Issue
		status, severity                        string
		detectedAt, createdAt, updatedAt        int64
		evidenceJSON                            string
		diagnosisJSON                           sql.NullString
		diagnosedAt, fixedAt, measuredAt        sql.NullInt64
		fixCommitRef, fixPRRef, ticketRef       sql.NullString
		postFixConversionRate, upliftPercentage sql.NullFloat64
	)
	a := &issue.Anomaly
	err := row.Scan(
		&issue.ID, &a.FunnelStep, &detectedAt, &a.CurrentConversionRate, &a.BaselineConversionRate,
		&a.DropPercentage, &a.SigmaValue, &a.IsSignificant, &a.CurrentSessions, &a.BaselineSessions,
		&status, &severity, &evidenceJSON, &diagnosisJSON, &createdAt, &diagnosedAt, &fixedAt, &measuredAt,
		&fixCommitRef, &fixPRRef, &ticketRef, &postFixConversionRate, &upliftPercentage, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.DetectedAt = timeFromMillis(detectedAt)
	issue.Status = types.Status(status)
	issue.Severity = types.Severity(severity)
	issue.CreatedAt = timeFromMillis(createdAt)
	issue.UpdatedAt = timeFromMillis(updatedAt)
	issue.DiagnosedAt = timePtr(diagnosedAt)
	issue.FixedAt = timePtr(fixedAt)
	issue.MeasuredAt = timePtr(measuredAt)
	issue.FixCommitRef = stringPtr(fixCommitRef)
	issue.FixPRRef = stringPtr(fixPRRef)
	issue.TicketRef = stringPtr(ticketRef)
	issue.PostFixConversionRate = floatPtr(postFixConversionRate)
	issue.UpliftPercentage = floatPtr(upliftPercentage)

	issue.Evidence = types.NewEvidence()
	if evidenceJSON != "" {
		if err := json.Unmarshal([]byte(evidenceJSON), issue.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence for %s: %w", issue.ID, err)
		}
	}
	if diagnosisJSON.Valid && diagnosisJSON.String != "" {
		issue.Diagnosis = &types.Diagnosis{}
		if err := json.Unmarshal([]byte(diagnosisJSON.String), issue.Diagnosis); err != nil {
			return nil, fmt.Errorf("failed to decode diagnosis for %s: %w", issue.ID, err)
		}
	}

	return &issue, nil
}

func encodeIssueDocuments(issue *types.Issue) (string, sql.NullString, error) {
	evidence := issue.Evidence
	if evidence == nil {
		evidence = types.NewEvidence()
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to marshal evidence: %w", err)
	}

	var diagnosisJSON sql.NullString
	if issue.Diagnosis != nil {
		b, err := json.Marshal(issue.Diagnosis)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to marshal diagnosis: %w", err)
		}
		diagnosisJSON = sql.NullString{String: string(b), Valid: true}
	}
	return string(evidenceJSON), diagnosisJSON, nil
}
