package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const issueColumns = `
	id, seerr_issue_id, user_id, request_id, media_type, tmdb_id, title,
	season_number, episode_number, issue_type, issue_message, status,
	action_taken, error_message, status_changed_at, resolved_at, created_at, updated_at
`

func scanIssue(row pgx.Row) (*ReportedIssue, error) {
	var i ReportedIssue
	err := row.Scan(
		&i.ID, &i.SeerrIssueID, &i.UserID, &i.RequestID, &i.MediaType, &i.TMDBID, &i.Title,
		&i.SeasonNumber, &i.EpisodeNumber, &i.IssueType, &i.IssueMessage, &i.Status,
		&i.ActionTaken, &i.ErrorMessage, &i.StatusChangedAt, &i.ResolvedAt, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// UpsertIssue records a reported issue. A repeat report for the same upstream issue
// refreshes the message and leaves the state alone.
func (r *Repository) UpsertIssue(ctx context.Context, issue *ReportedIssue) (bool, error) {
	query := `
		INSERT INTO reported_issues (
			seerr_issue_id, user_id, request_id, media_type, tmdb_id, title,
			season_number, episode_number, issue_type, issue_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (seerr_issue_id) DO UPDATE
		SET issue_message = COALESCE(NULLIF(EXCLUDED.issue_message, ''), reported_issues.issue_message),
			updated_at = NOW()
		RETURNING ` + issueColumns + `, (xmax = 0)
	`

	var (
		stored  ReportedIssue
		created bool
	)
	err := r.db.Pool().QueryRow(ctx, query,
		issue.SeerrIssueID, issue.UserID, issue.RequestID, issue.MediaType, issue.TMDBID, issue.Title,
		issue.SeasonNumber, issue.EpisodeNumber, issue.IssueType, issue.IssueMessage,
	).Scan(
		&stored.ID, &stored.SeerrIssueID, &stored.UserID, &stored.RequestID, &stored.MediaType, &stored.TMDBID, &stored.Title,
		&stored.SeasonNumber, &stored.EpisodeNumber, &stored.IssueType, &stored.IssueMessage, &stored.Status,
		&stored.ActionTaken, &stored.ErrorMessage, &stored.StatusChangedAt, &stored.ResolvedAt, &stored.CreatedAt, &stored.UpdatedAt,
		&created,
	)
	if err != nil {
		return false, fmt.Errorf("upsert issue: %w", err)
	}
	*issue = stored
	return created, nil
}

// GetIssue retrieves an issue by ID
func (r *Repository) GetIssue(ctx context.Context, id int64) (*ReportedIssue, error) {
	issue, err := scanIssue(r.db.Pool().QueryRow(ctx, `SELECT `+issueColumns+` FROM reported_issues WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query issue: %w", err)
	}
	return issue, nil
}

// GetIssueBySeerrID retrieves an issue by its upstream id.
func (r *Repository) GetIssueBySeerrID(ctx context.Context, seerrID int64) (*ReportedIssue, error) {
	issue, err := scanIssue(r.db.Pool().QueryRow(ctx, `SELECT `+issueColumns+` FROM reported_issues WHERE seerr_issue_id = $1`, seerrID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query issue: %w", err)
	}
	return issue, nil
}

// TransitionIssue moves an issue to `to` only if it is currently in one of `from`.
// It returns the updated row, or ErrNotFound when the guard did not match.
func (r *Repository) TransitionIssue(ctx context.Context, id int64, from []string, to, action string, errMsg *string) (*ReportedIssue, error) {
	query := `
		UPDATE reported_issues
		SET status = $1,
			resolved_at = CASE WHEN $1 = 'resolved' THEN NOW() ELSE NULL END,
			action_taken = COALESCE(NULLIF($2, ''), action_taken),
			error_message = $3,
			status_changed_at = NOW(),
			updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
		RETURNING ` + issueColumns

	issue, err := scanIssue(r.db.Pool().QueryRow(ctx, query, to, action, errMsg, id, from))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transition issue: %w", err)
	}
	return issue, nil
}

// StaleIssues lists issues in status whose last transition is before cutoff.
func (r *Repository) StaleIssues(ctx context.Context, status string, cutoff time.Time) ([]*ReportedIssue, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+issueColumns+` FROM reported_issues
		WHERE status = $1 AND status_changed_at < $2
		ORDER BY status_changed_at`, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale issues: %w", err)
	}
	defer rows.Close()

	var out []*ReportedIssue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}
