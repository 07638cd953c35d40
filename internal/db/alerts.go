package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ClaimQueueAlert records that an alert for a download-queue item is being sent.
// It returns true when the item was never alerted or was last alerted more than
// realertAfter ago; concurrent callers cannot both win.
func (r *Repository) ClaimQueueAlert(ctx context.Context, service string, itemID int64, kind, title string, realertAfter time.Duration) (bool, error) {
	query := `
		INSERT INTO queue_alerts (service, item_id, kind, title, last_alerted_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (service, item_id, kind) DO UPDATE
		SET last_alerted_at = NOW(), title = EXCLUDED.title
		WHERE queue_alerts.last_alerted_at < NOW() - make_interval(secs => $5::float8)
		RETURNING item_id
	`

	var got int64
	err := r.db.Pool().QueryRow(ctx, query, service, itemID, kind, title, realertAfter.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim queue alert: %w", err)
	}
	return true, nil
}

// PruneQueueAlerts forgets alerts older than maxAge.
func (r *Repository) PruneQueueAlerts(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM queue_alerts WHERE last_alerted_at < NOW() - make_interval(secs => $1::float8)`,
		maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune queue alerts: %w", err)
	}
	return result.RowsAffected(), nil
}
