package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	n.id, n.user_id, n.request_id, n.recipient, n.type, n.dedup_key,
	n.subject, n.body, n.media_title, n.poster_url, n.series_id,
	n.sent, n.sent_at, n.send_after, n.failed, n.attempts, n.error_message,
	n.created_at, COALESCE(u.email, n.recipient), COALESCE(u.username, '')
`

const notificationFrom = `FROM notifications n LEFT JOIN users u ON u.id = n.user_id`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.RequestID, &n.Recipient, &n.Type, &n.DedupKey,
		&n.Subject, &n.Body, &n.MediaTitle, &n.PosterURL, &n.SeriesID,
		&n.Sent, &n.SentAt, &n.SendAfter, &n.Failed, &n.Attempts, &n.ErrorMessage,
		&n.CreatedAt, &n.Email, &n.Username,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

const insertNotification = `
	INSERT INTO notifications (
		id, user_id, request_id, recipient, type, dedup_key,
		subject, body, media_title, poster_url, series_id, send_after
	)
`

func notificationArgs(n *Notification) []any {
	return []any{
		n.ID, n.UserID, n.RequestID, n.Recipient, n.Type, n.DedupKey,
		n.Subject, n.Body, n.MediaTitle, n.PosterURL, n.SeriesID, n.SendAfter,
	}
}

// CreateNotification inserts n unless a row with the same
// (user, request, type, dedup key) exists. It reports whether a row was written.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	query := insertNotification + `
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, notificationArgs(n)...).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("type", n.Type),
			zap.String("dedup_key", n.DedupKey),
		)
		return false, fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification queued",
		zap.String("notification_id", n.ID.String()),
		zap.String("type", n.Type),
		zap.String("subject", n.Subject),
	)
	return true, nil
}

// CreateWindowedNotification is CreateNotification that also refuses when the same
// (user, request, type) was created within window.
func (r *Repository) CreateWindowedNotification(ctx context.Context, n *Notification, window time.Duration) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	query := insertNotification + `
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE NOT EXISTS (
			SELECT 1 FROM notifications
			WHERE user_id IS NOT DISTINCT FROM $2
				AND request_id IS NOT DISTINCT FROM $3
				AND type = $5
				AND created_at > NOW() - make_interval(secs => $13::float8)
		)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`

	args := append(notificationArgs(n), window.Seconds())
	err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert windowed notification: %w", err)
	}

	r.logger.Info("notification queued",
		zap.String("notification_id", n.ID.String()),
		zap.String("type", n.Type),
		zap.Duration("window", window),
	)
	return true, nil
}

// EpisodeRenderer builds subject and body once the claimed episodes are known.
type EpisodeRenderer func(claimed []NotificationEpisode) (subject, body string, err error)

// CreateEpisodeNotification inserts n and claims each episode for n's user in one
// transaction. Episodes the user already holds a claim on are skipped; when nothing
// is claimed the notification is rolled back and (nil, nil) is returned.
func (r *Repository) CreateEpisodeNotification(
	ctx context.Context,
	n *Notification,
	episodes []NotificationEpisode,
	render EpisodeRenderer,
) ([]NotificationEpisode, error) {
	if n.UserID == nil || n.RequestID == nil {
		return nil, fmt.Errorf("episode notification requires user and request")
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.DedupKey = n.ID.String()

	var claimed []NotificationEpisode
	errNothingClaimed := errors.New("nothing claimed")

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		query := insertNotification + `
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at
		`
		if err := tx.QueryRow(ctx, query, notificationArgs(n)...).Scan(&n.CreatedAt); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}

		for _, ep := range episodes {
			var got NotificationEpisode
			err := tx.QueryRow(ctx, `
				INSERT INTO notification_episodes (
					notification_id, user_id, request_id, season_number,
					episode_number, episode_title, air_date
				) VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT DO NOTHING
				RETURNING season_number, episode_number`,
				n.ID, *n.UserID, *n.RequestID, ep.SeasonNumber, ep.EpisodeNumber, ep.EpisodeTitle, ep.AirDate,
			).Scan(&got.SeasonNumber, &got.EpisodeNumber)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("claim episode: %w", err)
			}
			ep.NotificationID = n.ID
			ep.UserID = *n.UserID
			ep.RequestID = *n.RequestID
			claimed = append(claimed, ep)
		}

		if len(claimed) == 0 {
			return errNothingClaimed
		}

		subject, body, err := render(claimed)
		if err != nil {
			return fmt.Errorf("render notification: %w", err)
		}
		n.Subject, n.Body = subject, body

		if _, err := tx.Exec(ctx,
			`UPDATE notifications SET subject = $1, body = $2 WHERE id = $3`,
			n.Subject, n.Body, n.ID); err != nil {
			return fmt.Errorf("update notification body: %w", err)
		}

		if n.SeriesID != nil {
			for _, ep := range claimed {
				if _, err := tx.Exec(ctx, `
					UPDATE episode_tracking SET notified = TRUE
					WHERE request_id = $1 AND series_id = $2 AND season_number = $3 AND episode_number = $4`,
					*n.RequestID, *n.SeriesID, ep.SeasonNumber, ep.EpisodeNumber); err != nil {
					return fmt.Errorf("mark tracking notified: %w", err)
				}
			}
		}
		return nil
	})

	if errors.Is(err, errNothingClaimed) {
		return nil, nil
	}
	if IsUniqueViolation(err) {
		// A concurrent writer claimed the same episodes first.
		r.logger.Debug("episode claim raced, treating as handled",
			zap.Int64p("user_id", n.UserID),
			zap.Int64p("request_id", n.RequestID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("episode notification queued",
		zap.String("notification_id", n.ID.String()),
		zap.Int64p("user_id", n.UserID),
		zap.Int("episodes", len(claimed)),
	)
	return claimed, nil
}

// ClaimEpisodesSilently records episodes as already delivered to a user without
// producing mail. Used when importing history that predates this service.
func (r *Repository) ClaimEpisodesSilently(ctx context.Context, userID, requestID int64, episodes []NotificationEpisode) (int, error) {
	if len(episodes) == 0 {
		return 0, nil
	}

	n := &Notification{
		ID:        uuid.New(),
		UserID:    &userID,
		RequestID: &requestID,
		Type:      TypeEpisode,
		Subject:   "imported history",
	}
	n.DedupKey = n.ID.String()
	now := time.Now()

	claimed := 0
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		query := insertNotification + `
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`
		if _, err := tx.Exec(ctx, query, notificationArgs(n)...); err != nil {
			return fmt.Errorf("insert import marker: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE notifications SET sent = TRUE, sent_at = $1 WHERE id = $2`, now, n.ID); err != nil {
			return fmt.Errorf("mark import marker sent: %w", err)
		}
		for _, ep := range episodes {
			tag, err := tx.Exec(ctx, `
				INSERT INTO notification_episodes (
					notification_id, user_id, request_id, season_number,
					episode_number, episode_title, air_date
				) VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT DO NOTHING`,
				n.ID, userID, requestID, ep.SeasonNumber, ep.EpisodeNumber, ep.EpisodeTitle, ep.AirDate)
			if err != nil {
				return fmt.Errorf("claim imported episode: %w", err)
			}
			claimed += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// EpisodeClaims returns the users already holding a claim for each episode of a request.
func (r *Repository) EpisodeClaims(ctx context.Context, requestID int64) (map[EpisodeKey]map[int64]bool, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT user_id, season_number, episode_number
		FROM notification_episodes
		WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query episode claims: %w", err)
	}
	defer rows.Close()

	claims := make(map[EpisodeKey]map[int64]bool)
	for rows.Next() {
		var (
			userID int64
			k      EpisodeKey
		)
		if err := rows.Scan(&userID, &k.Season, &k.Episode); err != nil {
			return nil, fmt.Errorf("scan episode claim: %w", err)
		}
		if claims[k] == nil {
			claims[k] = make(map[int64]bool)
		}
		claims[k][userID] = true
	}
	return claims, rows.Err()
}

// HasNotification reports whether any row of typ exists for (user, request).
func (r *Repository) HasNotification(ctx context.Context, userID, requestID int64, typ string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notifications WHERE user_id = $1 AND request_id = $2 AND type = $3
		)`, userID, requestID, typ).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return exists, nil
}

// DeletePendingByType drops unsent rows of typ for a request.
func (r *Repository) DeletePendingByType(ctx context.Context, requestID int64, typ string) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE request_id = $1 AND type = $2 AND sent = FALSE`, requestID, typ)
	if err != nil {
		return 0, fmt.Errorf("delete pending %s notifications: %w", typ, err)
	}
	return result.RowsAffected(), nil
}

// ReadyNotifications returns unsent rows whose delay gate has passed, oldest first.
func (r *Repository) ReadyNotifications(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` ` + notificationFrom + `
		WHERE n.sent = FALSE AND n.failed = FALSE
			AND (n.send_after IS NULL OR n.send_after <= $1)
		ORDER BY n.created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query ready notifications: %w", err)
	}
	return collectNotifications(rows)
}

// PendingBatch returns unsent rows for (user, series, type) that become ready by horizon.
func (r *Repository) PendingBatch(ctx context.Context, userID, seriesID int64, typ string, horizon time.Time) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` ` + notificationFrom + `
		WHERE n.sent = FALSE AND n.failed = FALSE
			AND n.user_id = $1 AND n.series_id = $2 AND n.type = $3
			AND (n.send_after IS NULL OR n.send_after <= $4)
		ORDER BY n.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, seriesID, typ, horizon)
	if err != nil {
		return nil, fmt.Errorf("query pending batch: %w", err)
	}
	return collectNotifications(rows)
}

// ListPending returns unsent rows for operators, newest first.
func (r *Repository) ListPending(ctx context.Context, limit, offset int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` ` + notificationFrom + `
		WHERE n.sent = FALSE
		ORDER BY n.created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	return collectNotifications(rows)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// NotificationEpisodes returns the episodes claimed by the given notifications,
// sorted by season then episode.
func (r *Repository) NotificationEpisodes(ctx context.Context, ids []uuid.UUID) ([]NotificationEpisode, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT notification_id, user_id, request_id, season_number, episode_number, episode_title, air_date
		FROM notification_episodes
		WHERE notification_id = ANY($1::uuid[])
		ORDER BY season_number, episode_number`, uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("query notification episodes: %w", err)
	}
	defer rows.Close()

	var out []NotificationEpisode
	for rows.Next() {
		var ep NotificationEpisode
		if err := rows.Scan(&ep.NotificationID, &ep.UserID, &ep.RequestID,
			&ep.SeasonNumber, &ep.EpisodeNumber, &ep.EpisodeTitle, &ep.AirDate); err != nil {
			return nil, fmt.Errorf("scan notification episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// ExtendSendAfter pushes a row's delay gate.
func (r *Repository) ExtendSendAfter(ctx context.Context, id uuid.UUID, sendAfter time.Time) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET send_after = $1 WHERE id = $2 AND sent = FALSE`, sendAfter, id)
	if err != nil {
		return fmt.Errorf("extend send_after: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSent flags every row in ids as delivered.
func (r *Repository) MarkSent(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET sent = TRUE, sent_at = $1, error_message = NULL, attempts = attempts + 1
		WHERE id = ANY($2::uuid[])`, at, uuidStrings(ids))
	if err != nil {
		return fmt.Errorf("mark notifications sent: %w", err)
	}
	return nil
}

// RecordSendFailure stores the error on every row in ids. A non-nil retryAt moves
// the delay gate; permanent removes the rows from the ready set.
func (r *Repository) RecordSendFailure(ctx context.Context, ids []uuid.UUID, errMsg string, retryAt *time.Time, permanent bool) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET error_message = $1,
			attempts = attempts + 1,
			send_after = COALESCE($2, send_after),
			failed = $3
		WHERE id = ANY($4::uuid[]) AND sent = FALSE`,
		errMsg, retryAt, permanent, uuidStrings(ids))
	if err != nil {
		return fmt.Errorf("record send failure: %w", err)
	}
	return nil
}

// PurgePending marks every unsent row as sent without delivering it.
func (r *Repository) PurgePending(ctx context.Context) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET sent = TRUE, sent_at = NOW(), error_message = 'purged without sending'
		WHERE sent = FALSE`)
	if err != nil {
		return 0, fmt.Errorf("purge pending notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// RetryNow clears delay gates, errors and permanent failures on unsent rows.
func (r *Repository) RetryNow(ctx context.Context) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET send_after = NULL, failed = FALSE, error_message = NULL, attempts = 0
		WHERE sent = FALSE`)
	if err != nil {
		return 0, fmt.Errorf("retry pending notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// SentActivity summarises what each user received since a point in time.
// Users with nothing delivered are omitted.
func (r *Repository) SentActivity(ctx context.Context, since time.Time) ([]UserActivity, error) {
	query := `
		SELECT * FROM (
			SELECT
				u.id, u.username, u.email,
				(SELECT COUNT(*) FROM notification_episodes ne
					JOIN notifications n ON n.id = ne.notification_id
					WHERE ne.user_id = u.id AND n.sent AND n.sent_at >= $1
						AND COALESCE(n.error_message, '') <> 'purged without sending'
						AND n.subject <> 'imported history') AS episodes,
				(SELECT COUNT(*) FROM notifications n
					WHERE n.user_id = u.id AND n.type = 'movie' AND n.sent AND n.sent_at >= $1
						AND COALESCE(n.error_message, '') <> 'purged without sending') AS movies
			FROM users u
		) activity
		WHERE episodes > 0 OR movies > 0
		ORDER BY username
	`

	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query sent activity: %w", err)
	}
	defer rows.Close()

	var out []UserActivity
	for rows.Next() {
		var a UserActivity
		if err := rows.Scan(&a.UserID, &a.Username, &a.Email, &a.Episodes, &a.Movies); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
