package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles all persistence for users, requests, tracking and the notification queue.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertUser inserts or refreshes a user keyed by request-tracker id.
func (r *Repository) UpsertUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (seerr_id, email, username, plex_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (seerr_id) DO UPDATE
		SET email = EXCLUDED.email,
			username = EXCLUDED.username,
			plex_id = COALESCE(EXCLUDED.plex_id, users.plex_id),
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, u.SeerrID, u.Email, u.Username, u.PlexID).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

const userColumns = `id, seerr_id, email, username, plex_id, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.SeerrID, &u.Email, &u.Username, &u.PlexID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser looks up a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.db.Pool().QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetUserBySeerrID looks up a user by request-tracker id.
func (r *Repository) GetUserBySeerrID(ctx context.Context, seerrID int64) (*User, error) {
	u, err := scanUser(r.db.Pool().QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE seerr_id = $1`, seerrID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// FindUserByEmail matches case-insensitively.
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.db.Pool().QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) ORDER BY id LIMIT 1`, strings.TrimSpace(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// ListUsers returns every user ordered by username.
func (r *Repository) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// UpsertRequest inserts or refreshes a request keyed by request-tracker id.
// created reports whether the row is new.
func (r *Repository) UpsertRequest(ctx context.Context, req *MediaRequest) (bool, error) {
	query := `
		INSERT INTO media_requests (
			user_id, seerr_request_id, media_type, tmdb_id, tvdb_id,
			title, status, season_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (seerr_request_id) DO UPDATE
		SET status = CASE
				WHEN media_requests.status = 'available' AND EXCLUDED.status = 'approved' THEN media_requests.status
				ELSE EXCLUDED.status
			END,
			title = COALESCE(NULLIF(EXCLUDED.title, ''), media_requests.title),
			tvdb_id = COALESCE(EXCLUDED.tvdb_id, media_requests.tvdb_id),
			season_count = COALESCE(EXCLUDED.season_count, media_requests.season_count),
			updated_at = NOW()
		RETURNING id, status, created_at, updated_at, (xmax = 0)
	`

	var created bool
	err := r.db.Pool().QueryRow(ctx, query,
		req.UserID, req.SeerrRequestID, req.MediaType, req.TMDBID, req.TVDBID,
		req.Title, req.Status, req.SeasonCount,
	).Scan(&req.ID, &req.Status, &req.CreatedAt, &req.UpdatedAt, &created)
	if err != nil {
		r.logger.Error("failed to upsert request",
			zap.Error(err),
			zap.Int64("seerr_request_id", req.SeerrRequestID),
		)
		return false, fmt.Errorf("upsert request: %w", err)
	}

	return created, nil
}

const requestColumns = `id, user_id, seerr_request_id, media_type, tmdb_id, tvdb_id, title, status, season_count, created_at, updated_at`

func scanRequest(row pgx.Row) (*MediaRequest, error) {
	var req MediaRequest
	err := row.Scan(
		&req.ID, &req.UserID, &req.SeerrRequestID, &req.MediaType, &req.TMDBID, &req.TVDBID,
		&req.Title, &req.Status, &req.SeasonCount, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func collectRequests(rows pgx.Rows) ([]*MediaRequest, error) {
	defer rows.Close()

	var out []*MediaRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

// GetRequest retrieves a request by ID
func (r *Repository) GetRequest(ctx context.Context, id int64) (*MediaRequest, error) {
	req, err := scanRequest(r.db.Pool().QueryRow(ctx, `SELECT `+requestColumns+` FROM media_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	return req, nil
}

// RequestsByTMDB returns every request for one title.
func (r *Repository) RequestsByTMDB(ctx context.Context, mediaType string, tmdbID int64) ([]*MediaRequest, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+requestColumns+` FROM media_requests WHERE media_type = $1 AND tmdb_id = $2 ORDER BY id`,
		mediaType, tmdbID)
	if err != nil {
		return nil, fmt.Errorf("query requests by tmdb: %w", err)
	}
	return collectRequests(rows)
}

// RequestsByStatus lists requests in any of statuses. An empty mediaType matches both.
func (r *Repository) RequestsByStatus(ctx context.Context, mediaType string, statuses ...string) ([]*MediaRequest, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+requestColumns+` FROM media_requests
		WHERE status = ANY($1) AND ($2 = '' OR media_type = $2)
		ORDER BY id`,
		statuses, mediaType)
	if err != nil {
		return nil, fmt.Errorf("query requests by status: %w", err)
	}
	return collectRequests(rows)
}

// SetRequestStatus updates the status of a request
func (r *Repository) SetRequestStatus(ctx context.Context, id int64, status string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE media_requests SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	return nil
}

// Subscribers returns the owner of a request followed by every share grantee.
func (r *Repository) Subscribers(ctx context.Context, requestID int64) ([]Subscriber, error) {
	query := `
		SELECT u.id, u.email, u.username, TRUE
		FROM media_requests mr
		JOIN users u ON u.id = mr.user_id
		WHERE mr.id = $1
		UNION
		SELECT u.id, u.email, u.username, FALSE
		FROM shared_requests sr
		JOIN users u ON u.id = sr.user_id
		JOIN media_requests mr ON mr.id = sr.request_id
		WHERE sr.request_id = $1 AND sr.user_id <> mr.user_id
		ORDER BY 4 DESC, 1
	`

	rows, err := r.db.Pool().Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var s Subscriber
		if err := rows.Scan(&s.UserID, &s.Email, &s.Username, &s.Owner); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// ShareRequest grants userID notifications for a request. Episodes the owner
// has already been sent are claimed for the new grantee in the same
// transaction, so a share never triggers mail for the back catalogue.
// Sharing twice is a no-op.
func (r *Repository) ShareRequest(ctx context.Context, requestID, userID int64, addedBy *int64) error {
	backfilled := 0
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO shared_requests (request_id, user_id, added_by)
			VALUES ($1, $2, $3)
			ON CONFLICT (request_id, user_id) DO NOTHING`,
			requestID, userID, addedBy)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		backfilled, err = claimOwnerHistory(ctx, tx, requestID, userID)
		return err
	})
	if IsForeignKeyViolation(err) {
		return fmt.Errorf("share %d/%d: %w", requestID, userID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("share request: %w", err)
	}
	if backfilled > 0 {
		r.logger.Info("share claimed existing episodes",
			zap.Int64("request_id", requestID),
			zap.Int64("user_id", userID),
			zap.Int("episodes", backfilled),
		)
	}
	return nil
}

// claimOwnerHistory copies the owner's episode claims to userID under a
// sent marker notification. The marker is dropped when there was nothing
// to copy.
func claimOwnerHistory(ctx context.Context, tx pgx.Tx, requestID, userID int64) (int, error) {
	n := &Notification{
		ID:        uuid.New(),
		UserID:    &userID,
		RequestID: &requestID,
		Type:      TypeEpisode,
		Subject:   "shared history",
	}
	n.DedupKey = n.ID.String()

	if _, err := tx.Exec(ctx, insertNotification+`
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		notificationArgs(n)...); err != nil {
		return 0, fmt.Errorf("insert share marker: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO notification_episodes (
			notification_id, user_id, request_id, season_number,
			episode_number, episode_title, air_date
		)
		SELECT $1, $2, ne.request_id, ne.season_number,
			ne.episode_number, ne.episode_title, ne.air_date
		FROM notification_episodes ne
		JOIN media_requests mr ON mr.id = ne.request_id AND mr.user_id = ne.user_id
		WHERE ne.request_id = $3
		ON CONFLICT DO NOTHING`,
		n.ID, userID, requestID)
	if err != nil {
		return 0, fmt.Errorf("copy owner claims: %w", err)
	}

	if tag.RowsAffected() == 0 {
		_, err = tx.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, n.ID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE notifications SET sent = TRUE, sent_at = $1 WHERE id = $2`, time.Now(), n.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("settle share marker: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UnshareRequest revokes a share grant.
func (r *Repository) UnshareRequest(ctx context.Context, requestID, userID int64) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM shared_requests WHERE request_id = $1 AND user_id = $2`, requestID, userID)
	if err != nil {
		return fmt.Errorf("unshare request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("share %d/%d: %w", requestID, userID, ErrNotFound)
	}
	return nil
}
