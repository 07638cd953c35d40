package db

import (
	"context"
	"fmt"
)

// EpisodeKey identifies an episode within a series.
type EpisodeKey struct {
	Season  int
	Episode int
}

// UpsertTracking records an observed episode. Re-observation only widens state:
// available and notified never flip back, empty titles never overwrite.
func (r *Repository) UpsertTracking(ctx context.Context, t *EpisodeTracking) (bool, error) {
	return upsertTracking(ctx, r.db.Pool(), t)
}

func upsertTracking(ctx context.Context, q querier, t *EpisodeTracking) (bool, error) {
	query := `
		INSERT INTO episode_tracking (
			request_id, series_id, season_number, episode_number,
			episode_title, air_date, notified, available
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id, series_id, season_number, episode_number) DO UPDATE
		SET available = episode_tracking.available OR EXCLUDED.available,
			notified = episode_tracking.notified OR EXCLUDED.notified,
			episode_title = COALESCE(NULLIF(EXCLUDED.episode_title, ''), episode_tracking.episode_title),
			air_date = COALESCE(EXCLUDED.air_date, episode_tracking.air_date)
		RETURNING id, notified, available, created_at, (xmax = 0)
	`

	var created bool
	err := q.QueryRow(ctx, query,
		t.RequestID, t.SeriesID, t.SeasonNumber, t.EpisodeNumber,
		t.EpisodeTitle, t.AirDate, t.Notified, t.Available,
	).Scan(&t.ID, &t.Notified, &t.Available, &t.CreatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("upsert episode tracking: %w", err)
	}
	return created, nil
}

// TrackingWithRequest pairs a tracking row with its parent request, which is nil for orphans.
type TrackingWithRequest struct {
	Tracking EpisodeTracking
	Request  *MediaRequest
}

// ListTracking returns every tracking row with its parent request, orphans included.
func (r *Repository) ListTracking(ctx context.Context) ([]TrackingWithRequest, error) {
	query := `
		SELECT
			t.id, t.request_id, t.series_id, t.season_number, t.episode_number,
			t.episode_title, t.air_date, t.notified, t.available, t.created_at,
			mr.id, mr.user_id, mr.seerr_request_id, mr.media_type, mr.tmdb_id,
			mr.tvdb_id, mr.title, mr.status, mr.season_count
		FROM episode_tracking t
		LEFT JOIN media_requests mr ON mr.id = t.request_id
		ORDER BY t.request_id NULLS FIRST, t.season_number, t.episode_number
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tracking: %w", err)
	}
	defer rows.Close()

	var out []TrackingWithRequest
	for rows.Next() {
		var (
			item        TrackingWithRequest
			reqID       *int64
			userID      *int64
			seerrID     *int64
			mediaType   *string
			tmdbID      *int64
			tvdbID      *int64
			title       *string
			status      *string
			seasonCount *int
		)
		t := &item.Tracking
		err := rows.Scan(
			&t.ID, &t.RequestID, &t.SeriesID, &t.SeasonNumber, &t.EpisodeNumber,
			&t.EpisodeTitle, &t.AirDate, &t.Notified, &t.Available, &t.CreatedAt,
			&reqID, &userID, &seerrID, &mediaType, &tmdbID, &tvdbID, &title, &status, &seasonCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan tracking: %w", err)
		}
		if reqID != nil {
			item.Request = &MediaRequest{
				ID:             *reqID,
				UserID:         *userID,
				SeerrRequestID: *seerrID,
				MediaType:      *mediaType,
				TMDBID:         *tmdbID,
				TVDBID:         tvdbID,
				Title:          *title,
				Status:         *status,
				SeasonCount:    seasonCount,
			}
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking: %w", err)
	}
	return out, nil
}

// TrackedEpisodes returns the episodes already tracked for a request.
func (r *Repository) TrackedEpisodes(ctx context.Context, requestID int64) (map[EpisodeKey]bool, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT season_number, episode_number FROM episode_tracking WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query tracked episodes: %w", err)
	}
	defer rows.Close()

	tracked := make(map[EpisodeKey]bool)
	for rows.Next() {
		var k EpisodeKey
		if err := rows.Scan(&k.Season, &k.Episode); err != nil {
			return nil, fmt.Errorf("scan tracked episode: %w", err)
		}
		tracked[k] = true
	}
	return tracked, rows.Err()
}

// DeleteTracking removes a tracking row.
func (r *Repository) DeleteTracking(ctx context.Context, id int64) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM episode_tracking WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete tracking: %w", err)
	}
	return nil
}
