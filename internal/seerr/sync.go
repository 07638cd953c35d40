package seerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/db"
)

// Store is the persistence the syncer needs.
type Store interface {
	UpsertUser(ctx context.Context, u *db.User) error
	GetUserBySeerrID(ctx context.Context, seerrID int64) (*db.User, error)
	UpsertRequest(ctx context.Context, req *db.MediaRequest) (bool, error)
	UpsertTracking(ctx context.Context, t *db.EpisodeTracking) (bool, error)
	Subscribers(ctx context.Context, requestID int64) ([]db.Subscriber, error)
	ClaimEpisodesSilently(ctx context.Context, userID, requestID int64, episodes []db.NotificationEpisode) (int, error)
}

// Tracker is the slice of the tracker API the syncer reads.
type Tracker interface {
	Users(ctx context.Context) ([]User, error)
	Requests(ctx context.Context) ([]Request, error)
	Details(ctx context.Context, mediaType string, tmdbID int64) (*Details, error)
}

// TVLibrary finds a request's series and its episodes in the TV PVR.
type TVLibrary interface {
	SeriesForRequest(ctx context.Context, tmdbID int64, tvdbID *int64) (*arr.Series, error)
	Episodes(ctx context.Context, seriesID int64) ([]arr.Episode, error)
}

// SyncResult counts what one sync pass touched.
type SyncResult struct {
	Users    int `json:"users"`
	Requests int `json:"requests"`
	Created  int `json:"created"`
	Imported int `json:"imported_episodes"`
}

// Syncer mirrors tracker users and requests into the store.
type Syncer struct {
	tracker Tracker
	store   Store
	tv      TVLibrary
	logger  *zap.Logger
}

// NewSyncer builds a syncer. tv may be nil when Sonarr is not configured.
func NewSyncer(tracker Tracker, store Store, tv TVLibrary, logger *zap.Logger) *Syncer {
	return &Syncer{
		tracker: tracker,
		store:   store,
		tv:      tv,
		logger:  logger.Named("seerr-sync"),
	}
}

// RunOnce performs one full sync.
func (s *Syncer) RunOnce(ctx context.Context) error {
	_, err := s.Sync(ctx)
	return err
}

// Sync imports users, then requests.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}

	users, err := s.tracker.Users(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		if err := s.store.UpsertUser(ctx, &db.User{
			SeerrID:  u.ID,
			Email:    strings.TrimSpace(u.Email),
			Username: u.Name(),
			PlexID:   u.PlexID,
		}); err != nil {
			return res, err
		}
		res.Users++
	}

	requests, err := s.tracker.Requests(ctx)
	if err != nil {
		return res, err
	}
	for _, r := range requests {
		created, imported, err := s.syncRequest(ctx, r)
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("request owner not synced, skipping",
				zap.Int64("seerr_request_id", r.ID),
				zap.Int64("seerr_user_id", r.RequestedBy.ID),
			)
			continue
		}
		if err != nil {
			// one bad request should not stop the rest
			s.logger.Error("request sync failed", zap.Int64("seerr_request_id", r.ID), zap.Error(err))
			continue
		}
		res.Requests++
		if created {
			res.Created++
		}
		res.Imported += imported
	}

	s.logger.Info("tracker sync complete",
		zap.Int("users", res.Users),
		zap.Int("requests", res.Requests),
		zap.Int("created", res.Created),
		zap.Int("imported_episodes", res.Imported),
	)
	return res, nil
}

func (s *Syncer) syncRequest(ctx context.Context, r Request) (bool, int, error) {
	owner, err := s.store.GetUserBySeerrID(ctx, r.RequestedBy.ID)
	if err != nil {
		return false, 0, err
	}

	mediaType := strings.ToLower(r.Type)
	if mediaType != db.MediaTypeTV && mediaType != db.MediaTypeMovie {
		return false, 0, fmt.Errorf("unknown media type %q", r.Type)
	}

	req := &db.MediaRequest{
		UserID:         owner.ID,
		SeerrRequestID: r.ID,
		MediaType:      mediaType,
		TMDBID:         r.Media.TMDBID,
		TVDBID:         r.Media.TVDBID,
		Status:         MapStatus(r.Status, r.Media.Status),
	}
	if mediaType == db.MediaTypeTV && len(r.Seasons) > 0 {
		n := len(r.Seasons)
		req.SeasonCount = &n
	}
	if d, err := s.tracker.Details(ctx, mediaType, r.Media.TMDBID); err == nil {
		req.Title = d.DisplayTitle()
	} else {
		s.logger.Debug("title lookup failed", zap.Int64("tmdb_id", r.Media.TMDBID), zap.Error(err))
	}
	if req.Title == "" {
		req.Title = "Unknown"
	}

	created, err := s.store.UpsertRequest(ctx, req)
	if err != nil {
		return false, 0, err
	}

	imported := 0
	if created && mediaType == db.MediaTypeTV {
		imported, err = s.ImportExisting(ctx, req)
		if err != nil {
			s.logger.Warn("existing episode import failed", zap.Int64("request_id", req.ID), zap.Error(err))
		}
	}
	return created, imported, nil
}

// ImportExisting records every episode that already has a file as tracked,
// notified and claimed by the request's subscribers, so content that predates
// the request never produces mail.
func (s *Syncer) ImportExisting(ctx context.Context, req *db.MediaRequest) (int, error) {
	if s.tv == nil || req.MediaType != db.MediaTypeTV {
		return 0, nil
	}

	series, err := s.tv.SeriesForRequest(ctx, req.TMDBID, req.TVDBID)
	if errors.Is(err, arr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	episodes, err := s.tv.Episodes(ctx, series.ID)
	if err != nil {
		return 0, err
	}

	requestID := req.ID
	var claims []db.NotificationEpisode
	for _, ep := range episodes {
		if !ep.HasFile {
			continue
		}
		if _, err := s.store.UpsertTracking(ctx, &db.EpisodeTracking{
			RequestID:     &requestID,
			SeriesID:      series.ID,
			SeasonNumber:  ep.SeasonNumber,
			EpisodeNumber: ep.EpisodeNumber,
			EpisodeTitle:  ep.Title,
			AirDate:       ep.AirDateUTC,
			Notified:      true,
			Available:     true,
		}); err != nil {
			return 0, err
		}
		claims = append(claims, db.NotificationEpisode{
			SeasonNumber:  ep.SeasonNumber,
			EpisodeNumber: ep.EpisodeNumber,
			EpisodeTitle:  ep.Title,
			AirDate:       ep.AirDateUTC,
		})
	}
	if len(claims) == 0 {
		return 0, nil
	}

	subs, err := s.store.Subscribers(ctx, req.ID)
	if err != nil {
		return 0, err
	}
	for _, sub := range subs {
		if _, err := s.store.ClaimEpisodesSilently(ctx, sub.UserID, req.ID, claims); err != nil {
			return 0, err
		}
	}

	s.logger.Info("imported existing episodes",
		zap.String("series", series.Title),
		zap.Int64("request_id", req.ID),
		zap.Int("episodes", len(claims)),
	)
	return len(claims), nil
}
