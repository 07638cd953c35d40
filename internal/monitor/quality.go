// Package monitor polls the PVRs for requested titles that are not ready yet
// (unreleased, or waiting for a file that meets the quality profile) and for
// downloads that are stuck in the queue.
package monitor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/metrics"
)

type Store interface {
	RequestsByStatus(ctx context.Context, mediaType string, statuses ...string) ([]*db.MediaRequest, error)
	Subscribers(ctx context.Context, requestID int64) ([]db.Subscriber, error)
	CreateWindowedNotification(ctx context.Context, n *db.Notification, window time.Duration) (bool, error)
}

type TVLibrary interface {
	SeriesForRequest(ctx context.Context, tmdbID int64, tvdbID *int64) (*arr.Series, error)
	Episodes(ctx context.Context, seriesID int64) ([]arr.Episode, error)
	SeriesInQueue(ctx context.Context, seriesID int64) (bool, error)
	QualityProfileName(ctx context.Context, id int64) string
}

type MovieLibrary interface {
	MovieByTMDB(ctx context.Context, tmdbID int64) (*arr.Movie, error)
	MovieInQueue(ctx context.Context, movieID int64) (bool, error)
	QualityProfileName(ctx context.Context, id int64) string
}

type Posters interface {
	PosterURL(ctx context.Context, mediaType string, tmdbID int64) string
}

// Gate pauses monitors, e.g. during a maintenance window.
type Gate interface {
	Paused(ctx context.Context) (bool, error)
}

type QualityConfig struct {
	ComingSoonWindow time.Duration // at most one coming-soon notice per request per window
	WaitingWindow    time.Duration // at most one waiting-for-quality notice per request per window
	WaitingDelay     time.Duration // settle before a waiting notice can be sent
	AiredGrace       time.Duration // episodes aired this long ago without a good file count as waiting
}

// QualityResult counts notices queued by one pass.
type QualityResult struct {
	Checked    int `json:"checked"`
	ComingSoon int `json:"coming_soon"`
	Waiting    int `json:"waiting"`
}

// QualityMonitor queues coming-soon and waiting-for-quality notices for
// pending and approved requests.
type QualityMonitor struct {
	store    Store
	tv       TVLibrary
	movies   MovieLibrary
	posters  Posters
	renderer *email.Renderer
	gate     Gate
	config   QualityConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewQualityMonitor builds the monitor. tv, movies, posters and gate may be nil.
func NewQualityMonitor(store Store, tv TVLibrary, movies MovieLibrary, posters Posters, renderer *email.Renderer, gate Gate, cfg QualityConfig, logger *zap.Logger) *QualityMonitor {
	if cfg.ComingSoonWindow == 0 {
		cfg.ComingSoonWindow = 30 * 24 * time.Hour
	}
	if cfg.WaitingWindow == 0 {
		cfg.WaitingWindow = 7 * 24 * time.Hour
	}
	if cfg.WaitingDelay == 0 {
		cfg.WaitingDelay = time.Hour
	}
	if cfg.AiredGrace == 0 {
		cfg.AiredGrace = 7 * 24 * time.Hour
	}
	return &QualityMonitor{
		store:    store,
		tv:       tv,
		movies:   movies,
		posters:  posters,
		renderer: renderer,
		gate:     gate,
		config:   cfg,
		logger:   logger.Named("quality-monitor"),
		now:      time.Now,
	}
}

// RunOnce checks every pending and approved request.
func (m *QualityMonitor) RunOnce(ctx context.Context) error {
	_, err := m.Check(ctx)
	return err
}

func (m *QualityMonitor) Check(ctx context.Context) (*QualityResult, error) {
	res := &QualityResult{}
	if paused(ctx, m.gate) {
		m.logger.Debug("maintenance active, skipping quality check")
		return res, nil
	}

	var errs []error
	if m.tv != nil {
		if err := m.each(ctx, db.MediaTypeTV, res, m.checkSeries); err != nil {
			errs = append(errs, err)
		}
	}
	if m.movies != nil {
		if err := m.each(ctx, db.MediaTypeMovie, res, m.checkMovie); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("quality check complete",
		zap.Int("checked", res.Checked),
		zap.Int("coming_soon", res.ComingSoon),
		zap.Int("waiting", res.Waiting),
	)
	return res, errors.Join(errs...)
}

func (m *QualityMonitor) each(ctx context.Context, mediaType string, res *QualityResult, check func(context.Context, *db.MediaRequest, *QualityResult) error) error {
	reqs, err := m.store.RequestsByStatus(ctx, mediaType, db.RequestPending, db.RequestApproved)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Checked++
		if err := check(ctx, req, res); err != nil && !errors.Is(err, arr.ErrNotFound) {
			m.logger.Warn("quality check failed",
				zap.Int64("request_id", req.ID),
				zap.String("title", req.Title),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (m *QualityMonitor) checkSeries(ctx context.Context, req *db.MediaRequest, res *QualityResult) error {
	series, err := m.tv.SeriesForRequest(ctx, req.TMDBID, req.TVDBID)
	if err != nil {
		return err
	}
	now := m.now()

	if series.Status == "upcoming" && series.FirstAired != nil && series.FirstAired.After(now) {
		n, err := m.comingSoon(ctx, req, series.Title, series.FirstAired)
		res.ComingSoon += n
		return err
	}

	episodes, err := m.tv.Episodes(ctx, series.ID)
	if err != nil {
		return err
	}
	if !waitingOnEpisodes(episodes, now.Add(-m.config.AiredGrace)) {
		return nil
	}

	inQueue, err := m.tv.SeriesInQueue(ctx, series.ID)
	if err != nil {
		m.logger.Warn("queue check failed", zap.Int64("series_id", series.ID), zap.Error(err))
	}
	if inQueue {
		// the stuck monitor owns anything visible in the queue
		return nil
	}

	profile := m.tv.QualityProfileName(ctx, series.QualityProfileID)
	n, err := m.waiting(ctx, req, series.Title, profile, "Aired episodes do not have a file that meets the quality profile yet.")
	res.Waiting += n
	return err
}

// waitingOnEpisodes reports a monitored episode that aired before cutoff and
// still has no file meeting its cutoff.
func waitingOnEpisodes(episodes []arr.Episode, cutoff time.Time) bool {
	for _, ep := range episodes {
		if !ep.Monitored || ep.SeasonNumber == 0 {
			continue
		}
		if ep.Aired(cutoff) && !ep.CutoffMet() {
			return true
		}
	}
	return false
}

func (m *QualityMonitor) checkMovie(ctx context.Context, req *db.MediaRequest, res *QualityResult) error {
	movie, err := m.movies.MovieByTMDB(ctx, req.TMDBID)
	if err != nil {
		return err
	}
	now := m.now()

	if release := movie.HomeRelease(); release != nil && release.After(now) && !movie.HasFile {
		n, err := m.comingSoon(ctx, req, movie.Title, release)
		res.ComingSoon += n
		return err
	}

	var reason string
	switch {
	case movie.HasFile && !movie.CutoffMet():
		reason = "The current file does not meet the requested quality yet."
	case !movie.HasFile && (movie.Status == "released" || movie.Status == "inCinemas"):
		reason = "The movie is out but no release matching the quality profile is available yet."
	default:
		return nil
	}

	inQueue, err := m.movies.MovieInQueue(ctx, movie.ID)
	if err != nil {
		m.logger.Warn("queue check failed", zap.Int64("movie_id", movie.ID), zap.Error(err))
	}
	if inQueue {
		return nil
	}

	profile := m.movies.QualityProfileName(ctx, movie.QualityProfileID)
	n, err := m.waiting(ctx, req, movie.Title, profile, reason)
	res.Waiting += n
	return err
}

func (m *QualityMonitor) poster(ctx context.Context, req *db.MediaRequest) string {
	if m.posters == nil {
		return ""
	}
	return m.posters.PosterURL(ctx, req.MediaType, req.TMDBID)
}

func (m *QualityMonitor) comingSoon(ctx context.Context, req *db.MediaRequest, title string, release *time.Time) (int, error) {
	poster := m.poster(ctx, req)
	return m.queue(ctx, req, db.TypeComingSoon, m.config.ComingSoonWindow, nil, func(sub db.Subscriber) (string, string, error) {
		return m.renderer.ComingSoon(email.ComingSoonData{
			UserName:    sub.Username,
			Title:       title,
			PosterURL:   poster,
			ReleaseDate: release,
		})
	})
}

func (m *QualityMonitor) waiting(ctx context.Context, req *db.MediaRequest, title, profile, reason string) (int, error) {
	sendAfter := m.now().Add(m.config.WaitingDelay)
	return m.queue(ctx, req, db.TypeQualityWaiting, m.config.WaitingWindow, &sendAfter, func(sub db.Subscriber) (string, string, error) {
		return m.renderer.QualityWaiting(email.QualityData{
			UserName:    sub.Username,
			Title:       title,
			ProfileName: profile,
			Reason:      reason,
		})
	})
}

// queue writes one windowed notice per subscriber. The bucketed dedup key and
// the window predicate together keep concurrent passes from doubling up.
func (m *QualityMonitor) queue(ctx context.Context, req *db.MediaRequest, typ string, window time.Duration, sendAfter *time.Time,
	render func(db.Subscriber) (string, string, error)) (int, error) {
	subs, err := m.store.Subscribers(ctx, req.ID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, sub := range subs {
		subject, body, err := render(sub)
		if err != nil {
			return queued, err
		}
		userID, reqID := sub.UserID, req.ID
		created, err := m.store.CreateWindowedNotification(ctx, &db.Notification{
			UserID:     &userID,
			RequestID:  &reqID,
			Type:       typ,
			DedupKey:   bucketKey(m.now(), window),
			Subject:    subject,
			Body:       body,
			MediaTitle: req.Title,
			SendAfter:  sendAfter,
		}, window)
		if err != nil {
			return queued, err
		}
		if created {
			queued++
			metrics.RecordNotificationQueued(typ)
			m.logger.Info("notice queued",
				zap.String("type", typ),
				zap.Int64("request_id", req.ID),
				zap.Int64("user_id", userID),
			)
		}
	}
	return queued, nil
}

// bucketKey numbers the window now falls in. Windows shorter than a second
// bucket per second.
func bucketKey(now time.Time, window time.Duration) string {
	secs := max(int64(window/time.Second), 1)
	return "window:" + strconv.FormatInt(now.Unix()/secs, 10)
}

func paused(ctx context.Context, gate Gate) bool {
	if gate == nil {
		return false
	}
	p, err := gate.Paused(ctx)
	// an unreadable gate does not stop monitoring
	return err == nil && p
}
