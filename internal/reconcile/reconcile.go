// Package reconcile repairs state that webhooks missed: tracked episodes
// nobody was told about, downloads that were never tracked, and reported
// issues that stalled. Every pass is idempotent and safe to re-run.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/ingest"
	"github.com/lalithlochan/marquee/internal/issues"
	"github.com/lalithlochan/marquee/internal/plex"
)

type Store interface {
	ListTracking(ctx context.Context) ([]db.TrackingWithRequest, error)
	DeleteTracking(ctx context.Context, id int64) error
	EpisodeClaims(ctx context.Context, requestID int64) (map[db.EpisodeKey]map[int64]bool, error)
	RequestsByStatus(ctx context.Context, mediaType string, statuses ...string) ([]*db.MediaRequest, error)
	TrackedEpisodes(ctx context.Context, requestID int64) (map[db.EpisodeKey]bool, error)
	HasNotification(ctx context.Context, userID, requestID int64, typ string) (bool, error)
}

// Notifier tracks and queues content. ingest.Service implements it.
type Notifier interface {
	NotifyEpisodes(ctx context.Context, req *db.MediaRequest, series ingest.Series, episodes []db.NotificationEpisode) (int, error)
	NotifyMovie(ctx context.Context, req *db.MediaRequest, title string, year int) (int, error)
}

type TVLibrary interface {
	Series(ctx context.Context, id int64) (*arr.Series, error)
	SeriesForRequest(ctx context.Context, tmdbID int64, tvdbID *int64) (*arr.Series, error)
	Episodes(ctx context.Context, seriesID int64) ([]arr.Episode, error)
}

type MovieLibrary interface {
	MovieByTMDB(ctx context.Context, tmdbID int64) (*arr.Movie, error)
}

// IssueSweeper revisits stale reported issues. issues.Service implements it.
type IssueSweeper interface {
	SweepStale(ctx context.Context) (*issues.SweepResult, error)
}

// Gate pauses the sweep, e.g. during a maintenance window.
type Gate interface {
	Paused(ctx context.Context) (bool, error)
}

// Result counts what one sweep repaired.
type Result struct {
	Skipped        bool                `json:"skipped,omitempty"`
	OrphansDeleted int                 `json:"orphans_deleted"`
	Repaired       int                 `json:"repaired_notifications"`
	Untracked      int                 `json:"untracked_notifications"`
	Movies         int                 `json:"movie_notifications"`
	Issues         *issues.SweepResult `json:"issues,omitempty"`
	Duration       time.Duration       `json:"-"`
}

type Reconciler struct {
	store    Store
	notifier Notifier
	presence plex.Checker
	tv       TVLibrary
	movies   MovieLibrary
	issues   IssueSweeper
	gate     Gate
	logger   *zap.Logger
}

// Option configures optional collaborators. A missing library or sweeper
// skips the passes that need it.
type Option func(*Reconciler)

// WithTV enables the untracked-episode pass.
func WithTV(tv TVLibrary) Option { return func(r *Reconciler) { r.tv = tv } }

// WithMovies enables the untracked-movie pass.
func WithMovies(m MovieLibrary) Option { return func(r *Reconciler) { r.movies = m } }

// WithIssues enables the stale-issue pass.
func WithIssues(s IssueSweeper) Option { return func(r *Reconciler) { r.issues = s } }

// WithGate skips sweeps while the gate is paused.
func WithGate(g Gate) Option { return func(r *Reconciler) { r.gate = g } }

func New(store Store, notifier Notifier, presence plex.Checker, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		notifier: notifier,
		presence: presence,
		logger:   logger.Named("reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce runs a full sweep.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	_, err := r.Run(ctx)
	return err
}

// Run executes the three passes. A failing pass does not stop the others;
// their errors are joined.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	if r.gate != nil {
		paused, err := r.gate.Paused(ctx)
		if err != nil {
			return nil, err
		}
		if paused {
			r.logger.Info("maintenance active, skipping reconciliation")
			res.Skipped = true
			return res, nil
		}
	}

	var errs []error
	if err := r.orphans(ctx, res); err != nil {
		errs = append(errs, err)
	}
	if err := r.untrackedEpisodes(ctx, res); err != nil {
		errs = append(errs, err)
	}
	if err := r.untrackedMovies(ctx, res); err != nil {
		errs = append(errs, err)
	}
	if r.issues != nil {
		sweep, err := r.issues.SweepStale(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		res.Issues = sweep
	}

	res.Duration = time.Since(start)
	r.logger.Info("reconciliation complete",
		zap.Int("orphans_deleted", res.OrphansDeleted),
		zap.Int("repaired", res.Repaired),
		zap.Int("untracked", res.Untracked),
		zap.Int("movies", res.Movies),
		zap.Duration("duration", res.Duration),
	)
	return res, errors.Join(errs...)
}

// orphans deletes tracking rows whose request is gone and queues the
// notifications for tracked episodes the request owner was never sent.
// Share grantees ride along on the owner's notification; episodes from
// before a share are claimed for the grantee when the share is made.
func (r *Reconciler) orphans(ctx context.Context, res *Result) error {
	rows, err := r.store.ListTracking(ctx)
	if err != nil {
		return err
	}

	type group struct {
		req  *db.MediaRequest
		rows []db.EpisodeTracking
	}
	var (
		order  []int64
		groups = make(map[int64]*group)
	)
	for _, row := range rows {
		if row.Request == nil {
			if err := r.store.DeleteTracking(ctx, row.Tracking.ID); err != nil {
				return err
			}
			res.OrphansDeleted++
			continue
		}
		g, seen := groups[row.Request.ID]
		if !seen {
			g = &group{req: row.Request}
			groups[row.Request.ID] = g
			order = append(order, row.Request.ID)
		}
		g.rows = append(g.rows, row.Tracking)
	}

	for _, id := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g := groups[id]
		n, err := r.repairRequest(ctx, g.req, g.rows)
		if err != nil {
			r.logger.Error("tracking repair failed", zap.Int64("request_id", id), zap.Error(err))
			continue
		}
		res.Repaired += n
	}
	return nil
}

func (r *Reconciler) repairRequest(ctx context.Context, req *db.MediaRequest, rows []db.EpisodeTracking) (int, error) {
	claims, err := r.store.EpisodeClaims(ctx, req.ID)
	if err != nil {
		return 0, err
	}

	var pending []db.EpisodeTracking
	for _, t := range rows {
		k := db.EpisodeKey{Season: t.SeasonNumber, Episode: t.EpisodeNumber}
		if !claims[k][req.UserID] {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// rows share a series within one request
	series, err := r.seriesFor(ctx, req, pending[0].SeriesID)
	if err != nil || series == nil {
		return 0, err
	}

	var missing []db.NotificationEpisode
	for _, t := range pending {
		if !r.present(ctx, series.Title, t.SeasonNumber, t.EpisodeNumber) {
			continue
		}
		missing = append(missing, db.NotificationEpisode{
			RequestID:     req.ID,
			SeasonNumber:  t.SeasonNumber,
			EpisodeNumber: t.EpisodeNumber,
			EpisodeTitle:  t.EpisodeTitle,
			AirDate:       t.AirDate,
		})
	}
	if len(missing) == 0 {
		return 0, nil
	}

	n, err := r.notifier.NotifyEpisodes(ctx, req, *series, missing)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.logger.Info("queued missed episode notifications",
			zap.Int64("request_id", req.ID),
			zap.String("title", series.Title),
			zap.Int("episodes", len(missing)),
			zap.Int("notifications", n),
		)
	}
	return n, nil
}

// seriesFor names the series the way the media server knows it. Request
// titles come from the tracker and may carry a year suffix, so they are
// only used without a TV library. A series the library no longer has
// yields nil and the request is skipped.
func (r *Reconciler) seriesFor(ctx context.Context, req *db.MediaRequest, seriesID int64) (*ingest.Series, error) {
	if r.tv == nil {
		return &ingest.Series{ID: seriesID, Title: req.Title}, nil
	}
	s, err := r.tv.Series(ctx, seriesID)
	if errors.Is(err, arr.ErrNotFound) {
		r.logger.Warn("tracked series missing from tv library",
			zap.Int64("request_id", req.ID), zap.Int64("series_id", seriesID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ingest.Series{ID: s.ID, Title: s.Title}, nil
}

// present asks the media server. Not knowing counts as absent; the next
// sweep asks again.
func (r *Reconciler) present(ctx context.Context, title string, season, episode int) bool {
	ok, err := r.presence.HasEpisode(ctx, title, season, episode)
	if err != nil {
		r.logger.Warn("media server check failed",
			zap.String("title", title), zap.Int("season", season), zap.Int("episode", episode), zap.Error(err))
		return false
	}
	return ok
}

// untrackedEpisodes finds downloaded episodes of approved TV requests that
// were never tracked.
func (r *Reconciler) untrackedEpisodes(ctx context.Context, res *Result) error {
	if r.tv == nil {
		return nil
	}
	reqs, err := r.store.RequestsByStatus(ctx, db.MediaTypeTV, db.RequestApproved)
	if err != nil {
		return err
	}

	for _, req := range reqs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.trackRequest(ctx, req)
		if err != nil {
			r.logger.Error("untracked episode pass failed", zap.Int64("request_id", req.ID), zap.Error(err))
			continue
		}
		res.Untracked += n
	}
	return nil
}

func (r *Reconciler) trackRequest(ctx context.Context, req *db.MediaRequest) (int, error) {
	series, err := r.tv.SeriesForRequest(ctx, req.TMDBID, req.TVDBID)
	if errors.Is(err, arr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	episodes, err := r.tv.Episodes(ctx, series.ID)
	if err != nil {
		return 0, err
	}
	tracked, err := r.store.TrackedEpisodes(ctx, req.ID)
	if err != nil {
		return 0, err
	}

	var found []db.NotificationEpisode
	for _, ep := range episodes {
		if !ep.CutoffMet() || tracked[db.EpisodeKey{Season: ep.SeasonNumber, Episode: ep.EpisodeNumber}] {
			continue
		}
		if !r.present(ctx, series.Title, ep.SeasonNumber, ep.EpisodeNumber) {
			continue
		}
		found = append(found, db.NotificationEpisode{
			RequestID:     req.ID,
			SeasonNumber:  ep.SeasonNumber,
			EpisodeNumber: ep.EpisodeNumber,
			EpisodeTitle:  ep.Title,
			AirDate:       ep.AirDateUTC,
		})
	}
	if len(found) == 0 {
		return 0, nil
	}

	r.logger.Info("found untracked episodes",
		zap.Int64("request_id", req.ID),
		zap.String("title", series.Title),
		zap.Int("episodes", len(found)),
	)
	return r.notifier.NotifyEpisodes(ctx, req, ingest.Series{ID: series.ID, Title: series.Title}, found)
}

// untrackedMovies finds approved movie requests whose file landed without a
// webhook reaching us.
func (r *Reconciler) untrackedMovies(ctx context.Context, res *Result) error {
	if r.movies == nil {
		return nil
	}
	reqs, err := r.store.RequestsByStatus(ctx, db.MediaTypeMovie, db.RequestApproved)
	if err != nil {
		return err
	}

	for _, req := range reqs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.trackMovie(ctx, req)
		if err != nil {
			r.logger.Error("untracked movie pass failed", zap.Int64("request_id", req.ID), zap.Error(err))
			continue
		}
		res.Movies += n
	}
	return nil
}

func (r *Reconciler) trackMovie(ctx context.Context, req *db.MediaRequest) (int, error) {
	notified, err := r.store.HasNotification(ctx, req.UserID, req.ID, db.TypeMovie)
	if err != nil || notified {
		return 0, err
	}

	movie, err := r.movies.MovieByTMDB(ctx, req.TMDBID)
	if errors.Is(err, arr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !movie.CutoffMet() {
		return 0, nil
	}

	present, err := r.presence.HasMovie(ctx, movie.Title, movie.Year)
	if err != nil {
		r.logger.Warn("media server check failed", zap.String("title", movie.Title), zap.Error(err))
		return 0, nil
	}
	if !present {
		return 0, nil
	}

	r.logger.Info("found untracked movie", zap.Int64("request_id", req.ID), zap.String("title", movie.Title))
	return r.notifier.NotifyMovie(ctx, req, movie.Title, movie.Year)
}
