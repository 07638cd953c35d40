package issues

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/metrics"
)

// Store is the persistence the state machine needs.
type Store interface {
	UpsertIssue(ctx context.Context, issue *db.ReportedIssue) (bool, error)
	GetIssue(ctx context.Context, id int64) (*db.ReportedIssue, error)
	GetIssueBySeerrID(ctx context.Context, seerrID int64) (*db.ReportedIssue, error)
	TransitionIssue(ctx context.Context, id int64, from []string, to, action string, errMsg *string) (*db.ReportedIssue, error)
	StaleIssues(ctx context.Context, status string, cutoff time.Time) ([]*db.ReportedIssue, error)
	GetUser(ctx context.Context, id int64) (*db.User, error)
	CreateNotification(ctx context.Context, n *db.Notification) (bool, error)
}

// TV is the TV PVR surface used to fix and verify episode issues.
type TV interface {
	SeriesByTMDB(ctx context.Context, tmdbID int64) (*arr.Series, error)
	Episodes(ctx context.Context, seriesID int64) ([]arr.Episode, error)
	Replace(ctx context.Context, ep arr.Episode) (string, error)
	SearchSeason(ctx context.Context, seriesID int64, season int) error
	SearchSeries(ctx context.Context, seriesID int64) error
}

// Movies is the movie PVR surface used to fix and verify movie issues.
type Movies interface {
	MovieByTMDB(ctx context.Context, tmdbID int64) (*arr.Movie, error)
	Replace(ctx context.Context, m arr.Movie) (string, error)
}

// Tracker receives status callbacks for issues that came from it.
type Tracker interface {
	CommentIssue(ctx context.Context, issueID int64, message string) error
	ResolveIssue(ctx context.Context, issueID int64) error
}

// Config holds issue timing knobs.
type Config struct {
	AutoFix       bool
	FixingStale   time.Duration
	ReportedStale time.Duration
	AbandonAfter  time.Duration
	NotifyDelay   time.Duration
}

// Service drives issues through their lifecycle.
type Service struct {
	store    Store
	tv       TV
	movies   Movies
	tracker  Tracker
	renderer *email.Renderer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New builds the service. tv, movies and tracker may be nil when not configured.
func New(store Store, tv TV, movies Movies, tracker Tracker, renderer *email.Renderer, cfg Config, logger *zap.Logger) *Service {
	if cfg.NotifyDelay == 0 {
		cfg.NotifyDelay = 2 * time.Minute
	}
	return &Service{
		store:    store,
		tv:       tv,
		movies:   movies,
		tracker:  tracker,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger.Named("issues"),
		now:      time.Now,
	}
}

// Reported records a new report and, with auto-fix on, starts the fix.
func (s *Service) Reported(ctx context.Context, issue *db.ReportedIssue) error {
	created, err := s.store.UpsertIssue(ctx, issue)
	if err != nil {
		return err
	}
	s.logger.Info("issue reported",
		zap.Int64("issue_id", issue.ID),
		zap.String("title", issue.Title),
		zap.String("type", issue.IssueType),
		zap.Bool("created", created),
	)
	if !created || !s.cfg.AutoFix {
		return nil
	}
	if _, err := s.Fix(ctx, issue.ID); err != nil {
		// the report is stored; the stale sweep revisits it
		s.logger.Warn("auto-fix failed", zap.Int64("issue_id", issue.ID), zap.Error(err))
	}
	return nil
}

// Commented refreshes the stored message from a tracker comment.
func (s *Service) Commented(ctx context.Context, seerrIssueID int64, message string) error {
	issue, err := s.store.GetIssueBySeerrID(ctx, seerrIssueID)
	if err != nil {
		return err
	}
	if message == "" {
		return nil
	}
	issue.IssueMessage = message
	_, err = s.store.UpsertIssue(ctx, issue)
	return err
}

// ResolvedUpstream force-resolves an issue closed in the tracker. No mail is
// queued; the tracker tells the reporter itself.
func (s *Service) ResolvedUpstream(ctx context.Context, seerrIssueID int64) error {
	issue, err := s.store.GetIssueBySeerrID(ctx, seerrIssueID)
	if err != nil {
		return err
	}
	if issue.Status == db.IssueResolved {
		return nil
	}
	_, err = s.store.TransitionIssue(ctx, issue.ID, sources(db.IssueResolved), db.IssueResolved, "resolved in request tracker", nil)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// Reopened sends an issue back to reported and retries the fix.
func (s *Service) Reopened(ctx context.Context, seerrIssueID int64) error {
	issue, err := s.store.GetIssueBySeerrID(ctx, seerrIssueID)
	if err != nil {
		return err
	}
	if issue.Status == db.IssueReported {
		return nil
	}
	if _, err := s.store.TransitionIssue(ctx, issue.ID, sources(db.IssueReported), db.IssueReported, "reopened", nil); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	if s.cfg.AutoFix {
		if _, err := s.Fix(ctx, issue.ID); err != nil {
			s.logger.Warn("auto-fix after reopen failed", zap.Int64("issue_id", issue.ID), zap.Error(err))
		}
	}
	return nil
}

// Fix blocklists the bad release and triggers a new search, moving the issue to fixing.
func (s *Service) Fix(ctx context.Context, id int64) (*db.ReportedIssue, error) {
	issue, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(issue.Status, db.IssueFixing) {
		return nil, invalid(issue.Status, db.IssueFixing)
	}

	action, err := s.replace(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("fix issue %d: %w", id, err)
	}

	updated, err := s.store.TransitionIssue(ctx, id, sources(db.IssueFixing), db.IssueFixing, action, nil)
	if errors.Is(err, db.ErrNotFound) {
		return nil, invalid(issue.Status, db.IssueFixing)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("issue fix started", zap.Int64("issue_id", id), zap.String("action", action))
	s.comment(ctx, updated, "Working on it: "+action+".")
	return updated, nil
}

func (s *Service) replace(ctx context.Context, issue *db.ReportedIssue) (string, error) {
	if issue.MediaType == db.MediaTypeMovie {
		if s.movies == nil {
			return "", errors.New("movie PVR not configured")
		}
		movie, err := s.movies.MovieByTMDB(ctx, issue.TMDBID)
		if err != nil {
			return "", err
		}
		return s.movies.Replace(ctx, *movie)
	}

	if s.tv == nil {
		return "", errors.New("TV PVR not configured")
	}
	series, err := s.tv.SeriesByTMDB(ctx, issue.TMDBID)
	if err != nil {
		return "", err
	}
	switch {
	case issue.SeasonNumber != nil && issue.EpisodeNumber != nil:
		ep, err := s.findEpisode(ctx, series.ID, *issue.SeasonNumber, *issue.EpisodeNumber)
		if err != nil {
			return "", err
		}
		return s.tv.Replace(ctx, *ep)
	case issue.SeasonNumber != nil:
		if err := s.tv.SearchSeason(ctx, series.ID, *issue.SeasonNumber); err != nil {
			return "", err
		}
		return "searched season " + strconv.Itoa(*issue.SeasonNumber), nil
	default:
		if err := s.tv.SearchSeries(ctx, series.ID); err != nil {
			return "", err
		}
		return "searched series", nil
	}
}

func (s *Service) findEpisode(ctx context.Context, seriesID int64, season, episode int) (*arr.Episode, error) {
	eps, err := s.tv.Episodes(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	for i := range eps {
		if eps[i].SeasonNumber == season && eps[i].EpisodeNumber == episode {
			return &eps[i], nil
		}
	}
	return nil, fmt.Errorf("episode S%02dE%02d: %w", season, episode, arr.ErrNotFound)
}

// Resolve closes an issue, queues the "issue resolved" mail for the reporter and
// closes it upstream. Used by the stale sweep and by operators.
func (s *Service) Resolve(ctx context.Context, id int64, action string) (*db.ReportedIssue, error) {
	current, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, db.IssueResolved) {
		return nil, invalid(current.Status, db.IssueResolved)
	}

	issue, err := s.store.TransitionIssue(ctx, id, sources(db.IssueResolved), db.IssueResolved, action, nil)
	if errors.Is(err, db.ErrNotFound) {
		return nil, invalid(current.Status, db.IssueResolved)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("issue resolved", zap.Int64("issue_id", id), zap.String("action", action))

	if err := s.queueResolved(ctx, issue); err != nil {
		s.logger.Error("failed to queue resolved notification", zap.Int64("issue_id", id), zap.Error(err))
	}
	if s.tracker != nil && issue.SeerrIssueID != nil {
		if err := s.tracker.ResolveIssue(ctx, *issue.SeerrIssueID); err != nil {
			s.logger.Warn("failed to resolve issue upstream", zap.Int64("issue_id", id), zap.Error(err))
		}
	}
	return issue, nil
}

// Fail marks an issue abandoned.
func (s *Service) Fail(ctx context.Context, id int64, reason string) (*db.ReportedIssue, error) {
	issue, err := s.store.TransitionIssue(ctx, id, []string{db.IssueReported, db.IssueFixing}, db.IssueFailed, "", &reason)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: issue %d is not open", ErrInvalidTransition, id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Warn("issue failed", zap.Int64("issue_id", id), zap.String("reason", reason))
	s.comment(ctx, issue, "Automatic fix gave up: "+reason)
	return issue, nil
}

func (s *Service) comment(ctx context.Context, issue *db.ReportedIssue, msg string) {
	if s.tracker == nil || issue.SeerrIssueID == nil {
		return
	}
	if err := s.tracker.CommentIssue(ctx, *issue.SeerrIssueID, msg); err != nil {
		s.logger.Warn("failed to comment on issue", zap.Int64("issue_id", issue.ID), zap.Error(err))
	}
}

func (s *Service) queueResolved(ctx context.Context, issue *db.ReportedIssue) error {
	if issue.UserID == nil {
		return nil
	}
	user, err := s.store.GetUser(ctx, *issue.UserID)
	if err != nil {
		return err
	}

	data := email.IssueData{
		UserName:  user.Username,
		Title:     issue.Title,
		IssueType: issue.IssueType,
		Action:    issue.ActionTaken,
	}
	if issue.SeasonNumber != nil && issue.EpisodeNumber != nil {
		data.Episode = fmt.Sprintf("S%02dE%02d", *issue.SeasonNumber, *issue.EpisodeNumber)
	}
	subject, body, err := s.renderer.IssueResolved(data)
	if err != nil {
		return err
	}

	resolvedAt := s.now()
	if issue.ResolvedAt != nil {
		resolvedAt = *issue.ResolvedAt
	}
	sendAfter := s.now().Add(s.cfg.NotifyDelay)
	queued, err := s.store.CreateNotification(ctx, &db.Notification{
		UserID:     issue.UserID,
		RequestID:  issue.RequestID,
		Type:       db.TypeIssueResolved,
		DedupKey:   fmt.Sprintf("issue:%d:%d", issue.ID, resolvedAt.Unix()),
		Subject:    subject,
		Body:       body,
		MediaTitle: issue.Title,
		SendAfter:  &sendAfter,
	})
	if err != nil {
		return err
	}
	if queued {
		metrics.RecordNotificationQueued(db.TypeIssueResolved)
	}
	return nil
}
