// Package ingest turns PVR and request tracker webhooks into tracking rows and
// queued notifications. It never sends mail itself.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/metrics"
)

// Store is the persistence ingestion needs.
type Store interface {
	RequestsByTMDB(ctx context.Context, mediaType string, tmdbID int64) ([]*db.MediaRequest, error)
	Subscribers(ctx context.Context, requestID int64) ([]db.Subscriber, error)
	UpsertTracking(ctx context.Context, t *db.EpisodeTracking) (bool, error)
	CreateEpisodeNotification(ctx context.Context, n *db.Notification, episodes []db.NotificationEpisode, render db.EpisodeRenderer) ([]db.NotificationEpisode, error)
	CreateNotification(ctx context.Context, n *db.Notification) (bool, error)
	DeletePendingByType(ctx context.Context, requestID int64, typ string) (int64, error)
	SetRequestStatus(ctx context.Context, id int64, status string) error
	FindUserByEmail(ctx context.Context, email string) (*db.User, error)
	UpsertUser(ctx context.Context, u *db.User) error
	UpsertRequest(ctx context.Context, req *db.MediaRequest) (bool, error)
}

// Posters resolves poster art. An empty string means no poster.
type Posters interface {
	PosterURL(ctx context.Context, mediaType string, tmdbID int64) string
}

// Importer backfills episodes that were already on disk when a TV request first appears.
type Importer interface {
	ImportExisting(ctx context.Context, req *db.MediaRequest) (int, error)
}

// IssueHandler drives the reported issue state machine.
type IssueHandler interface {
	Reported(ctx context.Context, issue *db.ReportedIssue) error
	Commented(ctx context.Context, seerrIssueID int64, message string) error
	ResolvedUpstream(ctx context.Context, seerrIssueID int64) error
	Reopened(ctx context.Context, seerrIssueID int64) error
}

// Nudger wakes the dispatcher so newly ready rows go out without waiting a full tick.
type Nudger interface {
	Nudge()
}

// Result is the body returned to the webhook caller.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Processed int    `json:"processed_items"`
}

func ok(processed int, format string, args ...interface{}) *Result {
	return &Result{Success: true, Message: fmt.Sprintf(format, args...), Processed: processed}
}

func rejected(format string, args ...interface{}) *Result {
	return &Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Config holds ingestion knobs.
type Config struct {
	SettleDelay time.Duration
}

// Service processes decoded webhook events.
type Service struct {
	store    Store
	renderer *email.Renderer
	posters  Posters
	importer Importer
	issues   IssueHandler
	nudger   Nudger
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures optional collaborators.
type Option func(*Service)

// WithPosters enables poster lookups for templates.
func WithPosters(p Posters) Option { return func(s *Service) { s.posters = p } }

// WithImporter backfills existing episodes for new TV requests.
func WithImporter(i Importer) Option { return func(s *Service) { s.importer = i } }

// WithIssues routes tracker issue events.
func WithIssues(h IssueHandler) Option { return func(s *Service) { s.issues = h } }

// WithNudger wakes the dispatcher after rows are queued.
func WithNudger(n Nudger) Option { return func(s *Service) { s.nudger = n } }

func withClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New builds an ingestion service.
func New(store Store, renderer *email.Renderer, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger.Named("ingest"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) settleAt() *time.Time {
	t := s.now().Add(s.cfg.SettleDelay)
	return &t
}

func (s *Service) poster(ctx context.Context, mediaType string, tmdbID int64) string {
	if s.posters == nil {
		return ""
	}
	return s.posters.PosterURL(ctx, mediaType, tmdbID)
}

func (s *Service) nudge(processed int) {
	if processed > 0 && s.nudger != nil {
		s.nudger.Nudge()
	}
}

// HandleSonarr processes a TV PVR event.
func (s *Service) HandleSonarr(ctx context.Context, ev *SonarrEvent) (*Result, error) {
	switch ev.EventType {
	case EventTest:
		return ok(0, "Sonarr webhook test successful"), nil
	case EventGrab:
		return s.cancelQualityWaiting(ctx, db.MediaTypeTV, int64(ev.Series.TMDBID), ev.Series.Title)
	case EventDownload:
	default:
		return rejected("Unsupported event type: %s", ev.EventType), nil
	}

	if ev.Series.TMDBID == 0 {
		s.logger.Warn("series has no TMDB id", zap.String("series", ev.Series.Title))
		return rejected("Series has no TMDB ID"), nil
	}
	if ev.CutoffNotMet() {
		s.logger.Info("download below quality cutoff, notification suppressed",
			zap.String("series", ev.Series.Title),
			zap.Int("episodes", len(ev.Episodes)),
		)
		return ok(0, "Quality cutoff not met, waiting for upgrade"), nil
	}

	requests, err := s.store.RequestsByTMDB(ctx, db.MediaTypeTV, int64(ev.Series.TMDBID))
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return ok(0, "No matching requests found"), nil
	}

	episodes := make([]db.NotificationEpisode, 0, len(ev.Episodes))
	for _, e := range ev.Episodes {
		episodes = append(episodes, db.NotificationEpisode{
			SeasonNumber:  e.SeasonNumber,
			EpisodeNumber: e.EpisodeNumber,
			EpisodeTitle:  e.Title,
			AirDate:       e.Aired(),
		})
	}
	series := Series{ID: ev.Series.ID, Title: ev.Series.Title}

	processed := 0
	for _, req := range requests {
		if _, err := s.store.DeletePendingByType(ctx, req.ID, db.TypeQualityWaiting); err != nil {
			return nil, err
		}
		n, err := s.NotifyEpisodes(ctx, req, series, episodes)
		if err != nil {
			return nil, err
		}
		processed += n
	}

	s.nudge(processed)
	return ok(processed, "Processed %d episodes", len(ev.Episodes)), nil
}

// Series names the PVR series an episode batch belongs to.
type Series struct {
	ID    int64
	Title string
}

// NotifyEpisodes tracks episodes for req and queues one notification per
// subscriber holding no claim on them yet. It returns the number of
// notifications created.
func (s *Service) NotifyEpisodes(ctx context.Context, req *db.MediaRequest, series Series, episodes []db.NotificationEpisode) (int, error) {
	if len(episodes) == 0 {
		return 0, nil
	}

	reqID := req.ID
	for _, ep := range episodes {
		_, err := s.store.UpsertTracking(ctx, &db.EpisodeTracking{
			RequestID:     &reqID,
			SeriesID:      series.ID,
			SeasonNumber:  ep.SeasonNumber,
			EpisodeNumber: ep.EpisodeNumber,
			EpisodeTitle:  ep.EpisodeTitle,
			AirDate:       ep.AirDate,
			Available:     true,
		})
		if db.IsUniqueViolation(err) {
			// a concurrent webhook tracked it first
			continue
		}
		if err != nil {
			return 0, err
		}
	}

	subscribers, err := s.store.Subscribers(ctx, req.ID)
	if err != nil {
		return 0, err
	}

	title := series.Title
	if title == "" {
		title = req.Title
	}
	poster := ""
	if len(subscribers) > 0 {
		poster = s.poster(ctx, db.MediaTypeTV, req.TMDBID)
	}

	created := 0
	for _, sub := range subscribers {
		userID, seriesID := sub.UserID, series.ID
		n := &db.Notification{
			UserID:     &userID,
			RequestID:  &reqID,
			Type:       db.TypeEpisode,
			MediaTitle: title,
			PosterURL:  poster,
			SeriesID:   &seriesID,
			SendAfter:  s.settleAt(),
		}
		userName := sub.Username
		claimed, err := s.store.CreateEpisodeNotification(ctx, n, episodes, func(claimed []db.NotificationEpisode) (string, string, error) {
			return s.renderer.Episodes(email.EpisodeData{
				UserName:    userName,
				SeriesTitle: title,
				PosterURL:   poster,
				Episodes:    email.EpisodesFromClaims(claimed),
			})
		})
		if err != nil {
			return created, err
		}
		if len(claimed) == 0 {
			continue
		}
		created++
		metrics.RecordNotificationQueued(db.TypeEpisode)
	}
	return created, nil
}

// HandleRadarr processes a movie PVR event.
func (s *Service) HandleRadarr(ctx context.Context, ev *RadarrEvent) (*Result, error) {
	switch ev.EventType {
	case EventTest:
		return ok(0, "Radarr webhook test successful"), nil
	case EventGrab:
		return s.cancelQualityWaiting(ctx, db.MediaTypeMovie, int64(ev.Movie.TMDBID), ev.Movie.Title)
	case EventDownload:
	default:
		return rejected("Unsupported event type: %s", ev.EventType), nil
	}

	if ev.CutoffNotMet() {
		s.logger.Info("download below quality cutoff, notification suppressed",
			zap.String("movie", ev.Movie.Title),
		)
		return ok(0, "Quality cutoff not met, waiting for upgrade"), nil
	}

	requests, err := s.store.RequestsByTMDB(ctx, db.MediaTypeMovie, int64(ev.Movie.TMDBID))
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return ok(0, "No matching requests found"), nil
	}

	processed := 0
	for _, req := range requests {
		n, err := s.NotifyMovie(ctx, req, ev.Movie.Title, ev.Movie.Year)
		if err != nil {
			return nil, err
		}
		processed += n
	}

	s.nudge(processed)
	return ok(processed, "Processed movie: %s", ev.Movie.Title), nil
}

// NotifyMovie marks req available, clears stale waiting notices and queues one
// movie notification per subscriber. It returns the number created.
func (s *Service) NotifyMovie(ctx context.Context, req *db.MediaRequest, title string, year int) (int, error) {
	for _, typ := range []string{db.TypeQualityWaiting, db.TypeComingSoon} {
		if _, err := s.store.DeletePendingByType(ctx, req.ID, typ); err != nil {
			return 0, err
		}
	}
	if err := s.store.SetRequestStatus(ctx, req.ID, db.RequestAvailable); err != nil {
		return 0, err
	}

	subscribers, err := s.store.Subscribers(ctx, req.ID)
	if err != nil {
		return 0, err
	}
	if title == "" {
		title = req.Title
	}
	poster := ""
	if len(subscribers) > 0 {
		poster = s.poster(ctx, db.MediaTypeMovie, req.TMDBID)
	}

	reqID := req.ID
	created := 0
	for _, sub := range subscribers {
		subject, body, err := s.renderer.Movie(email.MovieData{
			UserName:  sub.Username,
			Title:     title,
			Year:      year,
			PosterURL: poster,
		})
		if err != nil {
			return created, err
		}
		userID := sub.UserID
		queued, err := s.store.CreateNotification(ctx, &db.Notification{
			UserID:     &userID,
			RequestID:  &reqID,
			Type:       db.TypeMovie,
			DedupKey:   db.TypeMovie,
			Subject:    subject,
			Body:       body,
			MediaTitle: title,
			PosterURL:  poster,
			SendAfter:  s.settleAt(),
		})
		if err != nil {
			return created, err
		}
		if queued {
			created++
			metrics.RecordNotificationQueued(db.TypeMovie)
		}
	}
	return created, nil
}

// cancelQualityWaiting handles a Grab: a new download is underway, so any
// pending "waiting for quality" notice is no longer true.
func (s *Service) cancelQualityWaiting(ctx context.Context, mediaType string, tmdbID int64, title string) (*Result, error) {
	if tmdbID == 0 {
		return ok(0, "Grab ignored, no TMDB ID"), nil
	}
	requests, err := s.store.RequestsByTMDB(ctx, mediaType, tmdbID)
	if err != nil {
		return nil, err
	}

	var deleted int64
	for _, req := range requests {
		n, err := s.store.DeletePendingByType(ctx, req.ID, db.TypeQualityWaiting)
		if err != nil {
			return nil, err
		}
		deleted += n
	}
	if deleted > 0 {
		s.logger.Info("grab cancelled pending quality notices",
			zap.String("title", title),
			zap.Int64("deleted", deleted),
		)
	}
	return ok(int(deleted), "Grab processed for %s", title), nil
}

// HandleSeerr processes a request tracker event.
func (s *Service) HandleSeerr(ctx context.Context, ev *SeerrEvent) (*Result, error) {
	switch ev.NotificationType {
	case SeerrTest:
		return ok(0, "Jellyseerr webhook test successful"), nil
	case SeerrPending, SeerrApproved, SeerrAutoApproved, SeerrDeclined:
		return s.upsertRequest(ctx, ev)
	case SeerrAvailable:
		return s.markAvailable(ctx, ev)
	case SeerrIssueCreated, SeerrIssueComment, SeerrIssueResolved, SeerrIssueReopened:
		return s.handleIssue(ctx, ev)
	default:
		return ok(0, "Ignored notification type: %s", ev.NotificationType), nil
	}
}

func requestStatus(notificationType string) string {
	switch notificationType {
	case SeerrPending:
		return db.RequestPending
	case SeerrDeclined:
		return db.RequestDeclined
	default:
		return db.RequestApproved
	}
}

func (s *Service) requester(ctx context.Context, r *SeerrRequest) (*db.User, error) {
	addr := strings.TrimSpace(r.RequestedByEmail)
	if addr != "" {
		u, err := s.store.FindUserByEmail(ctx, addr)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	if addr == "" || r.RequestedByID == 0 {
		return nil, db.ErrNotFound
	}

	u := &db.User{
		SeerrID:  int64(r.RequestedByID),
		Email:    addr,
		Username: r.RequestedByUsername,
	}
	if u.Username == "" {
		u.Username = addr
	}
	if err := s.store.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("created user from webhook", zap.String("email", addr))
	return u, nil
}

func (s *Service) upsertRequest(ctx context.Context, ev *SeerrEvent) (*Result, error) {
	if ev.Media == nil || ev.Request == nil || ev.Media.TMDBID == 0 || ev.Request.RequestID == 0 {
		return rejected("Missing media or request block"), nil
	}

	owner, err := s.requester(ctx, ev.Request)
	if errors.Is(err, db.ErrNotFound) {
		s.logger.Warn("requester unknown, request left for the next sync",
			zap.Int64("seerr_request_id", int64(ev.Request.RequestID)),
		)
		return ok(0, "Requester unknown, will be picked up by sync"), nil
	}
	if err != nil {
		return nil, err
	}

	req := &db.MediaRequest{
		UserID:         owner.ID,
		SeerrRequestID: int64(ev.Request.RequestID),
		MediaType:      ev.Media.MediaType,
		TMDBID:         int64(ev.Media.TMDBID),
		TVDBID:         ev.Media.TVDBID.Ptr(),
		Title:          ev.Subject,
		Status:         requestStatus(ev.NotificationType),
	}
	if req.MediaType == "" {
		req.MediaType = db.MediaTypeMovie
	}
	created, err := s.store.UpsertRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	imported := 0
	if created && req.MediaType == db.MediaTypeTV && s.importer != nil {
		imported, err = s.importer.ImportExisting(ctx, req)
		if err != nil {
			// the reconciliation sweep covers what the import missed
			s.logger.Warn("import of existing episodes failed", zap.Int64("request_id", req.ID), zap.Error(err))
		}
	}

	s.logger.Info("request recorded",
		zap.Int64("request_id", req.ID),
		zap.String("status", req.Status),
		zap.Bool("created", created),
		zap.Int("imported", imported),
	)
	return ok(1, "Request %s", req.Status), nil
}

func (s *Service) markAvailable(ctx context.Context, ev *SeerrEvent) (*Result, error) {
	if ev.Media == nil || ev.Media.MediaType != db.MediaTypeMovie || ev.Media.TMDBID == 0 {
		// episode availability is driven by the TV PVR
		return ok(0, "Availability noted"), nil
	}
	requests, err := s.store.RequestsByTMDB(ctx, db.MediaTypeMovie, int64(ev.Media.TMDBID))
	if err != nil {
		return nil, err
	}
	for _, req := range requests {
		if err := s.store.SetRequestStatus(ctx, req.ID, db.RequestAvailable); err != nil {
			return nil, err
		}
	}
	return ok(len(requests), "Marked %d requests available", len(requests)), nil
}

func (s *Service) handleIssue(ctx context.Context, ev *SeerrEvent) (*Result, error) {
	if s.issues == nil {
		return ok(0, "Issue handling disabled"), nil
	}
	if ev.Issue == nil || ev.Issue.IssueID == 0 {
		return rejected("Missing issue block"), nil
	}
	issueID := int64(ev.Issue.IssueID)

	var err error
	switch ev.NotificationType {
	case SeerrIssueCreated:
		var issue *db.ReportedIssue
		issue, err = s.issueFromEvent(ctx, ev)
		if err == nil {
			err = s.issues.Reported(ctx, issue)
		}
	case SeerrIssueComment:
		msg := ev.Message
		if ev.Comment != nil && ev.Comment.Message != "" {
			msg = ev.Comment.Message
		}
		err = s.issues.Commented(ctx, issueID, msg)
	case SeerrIssueResolved:
		err = s.issues.ResolvedUpstream(ctx, issueID)
	case SeerrIssueReopened:
		err = s.issues.Reopened(ctx, issueID)
	}
	if errors.Is(err, db.ErrNotFound) {
		return ok(0, "Issue not tracked"), nil
	}
	if err != nil {
		return nil, err
	}
	return ok(1, "Issue %d processed", issueID), nil
}

func (s *Service) issueFromEvent(ctx context.Context, ev *SeerrEvent) (*db.ReportedIssue, error) {
	issueID := int64(ev.Issue.IssueID)
	issue := &db.ReportedIssue{
		SeerrIssueID:  &issueID,
		MediaType:     db.MediaTypeMovie,
		Title:         ev.Subject,
		SeasonNumber:  ev.AffectedSeason(),
		EpisodeNumber: ev.AffectedEpisode(),
		IssueType:     strings.ToLower(ev.Issue.IssueType),
		IssueMessage:  ev.Message,
	}
	if ev.Media != nil {
		if ev.Media.MediaType != "" {
			issue.MediaType = ev.Media.MediaType
		}
		issue.TMDBID = int64(ev.Media.TMDBID)
	}

	var reporterID int64
	if addr := strings.TrimSpace(ev.ReporterEmail()); addr != "" {
		u, err := s.store.FindUserByEmail(ctx, addr)
		switch {
		case err == nil:
			reporterID = u.ID
			issue.UserID = &u.ID
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
	}

	if issue.TMDBID != 0 {
		requests, err := s.store.RequestsByTMDB(ctx, issue.MediaType, issue.TMDBID)
		if err != nil {
			return nil, err
		}
		for _, r := range requests {
			if issue.RequestID == nil || r.UserID == reporterID {
				id := r.ID
				issue.RequestID = &id
			}
		}
	}
	return issue, nil
}
