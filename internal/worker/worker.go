// Package worker is the delayed, batching notification dispatcher.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/metrics"
)

type Repository interface {
	ReadyNotifications(ctx context.Context, now time.Time, limit int) ([]*db.Notification, error)
	PendingBatch(ctx context.Context, userID, seriesID int64, typ string, horizon time.Time) ([]*db.Notification, error)
	NotificationEpisodes(ctx context.Context, ids []uuid.UUID) ([]db.NotificationEpisode, error)
	ExtendSendAfter(ctx context.Context, id uuid.UUID, sendAfter time.Time) error
	MarkSent(ctx context.Context, ids []uuid.UUID, at time.Time) error
	RecordSendFailure(ctx context.Context, ids []uuid.UUID, errMsg string, retryAt *time.Time, permanent bool) error
}

// QueueChecker reports whether the TV PVR is still downloading or importing a series.
type QueueChecker interface {
	SeriesInQueue(ctx context.Context, seriesID int64) (bool, error)
}

// Gate pauses dispatch, e.g. during a maintenance window.
type Gate interface {
	Paused(ctx context.Context) (bool, error)
}

type Worker struct {
	repo     Repository
	sender   email.Sender
	renderer *email.Renderer
	queue    QueueChecker
	gate     Gate
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	wake     chan struct{}
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxWait      time.Duration
	ExtendStep   time.Duration
	Lookahead    time.Duration
	// RetryLimit of 0 retries failed sends on every pass, forever.
	RetryLimit int
}

func New(repo Repository, sender email.Sender, renderer *email.Renderer, queue QueueChecker, gate Gate, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 30 * time.Minute
	}
	if cfg.ExtendStep == 0 {
		cfg.ExtendStep = 3 * time.Minute
	}
	if cfg.Lookahead == 0 {
		cfg.Lookahead = 2 * time.Minute
	}

	return &Worker{
		repo:     repo,
		sender:   sender,
		renderer: renderer,
		queue:    queue,
		gate:     gate,
		config:   cfg,
		logger:   logger.Named("dispatcher"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Nudge asks for an immediate pass. It never blocks; nudges coalesce.
func (w *Worker) Nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Interval is the poll interval.
func (w *Worker) Interval() time.Duration { return w.config.PollInterval }

// Start runs passes on every tick and nudge until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
		case <-w.wake:
		}
		start := time.Now()
		err := w.RunOnce(ctx)
		metrics.ObserveWorkerCycle("dispatcher", err, time.Since(start))
		if err != nil {
			w.logger.Error("dispatch pass failed", zap.Error(err))
		}
	}
}

// RunOnce performs one dispatch pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.gate != nil {
		paused, err := w.gate.Paused(ctx)
		if err != nil {
			return err
		}
		if paused {
			w.logger.Debug("dispatch paused")
			return nil
		}
	}

	now := w.now()
	ready, err := w.repo.ReadyNotifications(ctx, now, w.config.BatchSize)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	done := make(map[uuid.UUID]bool, len(ready))
	for _, n := range ready {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if done[n.ID] {
			continue
		}
		if n.Type == db.TypeEpisode && n.SeriesID != nil && n.UserID != nil {
			w.dispatchEpisode(ctx, n, now, done)
			continue
		}
		done[n.ID] = true
		w.send(ctx, []*db.Notification{n}, n.Subject, n.Body, now)
	}
	return nil
}

func (w *Worker) dispatchEpisode(ctx context.Context, n *db.Notification, now time.Time, done map[uuid.UUID]bool) {
	if next, hold := w.shouldHold(ctx, n, now); hold {
		done[n.ID] = true
		if err := w.repo.ExtendSendAfter(ctx, n.ID, next); err != nil {
			w.logger.Error("failed to extend send_after", zap.String("id", n.ID.String()), zap.Error(err))
			return
		}
		metrics.RecordDispatchExtension()
		w.logger.Info("series still downloading, holding notification",
			zap.String("id", n.ID.String()),
			zap.Int64p("series_id", n.SeriesID),
			zap.Time("send_after", next),
		)
		return
	}

	batch, err := w.repo.PendingBatch(ctx, *n.UserID, *n.SeriesID, n.Type, now.Add(w.config.Lookahead))
	if err != nil {
		w.logger.Error("failed to load batch", zap.String("id", n.ID.String()), zap.Error(err))
		done[n.ID] = true
		return
	}
	batch = collect(n, batch, done)
	for _, b := range batch {
		done[b.ID] = true
	}

	if len(batch) == 1 {
		w.send(ctx, batch, n.Subject, n.Body, now)
		return
	}

	subject, body, err := w.combine(ctx, batch)
	if err != nil {
		w.logger.Error("failed to render combined email", zap.String("id", n.ID.String()), zap.Error(err))
		w.fail(ctx, batch, err, now)
		return
	}
	w.send(ctx, batch, subject, body, now)
}

// shouldHold extends the gate while the series is still in the PVR queue and the
// ceiling has not been reached. A queue lookup failure sends rather than waits.
func (w *Worker) shouldHold(ctx context.Context, n *db.Notification, now time.Time) (time.Time, bool) {
	if w.queue == nil {
		return time.Time{}, false
	}
	next, ok := NextSendAfter(now, n.CreatedAt, w.config.ExtendStep, w.config.MaxWait)
	if !ok {
		return time.Time{}, false
	}
	inQueue, err := w.queue.SeriesInQueue(ctx, *n.SeriesID)
	if err != nil {
		w.logger.Warn("queue check failed, sending anyway", zap.Int64p("series_id", n.SeriesID), zap.Error(err))
		return time.Time{}, false
	}
	return next, inQueue
}

// collect makes sure the triggering row leads the batch and drops rows already
// handled this pass.
func collect(lead *db.Notification, batch []*db.Notification, done map[uuid.UUID]bool) []*db.Notification {
	out := []*db.Notification{lead}
	for _, b := range batch {
		if b.ID == lead.ID || done[b.ID] {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (w *Worker) combine(ctx context.Context, batch []*db.Notification) (string, string, error) {
	ids := make([]uuid.UUID, len(batch))
	for i, b := range batch {
		ids[i] = b.ID
	}
	claimed, err := w.repo.NotificationEpisodes(ctx, ids)
	if err != nil {
		return "", "", err
	}

	type key struct{ season, episode int }
	seen := make(map[key]bool, len(claimed))
	unique := claimed[:0:0]
	for _, ep := range claimed {
		k := key{ep.SeasonNumber, ep.EpisodeNumber}
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, ep)
	}
	if len(unique) == 0 {
		return "", "", errors.New("batch has no claimed episodes")
	}

	lead := batch[0]
	metrics.RecordBatchSize(len(unique))
	return w.renderer.Episodes(email.EpisodeData{
		UserName:    lead.Username,
		SeriesTitle: lead.MediaTitle,
		PosterURL:   lead.PosterURL,
		Episodes:    email.EpisodesFromClaims(unique),
	})
}

func (w *Worker) send(ctx context.Context, batch []*db.Notification, subject, body string, now time.Time) {
	lead := batch[0]
	ids := idsOf(batch)

	if lead.Email == "" {
		w.logger.Warn("notification has no recipient", zap.String("id", lead.ID.String()))
		if err := w.repo.RecordSendFailure(ctx, ids, "no recipient address", nil, true); err != nil {
			w.logger.Error("failed to record send failure", zap.Error(err))
		}
		metrics.RecordNotificationProcessed(lead.Type, "failed")
		return
	}

	err := w.sender.Send(ctx, email.Message{To: lead.Email, Subject: subject, HTML: body})
	if err != nil {
		w.logger.Error("failed to send notification",
			zap.Error(err),
			zap.String("id", lead.ID.String()),
			zap.String("type", lead.Type),
			zap.Int("attempt", lead.Attempts+1),
		)
		w.fail(ctx, batch, err, now)
		return
	}

	if err := w.repo.MarkSent(ctx, ids, w.now()); err != nil {
		// the mail is out; a retry would duplicate it
		w.logger.Error("failed to mark notifications sent", zap.Error(err), zap.String("id", lead.ID.String()))
		return
	}
	for _, b := range batch {
		metrics.RecordNotificationProcessed(b.Type, "sent")
		metrics.RecordNotificationLatency(b.Type, now.Sub(b.CreatedAt))
	}
	w.logger.Info("notification sent",
		zap.String("id", lead.ID.String()),
		zap.String("type", lead.Type),
		zap.String("subject", subject),
		zap.Int("batched", len(batch)),
	)
}

// fail records err on every row. With no retry limit rows stay ready for the
// next pass; otherwise they back off and are retired after the limit.
func (w *Worker) fail(ctx context.Context, batch []*db.Notification, err error, now time.Time) {
	var (
		retryAt   *time.Time
		permanent bool
		attempt   = batch[0].Attempts + 1
	)
	if w.config.RetryLimit > 0 {
		if attempt >= w.config.RetryLimit {
			permanent = true
		} else {
			t := now.Add(RetryDelay(attempt))
			retryAt = &t
		}
	}

	if rerr := w.repo.RecordSendFailure(ctx, idsOf(batch), err.Error(), retryAt, permanent); rerr != nil {
		w.logger.Error("failed to record send failure", zap.Error(rerr))
	}
	outcome := "retry"
	if permanent {
		outcome = "failed"
		w.logger.Warn("notification retired after retry limit",
			zap.String("id", batch[0].ID.String()),
			zap.Int("attempts", attempt),
		)
	}
	for _, b := range batch {
		metrics.RecordNotificationProcessed(b.Type, outcome)
	}
}

func idsOf(batch []*db.Notification) []uuid.UUID {
	ids := make([]uuid.UUID, len(batch))
	for i, b := range batch {
		ids[i] = b.ID
	}
	return ids
}
