// Package summary mails the administrator a weekly digest of what each user
// was sent.
package summary

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/metrics"
)

type Store interface {
	SentActivity(ctx context.Context, since time.Time) ([]db.UserActivity, error)
	CreateNotification(ctx context.Context, n *db.Notification) (bool, error)
}

// Schedule: Sundays from 09:00 UTC. The worker checks hourly; the weekly
// dedup key makes every check after the first a no-op.
const (
	sendDay  = time.Sunday
	sendHour = 9
)

type Summary struct {
	store     Store
	renderer  *email.Renderer
	recipient string
	logger    *zap.Logger
	now       func() time.Time
}

func New(store Store, renderer *email.Renderer, recipient string, logger *zap.Logger) *Summary {
	return &Summary{
		store:     store,
		renderer:  renderer,
		recipient: recipient,
		logger:    logger.Named("weekly-summary"),
		now:       time.Now,
	}
}

// Due reports whether t falls in the weekly send slot.
func Due(t time.Time) bool {
	t = t.UTC()
	return t.Weekday() == sendDay && t.Hour() >= sendHour
}

// WeekKey is the dedup key for the ISO week containing t.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("week:%d-%02d", year, week)
}

// RunOnce queues the summary when it is due.
func (s *Summary) RunOnce(ctx context.Context) error {
	now := s.now()
	if !Due(now) {
		return nil
	}
	_, err := s.Queue(ctx, now)
	return err
}

// Queue builds the summary for the seven days before now and queues it once
// per ISO week. It reports whether a row was written.
func (s *Summary) Queue(ctx context.Context, now time.Time) (bool, error) {
	if s.recipient == "" {
		return false, fmt.Errorf("no admin recipient configured")
	}
	start := now.Add(-7 * 24 * time.Hour)

	users, err := s.store.SentActivity(ctx, start)
	if err != nil {
		return false, err
	}
	subject, body, err := s.renderer.WeeklySummary(email.SummaryData{Start: start, End: now, Users: users})
	if err != nil {
		return false, err
	}

	created, err := s.store.CreateNotification(ctx, &db.Notification{
		Recipient: s.recipient,
		Type:      db.TypeWeeklySummary,
		DedupKey:  WeekKey(now),
		Subject:   subject,
		Body:      body,
	})
	if err != nil {
		return false, err
	}
	if created {
		metrics.RecordNotificationQueued(db.TypeWeeklySummary)
		s.logger.Info("weekly summary queued", zap.String("week", WeekKey(now)), zap.Int("users", len(users)))
	}
	return created, nil
}
