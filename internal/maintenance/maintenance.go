// Package maintenance runs scheduled maintenance windows: it mails every user
// an announcement, a reminder shortly before the start and a completion notice,
// moves the window through its statuses, and pauses the other workers while a
// window is in progress.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/metrics"
)

// ErrInvalidWindow is returned for a window without a title or with an end
// before its start.
var ErrInvalidWindow = errors.New("invalid maintenance window")

type Store interface {
	CreateMaintenance(ctx context.Context, m *db.MaintenanceWindow) error
	CancelMaintenance(ctx context.Context, id int64) error
	OpenMaintenance(ctx context.Context) ([]*db.MaintenanceWindow, error)
	ActiveMaintenance(ctx context.Context, now time.Time) (*db.MaintenanceWindow, error)
	ClaimMaintenanceGate(ctx context.Context, id int64, gate string) (bool, error)
	SetMaintenanceStatus(ctx context.Context, id int64, status string, from ...string) (bool, error)
	ListUsers(ctx context.Context) ([]*db.User, error)
	CreateNotification(ctx context.Context, n *db.Notification) (bool, error)
}

type Config struct {
	ReminderBefore time.Duration
}

type Service struct {
	store    Store
	renderer *email.Renderer
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, renderer *email.Renderer, cfg Config, logger *zap.Logger) *Service {
	if cfg.ReminderBefore == 0 {
		cfg.ReminderBefore = 60 * time.Minute
	}
	return &Service{
		store:    store,
		renderer: renderer,
		config:   cfg,
		logger:   logger.Named("maintenance"),
		now:      time.Now,
	}
}

// Create schedules a window and queues its announcement.
func (s *Service) Create(ctx context.Context, m *db.MaintenanceWindow) error {
	m.Title = strings.TrimSpace(m.Title)
	if m.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidWindow)
	}
	if !m.EndTime.After(m.StartTime) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidWindow)
	}
	if err := s.store.CreateMaintenance(ctx, m); err != nil {
		return err
	}
	s.logger.Info("maintenance window scheduled",
		zap.Int64("id", m.ID),
		zap.String("title", m.Title),
		zap.Time("start", m.StartTime),
		zap.Time("end", m.EndTime),
	)
	if _, err := s.fire(ctx, m, db.GateAnnouncement); err != nil {
		s.logger.Error("announcement failed", zap.Int64("id", m.ID), zap.Error(err))
	}
	return nil
}

// Cancel stops a window; no further gate fires.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	if err := s.store.CancelMaintenance(ctx, id); err != nil {
		return err
	}
	s.logger.Info("maintenance window cancelled", zap.Int64("id", id))
	return nil
}

// Paused reports whether a window covers now. The dispatcher, reconciliation
// and monitors skip their cycles while it does.
func (s *Service) Paused(ctx context.Context) (bool, error) {
	m, err := s.store.ActiveMaintenance(ctx, s.now())
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

// Active returns the window covering now, or nil.
func (s *Service) Active(ctx context.Context) (*db.MaintenanceWindow, error) {
	return s.store.ActiveMaintenance(ctx, s.now())
}

// RunOnce advances every open window.
func (s *Service) RunOnce(ctx context.Context) error {
	windows, err := s.store.OpenMaintenance(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range windows {
		if err := s.advance(ctx, m); err != nil {
			s.logger.Error("maintenance window step failed", zap.Int64("id", m.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) advance(ctx context.Context, m *db.MaintenanceWindow) error {
	now := s.now()

	if !m.AnnouncementSent && now.Before(m.StartTime) {
		if _, err := s.fire(ctx, m, db.GateAnnouncement); err != nil {
			return err
		}
	}

	if !m.ReminderSent && m.Status == db.MaintenanceScheduled &&
		now.Before(m.StartTime) && m.StartTime.Sub(now) <= s.config.ReminderBefore {
		if _, err := s.fire(ctx, m, db.GateReminder); err != nil {
			return err
		}
	}

	if m.Status == db.MaintenanceScheduled && !now.Before(m.StartTime) && now.Before(m.EndTime) {
		moved, err := s.store.SetMaintenanceStatus(ctx, m.ID, db.MaintenanceActive, db.MaintenanceScheduled)
		if err != nil {
			return err
		}
		if moved {
			s.logger.Info("maintenance window started", zap.Int64("id", m.ID), zap.String("title", m.Title))
		}
	}

	if !now.Before(m.EndTime) {
		if !m.CompletionSent {
			if _, err := s.fire(ctx, m, db.GateCompletion); err != nil {
				return err
			}
		}
		moved, err := s.store.SetMaintenanceStatus(ctx, m.ID, db.MaintenanceCompleted, db.MaintenanceScheduled, db.MaintenanceActive)
		if err != nil {
			return err
		}
		if moved {
			s.logger.Info("maintenance window completed", zap.Int64("id", m.ID), zap.String("title", m.Title))
		}
	}
	return nil
}

// fire claims a one-shot gate and, when this caller won it, queues the email
// to every user. The claim comes first so a gate never fires twice.
func (s *Service) fire(ctx context.Context, m *db.MaintenanceWindow, gate string) (int, error) {
	won, err := s.store.ClaimMaintenanceGate(ctx, m.ID, gate)
	if err != nil || !won {
		return 0, err
	}

	subject, body, err := s.renderer.Maintenance(email.MaintenanceData{
		Gate:        gate,
		Title:       m.Title,
		Description: m.Description,
		Start:       m.StartTime,
		End:         m.EndTime,
	})
	if err != nil {
		return 0, err
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}

	key := "maintenance:" + strconv.FormatInt(m.ID, 10) + ":" + gate
	queued := 0
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		userID := u.ID
		created, err := s.store.CreateNotification(ctx, &db.Notification{
			UserID:     &userID,
			Type:       db.TypeMaintenance,
			DedupKey:   key,
			Subject:    subject,
			Body:       body,
			MediaTitle: m.Title,
		})
		if err != nil {
			return queued, err
		}
		if created {
			queued++
			metrics.RecordNotificationQueued(db.TypeMaintenance)
		}
	}

	s.logger.Info("maintenance email queued",
		zap.Int64("id", m.ID),
		zap.String("gate", gate),
		zap.Int("recipients", queued),
	)
	return queued, nil
}
