package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/email"
	"github.com/lalithlochan/marquee/internal/metrics"
)

// Alert kinds, also the queue_alerts kind column.
const (
	KindStalled = "stalled"
	KindSlow    = "slow"
	KindTBAFix  = "tba_fix"
)

type AlertStore interface {
	ClaimQueueAlert(ctx context.Context, service string, itemID int64, kind, title string, realertAfter time.Duration) (bool, error)
	PruneQueueAlerts(ctx context.Context, maxAge time.Duration) (int64, error)
}

type Queue interface {
	Queue(ctx context.Context) ([]arr.QueueItem, error)
}

// Rescanner refreshes series metadata and rescans files on disk.
type Rescanner interface {
	RefreshAndRescan(ctx context.Context, seriesID int64) error
}

type Alerter interface {
	Alert(ctx context.Context, d email.AlertData) error
}

// Source is one PVR queue to watch. Rescanner is set only for the TV PVR,
// the one that blocks imports on unannounced episode titles.
type Source struct {
	Name      string
	Queue     Queue
	Rescanner Rescanner
}

type StuckConfig struct {
	SlowAfter    time.Duration
	RealertAfter time.Duration
}

// StuckResult counts what one pass found.
type StuckResult struct {
	Stuck []email.StuckItem `json:"stuck"`
	Fixed []email.FixedItem `json:"fixed"`
}

type StuckMonitor struct {
	sources []Source
	store   AlertStore
	alerter Alerter
	gate    Gate
	config  StuckConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewStuckMonitor(sources []Source, store AlertStore, alerter Alerter, gate Gate, cfg StuckConfig, logger *zap.Logger) *StuckMonitor {
	if cfg.SlowAfter == 0 {
		cfg.SlowAfter = 4 * time.Hour
	}
	if cfg.RealertAfter == 0 {
		cfg.RealertAfter = 24 * time.Hour
	}
	return &StuckMonitor{
		sources: sources,
		store:   store,
		alerter: alerter,
		gate:    gate,
		config:  cfg,
		logger:  logger.Named("stuck-monitor"),
		now:     time.Now,
	}
}

func (m *StuckMonitor) RunOnce(ctx context.Context) error {
	_, err := m.Check(ctx)
	return err
}

// Check inspects every queue, remediates TBA-title blocks, and sends one
// alert covering everything newly found.
func (m *StuckMonitor) Check(ctx context.Context) (*StuckResult, error) {
	res := &StuckResult{}
	if paused(ctx, m.gate) {
		m.logger.Debug("maintenance active, skipping queue check")
		return res, nil
	}

	var errs []error
	for _, src := range m.sources {
		items, err := src.Queue.Queue(ctx)
		if err != nil {
			m.logger.Warn("queue fetch failed", zap.String("service", src.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, item := range items {
			if err := m.inspect(ctx, src, item, res); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(res.Stuck) > 0 || len(res.Fixed) > 0 {
		if err := m.alerter.Alert(ctx, email.AlertData{Stuck: res.Stuck, Fixed: res.Fixed}); err != nil {
			m.logger.Error("admin alert failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	// rows older than the re-alert window can never block a claim again
	if _, err := m.store.PruneQueueAlerts(ctx, 2*m.config.RealertAfter); err != nil {
		m.logger.Warn("prune queue alerts failed", zap.Error(err))
	}
	return res, errors.Join(errs...)
}

// Classify names why an item is stuck, or "" when it is not.
func Classify(item arr.QueueItem, now time.Time, slowAfter time.Duration) string {
	if item.Stalled() {
		return KindStalled
	}
	if item.Added != nil && now.Sub(*item.Added) > slowAfter && item.Size > 0 {
		return KindSlow
	}
	return ""
}

func (m *StuckMonitor) inspect(ctx context.Context, src Source, item arr.QueueItem, res *StuckResult) error {
	if src.Rescanner != nil && item.SeriesID != 0 && item.BlockedByTBATitle() {
		return m.fixTBA(ctx, src, item, res)
	}

	kind := Classify(item, m.now(), m.config.SlowAfter)
	if kind == "" {
		return nil
	}
	claimed, err := m.store.ClaimQueueAlert(ctx, src.Name, item.ID, kind, item.Title, m.config.RealertAfter)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	metrics.RecordQueueAlert(src.Name, kind)
	m.logger.Warn("stuck download",
		zap.String("service", src.Name),
		zap.String("title", item.Title),
		zap.String("kind", kind),
		zap.String("status", item.Status),
	)
	res.Stuck = append(res.Stuck, email.StuckItem{
		Service:        src.Name,
		Title:          item.Title,
		Status:         item.Status,
		Kind:           kind,
		Added:          item.Added,
		Size:           int64(item.Size),
		Messages:       item.Messages(),
		Protocol:       item.Protocol,
		DownloadClient: item.DownloadClient,
	})
	return nil
}

// fixTBA refreshes the series so the real episode title arrives, then rescans
// so the held import completes. The claim keeps a still-blocked item from being
// re-commanded every cycle.
func (m *StuckMonitor) fixTBA(ctx context.Context, src Source, item arr.QueueItem, res *StuckResult) error {
	claimed, err := m.store.ClaimQueueAlert(ctx, src.Name, item.ID, KindTBAFix, item.Title, m.config.RealertAfter)
	if err != nil || !claimed {
		return err
	}
	if err := src.Rescanner.RefreshAndRescan(ctx, item.SeriesID); err != nil {
		m.logger.Error("TBA auto-fix failed", zap.String("title", item.Title), zap.Error(err))
		return err
	}

	metrics.RecordQueueAlert(src.Name, KindTBAFix)
	m.logger.Info("auto-fixed TBA title block", zap.String("title", item.Title), zap.Int64("series_id", item.SeriesID))
	res.Fixed = append(res.Fixed, email.FixedItem{
		Service: src.Name,
		Title:   item.Title,
		Action:  "Series refresh and rescan",
		Reason:  "TBA episode title blocking import",
	})
	return nil
}
