package arr

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/upstream"
)

// Config points a client at one PVR instance.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	RPS     float64
}

// base holds what Sonarr and Radarr share: the v3 queue, quality profiles,
// history and commands are the same shape on both.
type base struct {
	http   *upstream.Client
	logger *zap.Logger
}

func newBase(name string, cfg Config, logger *zap.Logger) base {
	return base{
		http: upstream.New(upstream.Config{
			Name:    name,
			BaseURL: cfg.URL,
			Timeout: cfg.Timeout,
			RPS:     cfg.RPS,
			Headers: map[string]string{"X-Api-Key": cfg.APIKey},
		}, logger),
		logger: logger,
	}
}

// Configured reports whether the PVR has a URL.
func (b base) Configured() bool { return b.http.Configured() }

// Upstream exposes the underlying client for health output.
func (b base) Upstream() *upstream.Client { return b.http }

// Queue returns every record in the download/import queue.
func (b base) Queue(ctx context.Context) ([]QueueItem, error) {
	var page queuePage
	q := url.Values{"page": {"1"}, "pageSize": {"1000"}}
	if err := b.http.GetJSON(ctx, "/api/v3/queue", q, &page); err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return page.Records, nil
}

// QualityProfiles lists the configured quality profiles.
func (b base) QualityProfiles(ctx context.Context) ([]QualityProfile, error) {
	var out []QualityProfile
	if err := b.http.GetJSON(ctx, "/api/v3/qualityprofile", nil, &out); err != nil {
		return nil, fmt.Errorf("get quality profiles: %w", err)
	}
	return out, nil
}

// QualityProfileName resolves a profile id to its name, or "Unknown".
func (b base) QualityProfileName(ctx context.Context, id int64) string {
	profiles, err := b.QualityProfiles(ctx)
	if err != nil {
		b.logger.Warn("quality profile lookup failed", zap.Error(err))
		return "Unknown"
	}
	return profileName(profiles, id)
}

// Command issues a PVR command.
func (b base) Command(ctx context.Context, cmd Command) error {
	if err := b.http.PostJSON(ctx, "/api/v3/command", cmd, nil); err != nil {
		return fmt.Errorf("command %s: %w", cmd.Name, err)
	}
	b.logger.Info("pvr command sent", zap.String("command", cmd.Name))
	return nil
}

// MarkFailed marks a grabbed release as failed, which blocklists it.
func (b base) MarkFailed(ctx context.Context, historyID int64) error {
	if err := b.http.PostJSON(ctx, "/api/v3/history/failed/"+strconv.FormatInt(historyID, 10), nil, nil); err != nil {
		return fmt.Errorf("mark history %d failed: %w", historyID, err)
	}
	return nil
}

func latestGrab(records []HistoryRecord) (HistoryRecord, bool) {
	var best HistoryRecord
	found := false
	for _, r := range records {
		if r.EventType != "grabbed" {
			continue
		}
		if !found || r.Date.After(best.Date) {
			best, found = r, true
		}
	}
	return best, found
}
