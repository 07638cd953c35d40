package issues

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/db"
)

// SweepResult counts what one stale-issue pass changed.
type SweepResult struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// FileReady reports whether the PVR holds a file for the issue that arrived
// after the issue last changed state. The file that was reported broken does
// not count.
func (s *Service) FileReady(ctx context.Context, issue *db.ReportedIssue) (bool, error) {
	since := issue.StatusChangedAt

	if issue.MediaType == db.MediaTypeMovie {
		if s.movies == nil {
			return false, nil
		}
		m, err := s.movies.MovieByTMDB(ctx, issue.TMDBID)
		if errors.Is(err, arr.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return m.HasFile && m.MovieFile != nil && m.MovieFile.DateAdded.After(since), nil
	}

	if s.tv == nil {
		return false, nil
	}
	series, err := s.tv.SeriesByTMDB(ctx, issue.TMDBID)
	if errors.Is(err, arr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	eps, err := s.tv.Episodes(ctx, series.ID)
	if err != nil {
		return false, err
	}
	for _, ep := range eps {
		if issue.SeasonNumber != nil && ep.SeasonNumber != *issue.SeasonNumber {
			continue
		}
		if issue.EpisodeNumber != nil && ep.EpisodeNumber != *issue.EpisodeNumber {
			continue
		}
		if ep.HasFile && ep.EpisodeFile != nil && ep.EpisodeFile.DateAdded.After(since) {
			return true, nil
		}
	}
	return false, nil
}

// SweepStale re-checks issues stuck in fixing or reported. A fresh file resolves
// the issue; an issue older than the abandon threshold with no file fails.
func (s *Service) SweepStale(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	res := &SweepResult{}

	passes := []struct {
		status string
		cutoff time.Time
	}{
		{db.IssueFixing, now.Add(-s.cfg.FixingStale)},
		{db.IssueReported, now.Add(-s.cfg.ReportedStale)},
	}

	for _, p := range passes {
		stale, err := s.store.StaleIssues(ctx, p.status, p.cutoff)
		if err != nil {
			return res, err
		}
		for _, issue := range stale {
			res.Checked++
			if err := s.sweepOne(ctx, issue, now, res); err != nil {
				// one upstream failure should not stop the pass
				s.logger.Warn("stale issue check failed", zap.Int64("issue_id", issue.ID), zap.Error(err))
			}
		}
	}

	if res.Resolved > 0 || res.Failed > 0 {
		s.logger.Info("stale issue sweep complete",
			zap.Int("checked", res.Checked),
			zap.Int("resolved", res.Resolved),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (s *Service) sweepOne(ctx context.Context, issue *db.ReportedIssue, now time.Time, res *SweepResult) error {
	ready, err := s.FileReady(ctx, issue)
	if err != nil {
		return err
	}
	if ready {
		action := issue.ActionTaken
		if action == "" {
			action = "replacement file imported"
		}
		if _, err := s.Resolve(ctx, issue.ID, action); err != nil {
			return err
		}
		res.Resolved++
		return nil
	}

	if now.Sub(issue.CreatedAt) < s.cfg.AbandonAfter {
		return nil
	}
	reason := fmt.Sprintf("no replacement file after %s", s.cfg.AbandonAfter)
	if _, err := s.Fail(ctx, issue.ID, reason); err != nil {
		return err
	}
	res.Failed++
	return nil
}
