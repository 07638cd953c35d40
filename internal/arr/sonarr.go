package arr

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// Sonarr is a Sonarr v3 client.
type Sonarr struct {
	base
}

// NewSonarr builds a Sonarr client. An empty URL yields an unconfigured client
// whose calls return upstream.ErrNotConfigured.
func NewSonarr(cfg Config, logger *zap.Logger) *Sonarr {
	return &Sonarr{base: newBase("sonarr", cfg, logger.Named("sonarr"))}
}

// AllSeries lists every series.
func (s *Sonarr) AllSeries(ctx context.Context) ([]Series, error) {
	var out []Series
	if err := s.http.GetJSON(ctx, "/api/v3/series", nil, &out); err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return out, nil
}

// Series fetches one series by Sonarr id.
func (s *Sonarr) Series(ctx context.Context, id int64) (*Series, error) {
	var out Series
	if err := s.http.GetJSON(ctx, "/api/v3/series/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, fmt.Errorf("get series %d: %w", id, err)
	}
	return &out, nil
}

// SeriesByTMDB finds a series by TMDB id.
func (s *Sonarr) SeriesByTMDB(ctx context.Context, tmdbID int64) (*Series, error) {
	return s.findSeries(ctx, func(se Series) bool { return se.TMDBID == tmdbID })
}

// SeriesByTVDB finds a series by TVDB id.
func (s *Sonarr) SeriesByTVDB(ctx context.Context, tvdbID int64) (*Series, error) {
	return s.findSeries(ctx, func(se Series) bool { return se.TVDBID == tvdbID })
}

// SeriesForRequest tries TVDB first when known, then TMDB.
func (s *Sonarr) SeriesForRequest(ctx context.Context, tmdbID int64, tvdbID *int64) (*Series, error) {
	all, err := s.AllSeries(ctx)
	if err != nil {
		return nil, err
	}
	if tvdbID != nil {
		for i := range all {
			if all[i].TVDBID == *tvdbID {
				return &all[i], nil
			}
		}
	}
	for i := range all {
		if all[i].TMDBID == tmdbID {
			return &all[i], nil
		}
	}
	return nil, ErrNotFound
}

func (s *Sonarr) findSeries(ctx context.Context, match func(Series) bool) (*Series, error) {
	all, err := s.AllSeries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if match(all[i]) {
			return &all[i], nil
		}
	}
	return nil, ErrNotFound
}

// Episodes lists a series' episodes with their files.
func (s *Sonarr) Episodes(ctx context.Context, seriesID int64) ([]Episode, error) {
	var out []Episode
	q := url.Values{
		"seriesId":           {strconv.FormatInt(seriesID, 10)},
		"includeEpisodeFile": {"true"},
	}
	if err := s.http.GetJSON(ctx, "/api/v3/episode", q, &out); err != nil {
		return nil, fmt.Errorf("list episodes for series %d: %w", seriesID, err)
	}
	return out, nil
}

// SeriesInQueue reports whether anything for the series is still downloading
// or importing.
func (s *Sonarr) SeriesInQueue(ctx context.Context, seriesID int64) (bool, error) {
	queue, err := s.Queue(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range queue {
		if item.SeriesID == seriesID && item.Active() {
			return true, nil
		}
	}
	return false, nil
}

// RefreshAndRescan issues the refresh-then-rescan pair that unblocks an import
// waiting on an episode title.
func (s *Sonarr) RefreshAndRescan(ctx context.Context, seriesID int64) error {
	if err := s.Command(ctx, Command{Name: CmdRefreshSeries, SeriesID: seriesID}); err != nil {
		return err
	}
	return s.Command(ctx, Command{Name: CmdRescanSeries, SeriesID: seriesID})
}

// EpisodeHistory returns the recent history of one episode.
func (s *Sonarr) EpisodeHistory(ctx context.Context, episodeID int64) ([]HistoryRecord, error) {
	var page historyPage
	q := url.Values{
		"episodeId":     {strconv.FormatInt(episodeID, 10)},
		"pageSize":      {"50"},
		"sortKey":       {"date"},
		"sortDirection": {"descending"},
	}
	if err := s.http.GetJSON(ctx, "/api/v3/history", q, &page); err != nil {
		return nil, fmt.Errorf("episode %d history: %w", episodeID, err)
	}
	return page.Records, nil
}

// DeleteEpisodeFile removes a file from disk and the library.
func (s *Sonarr) DeleteEpisodeFile(ctx context.Context, fileID int64) error {
	if err := s.http.Delete(ctx, "/api/v3/episodefile/"+strconv.FormatInt(fileID, 10), nil); err != nil {
		return fmt.Errorf("delete episode file %d: %w", fileID, err)
	}
	return nil
}

// Replace blocklists the current release of an episode (or deletes its file
// when no grab is on record) and searches for a new one. It returns a short
// description of what was done.
func (s *Sonarr) Replace(ctx context.Context, ep Episode) (string, error) {
	action := ""
	history, err := s.EpisodeHistory(ctx, ep.ID)
	if err != nil {
		return "", err
	}
	if grab, ok := latestGrab(history); ok {
		if err := s.MarkFailed(ctx, grab.ID); err != nil {
			return "", err
		}
		action = "blocklisted release"
	} else if ep.EpisodeFileID > 0 {
		if err := s.DeleteEpisodeFile(ctx, ep.EpisodeFileID); err != nil {
			return "", err
		}
		action = "deleted file"
	}

	if err := s.Command(ctx, Command{Name: CmdEpisodeSearch, EpisodeIDs: []int64{ep.ID}}); err != nil {
		return action, err
	}
	if action == "" {
		return "searched", nil
	}
	return action + " and searched", nil
}

// SearchSeason triggers a season search.
func (s *Sonarr) SearchSeason(ctx context.Context, seriesID int64, season int) error {
	return s.Command(ctx, Command{Name: CmdSeasonSearch, SeriesID: seriesID, SeasonNumber: &season})
}

// SearchSeries triggers a whole-series search.
func (s *Sonarr) SearchSeries(ctx context.Context, seriesID int64) error {
	return s.Command(ctx, Command{Name: CmdSeriesSearch, SeriesID: seriesID})
}
