// Package arr talks to Sonarr (TV) and Radarr (movies) over their v3 APIs.
package arr

import (
	"strings"
	"time"

	"github.com/lalithlochan/marquee/internal/upstream"
)

// ErrNotFound is returned when a series, movie or file does not exist.
var ErrNotFound = upstream.ErrNotFound

// Quality is the nested quality block on episode and movie files.
type Quality struct {
	Quality struct {
		Name       string `json:"name"`
		Resolution int    `json:"resolution"`
	} `json:"quality"`
}

// EpisodeFile is the file attached to an episode.
type EpisodeFile struct {
	ID                  int64     `json:"id"`
	SeasonNumber        int       `json:"seasonNumber"`
	RelativePath        string    `json:"relativePath"`
	Size                int64     `json:"size"`
	DateAdded           time.Time `json:"dateAdded"`
	Quality             Quality   `json:"quality"`
	QualityCutoffNotMet bool      `json:"qualityCutoffNotMet"`
}

// Series is a Sonarr series.
type Series struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	Year             int        `json:"year"`
	TVDBID           int64      `json:"tvdbId"`
	TMDBID           int64      `json:"tmdbId"`
	Status           string     `json:"status"` // continuing, ended, upcoming
	FirstAired       *time.Time `json:"firstAired"`
	Monitored        bool       `json:"monitored"`
	QualityProfileID int64      `json:"qualityProfileId"`
}

// Episode is a Sonarr episode. EpisodeFile is only populated when requested
// with includeEpisodeFile.
type Episode struct {
	ID            int64        `json:"id"`
	SeriesID      int64        `json:"seriesId"`
	SeasonNumber  int          `json:"seasonNumber"`
	EpisodeNumber int          `json:"episodeNumber"`
	Title         string       `json:"title"`
	AirDateUTC    *time.Time   `json:"airDateUtc"`
	HasFile       bool         `json:"hasFile"`
	Monitored     bool         `json:"monitored"`
	EpisodeFileID int64        `json:"episodeFileId"`
	EpisodeFile   *EpisodeFile `json:"episodeFile"`
}

// Aired reports whether the episode aired before t.
func (e Episode) Aired(t time.Time) bool {
	return e.AirDateUTC != nil && e.AirDateUTC.Before(t)
}

// CutoffMet reports whether the episode has a file that satisfies its profile.
func (e Episode) CutoffMet() bool {
	return e.HasFile && (e.EpisodeFile == nil || !e.EpisodeFile.QualityCutoffNotMet)
}

// MovieFile is the file attached to a movie.
type MovieFile struct {
	ID                  int64     `json:"id"`
	RelativePath        string    `json:"relativePath"`
	Size                int64     `json:"size"`
	DateAdded           time.Time `json:"dateAdded"`
	Quality             Quality   `json:"quality"`
	QualityCutoffNotMet bool      `json:"qualityCutoffNotMet"`
}

// Movie is a Radarr movie.
type Movie struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	Year             int        `json:"year"`
	TMDBID           int64      `json:"tmdbId"`
	Status           string     `json:"status"` // tba, announced, inCinemas, released
	HasFile          bool       `json:"hasFile"`
	Monitored        bool       `json:"monitored"`
	InCinemas        *time.Time `json:"inCinemas"`
	DigitalRelease   *time.Time `json:"digitalRelease"`
	PhysicalRelease  *time.Time `json:"physicalRelease"`
	QualityProfileID int64      `json:"qualityProfileId"`
	MovieFile        *MovieFile `json:"movieFile"`
}

// CutoffMet reports whether the movie has a file that satisfies its profile.
func (m Movie) CutoffMet() bool {
	return m.HasFile && (m.MovieFile == nil || !m.MovieFile.QualityCutoffNotMet)
}

// HomeRelease is the first date the movie can be watched at home:
// digital, then physical, then the cinema date.
func (m Movie) HomeRelease() *time.Time {
	switch {
	case m.DigitalRelease != nil:
		return m.DigitalRelease
	case m.PhysicalRelease != nil:
		return m.PhysicalRelease
	default:
		return m.InCinemas
	}
}

// StatusMessage is one warning group on a queue item.
type StatusMessage struct {
	Title    string   `json:"title"`
	Messages []string `json:"messages"`
}

// QueueItem is one entry in the download/import queue.
type QueueItem struct {
	ID                    int64           `json:"id"`
	SeriesID              int64           `json:"seriesId"`
	EpisodeID             int64           `json:"episodeId"`
	MovieID               int64           `json:"movieId"`
	Title                 string          `json:"title"`
	Status                string          `json:"status"`
	TrackedDownloadStatus string          `json:"trackedDownloadStatus"`
	TrackedDownloadState  string          `json:"trackedDownloadState"`
	StatusMessages        []StatusMessage `json:"statusMessages"`
	Added                 *time.Time      `json:"added"`
	Size                  float64         `json:"size"`
	SizeLeft              float64         `json:"sizeleft"`
	Protocol              string          `json:"protocol"`
	DownloadClient        string          `json:"downloadClient"`
	ErrorMessage          string          `json:"errorMessage"`
}

var activeStates = map[string]bool{
	"downloading":   true,
	"queued":        true,
	"importpending": true,
	"importing":     true,
}

// Active reports whether the item is still downloading or importing.
func (q QueueItem) Active() bool {
	return activeStates[strings.ToLower(q.Status)] || activeStates[strings.ToLower(q.TrackedDownloadState)]
}

// Stalled reports an explicit warning or failure.
func (q QueueItem) Stalled() bool {
	switch strings.ToLower(q.Status) {
	case "warning", "stalled", "failed":
		return true
	}
	return strings.EqualFold(q.TrackedDownloadStatus, "error")
}

// Messages flattens every status message.
func (q QueueItem) Messages() []string {
	var out []string
	for _, sm := range q.StatusMessages {
		out = append(out, sm.Messages...)
	}
	return out
}

// BlockedByTBATitle reports an import held back only because the episode
// title has not been announced yet.
func (q QueueItem) BlockedByTBATitle() bool {
	for _, m := range q.Messages() {
		if strings.Contains(m, "TBA") || strings.Contains(strings.ToLower(m), "episode title") {
			return true
		}
	}
	return false
}

type queuePage struct {
	Page         int         `json:"page"`
	PageSize     int         `json:"pageSize"`
	TotalRecords int         `json:"totalRecords"`
	Records      []QueueItem `json:"records"`
}

// QualityProfile is a named quality profile.
type QualityProfile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// HistoryRecord is one entry in a PVR history list.
type HistoryRecord struct {
	ID         int64     `json:"id"`
	EpisodeID  int64     `json:"episodeId"`
	MovieID    int64     `json:"movieId"`
	EventType  string    `json:"eventType"`
	DownloadID string    `json:"downloadId"`
	Date       time.Time `json:"date"`
}

type historyPage struct {
	Records []HistoryRecord `json:"records"`
}

// Command is a PVR command request. SeasonNumber is only read by SeasonSearch.
type Command struct {
	Name         string  `json:"name"`
	SeriesID     int64   `json:"seriesId,omitempty"`
	SeasonNumber *int    `json:"seasonNumber,omitempty"`
	EpisodeIDs   []int64 `json:"episodeIds,omitempty"`
	MovieIDs     []int64 `json:"movieIds,omitempty"`
}

// Known command names.
const (
	CmdRefreshSeries = "RefreshSeries"
	CmdRescanSeries  = "RescanSeries"
	CmdEpisodeSearch = "EpisodeSearch"
	CmdSeasonSearch  = "SeasonSearch"
	CmdSeriesSearch  = "SeriesSearch"
	CmdMoviesSearch  = "MoviesSearch"
)

func profileName(profiles []QualityProfile, id int64) string {
	for _, p := range profiles {
		if p.ID == id {
			return p.Name
		}
	}
	return "Unknown"
}
