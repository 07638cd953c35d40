package arr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/upstream"
)

func newSonarr(t *testing.T, mux *http.ServeMux) *Sonarr {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewSonarr(Config{URL: srv.URL, APIKey: "k", Timeout: time.Second}, zap.NewNop())
}

func newRadarr(t *testing.T, mux *http.ServeMux) *Radarr {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewRadarr(Config{URL: srv.URL, APIKey: "k", Timeout: time.Second}, zap.NewNop())
}

func TestQueueItem_Active(t *testing.T) {
	tests := []struct {
		name string
		item QueueItem
		want bool
	}{
		{"downloading", QueueItem{Status: "downloading"}, true},
		{"queued", QueueItem{Status: "Queued"}, true},
		{"import pending by state", QueueItem{Status: "completed", TrackedDownloadState: "importPending"}, true},
		{"importing", QueueItem{Status: "completed", TrackedDownloadState: "importing"}, true},
		{"imported", QueueItem{Status: "completed", TrackedDownloadState: "imported"}, false},
		{"failed", QueueItem{Status: "failed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.item.Active())
		})
	}
}

func TestQueueItem_BlockedByTBATitle(t *testing.T) {
	item := QueueItem{StatusMessages: []StatusMessage{
		{Title: "One or more episodes expected", Messages: []string{"Episode has a TBA title and recently aired"}},
	}}
	assert.True(t, item.BlockedByTBATitle())

	item = QueueItem{StatusMessages: []StatusMessage{
		{Messages: []string{"Waiting for the Episode Title to be known"}},
	}}
	assert.True(t, item.BlockedByTBATitle())

	assert.False(t, QueueItem{StatusMessages: []StatusMessage{{Messages: []string{"No files found"}}}}.BlockedByTBATitle())
}

func TestMovie_HomeRelease(t *testing.T) {
	cinema := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	physical := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	digital := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, &digital, Movie{InCinemas: &cinema, PhysicalRelease: &physical, DigitalRelease: &digital}.HomeRelease())
	assert.Equal(t, &physical, Movie{InCinemas: &cinema, PhysicalRelease: &physical}.HomeRelease())
	assert.Equal(t, &cinema, Movie{InCinemas: &cinema}.HomeRelease())
	assert.Nil(t, Movie{}.HomeRelease())
}

func TestEpisode_CutoffMet(t *testing.T) {
	assert.False(t, Episode{}.CutoffMet())
	assert.True(t, Episode{HasFile: true}.CutoffMet())
	assert.False(t, Episode{HasFile: true, EpisodeFile: &EpisodeFile{QualityCutoffNotMet: true}}.CutoffMet())
}

func TestSonarr_SeriesForRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/series", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`[{"id":1,"title":"A","tmdbId":10,"tvdbId":100},{"id":2,"title":"B","tmdbId":20,"tvdbId":200}]`))
	})
	s := newSonarr(t, mux)
	ctx := context.Background()

	tvdb := int64(200)
	got, err := s.SeriesForRequest(ctx, 10, &tvdb)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID, "tvdb id wins when present")

	got, err = s.SeriesForRequest(ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	_, err = s.SeriesByTMDB(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSonarr_SeriesInQueue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"page":1,"totalRecords":2,"records":[
			{"id":1,"seriesId":5,"status":"completed","trackedDownloadState":"imported"},
			{"id":2,"seriesId":7,"status":"downloading"}
		]}`))
	})
	s := newSonarr(t, mux)

	in, err := s.SeriesInQueue(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, in)

	in, err = s.SeriesInQueue(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, in, "imported items do not hold the batch")
}

func TestSonarr_RefreshAndRescan(t *testing.T) {
	var names []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/command", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		names = append(names, string(body))
		w.WriteHeader(http.StatusCreated)
	})
	s := newSonarr(t, mux)

	require.NoError(t, s.RefreshAndRescan(context.Background(), 3))
	require.Len(t, names, 2)
	assert.Contains(t, names[0], `"RefreshSeries"`)
	assert.Contains(t, names[1], `"RescanSeries"`)
}

func TestSonarr_ReplaceBlocklistsLatestGrab(t *testing.T) {
	var failed, searched bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[
			{"id":11,"episodeId":4,"eventType":"grabbed","date":"2026-01-01T00:00:00Z"},
			{"id":12,"episodeId":4,"eventType":"grabbed","date":"2026-02-01T00:00:00Z"},
			{"id":13,"episodeId":4,"eventType":"downloadFolderImported","date":"2026-02-02T00:00:00Z"}
		]}`))
	})
	mux.HandleFunc("/api/v3/history/failed/12", func(w http.ResponseWriter, r *http.Request) {
		failed = true
	})
	mux.HandleFunc("/api/v3/command", func(w http.ResponseWriter, r *http.Request) {
		searched = true
	})
	s := newSonarr(t, mux)

	action, err := s.Replace(context.Background(), Episode{ID: 4, EpisodeFileID: 9})
	require.NoError(t, err)
	assert.True(t, failed)
	assert.True(t, searched)
	assert.Equal(t, "blocklisted release and searched", action)
}

func TestRadarr_MovieByTMDB(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/movie", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "603", r.URL.Query().Get("tmdbId"))
		w.Write([]byte(`[{"id":3,"title":"The Matrix","year":1999,"tmdbId":603,"hasFile":true,
			"movieFile":{"id":30,"qualityCutoffNotMet":true,"dateAdded":"2026-01-01T00:00:00Z"}}]`))
	})
	r := newRadarr(t, mux)

	m, err := r.MovieByTMDB(context.Background(), 603)
	require.NoError(t, err)
	assert.Equal(t, "The Matrix", m.Title)
	assert.False(t, m.CutoffMet())
}

func TestRadarr_ReplaceDeletesFileWithoutGrab(t *testing.T) {
	var deleted bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/history/movie", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/api/v3/moviefile/30", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		deleted = true
	})
	mux.HandleFunc("/api/v3/command", func(w http.ResponseWriter, r *http.Request) {})
	r := newRadarr(t, mux)

	action, err := r.Replace(context.Background(), Movie{ID: 3, MovieFile: &MovieFile{ID: 30}})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, "deleted file and searched", action)
}

func TestUnconfigured(t *testing.T) {
	s := NewSonarr(Config{}, zap.NewNop())
	assert.False(t, s.Configured())
	_, err := s.Queue(context.Background())
	assert.True(t, errors.Is(err, upstream.ErrNotConfigured))
}
