package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

type memStore struct {
	requests []*db.MediaRequest
	subs     map[int64][]db.Subscriber
	rows     []*db.Notification
}

func (m *memStore) RequestsByStatus(_ context.Context, mediaType string, statuses ...string) ([]*db.MediaRequest, error) {
	var out []*db.MediaRequest
	for _, r := range m.requests {
		for _, s := range statuses {
			if r.MediaType == mediaType && r.Status == s {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (m *memStore) Subscribers(_ context.Context, id int64) ([]db.Subscriber, error) {
	return m.subs[id], nil
}

// CreateWindowedNotification refuses a second row of the same type for the
// same user and request; the monitor tests never cross a window boundary.
func (m *memStore) CreateWindowedNotification(_ context.Context, n *db.Notification, _ time.Duration) (bool, error) {
	for _, r := range m.rows {
		if r.Type == n.Type && *r.UserID == *n.UserID && *r.RequestID == *n.RequestID {
			return false, nil
		}
	}
	m.rows = append(m.rows, n)
	return true, nil
}

func (m *memStore) ofType(typ string) []*db.Notification {
	var out []*db.Notification
	for _, r := range m.rows {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

type fakeTV struct {
	series   *arr.Series
	episodes []arr.Episode
	inQueue  bool
}

func (f *fakeTV) SeriesForRequest(context.Context, int64, *int64) (*arr.Series, error) {
	if f.series == nil {
		return nil, arr.ErrNotFound
	}
	return f.series, nil
}
func (f *fakeTV) Episodes(context.Context, int64) ([]arr.Episode, error) { return f.episodes, nil }
func (f *fakeTV) SeriesInQueue(context.Context, int64) (bool, error)    { return f.inQueue, nil }
func (f *fakeTV) QualityProfileName(context.Context, int64) string      { return "HD-1080p" }

type fakeMovies struct {
	movie   *arr.Movie
	inQueue bool
	err     error
}

func (f *fakeMovies) MovieByTMDB(context.Context, int64) (*arr.Movie, error) {
	if f.movie == nil {
		return nil, arr.ErrNotFound
	}
	return f.movie, nil
}
func (f *fakeMovies) MovieInQueue(context.Context, int64) (bool, error) { return f.inQueue, f.err }
func (f *fakeMovies) QualityProfileName(context.Context, int64) string  { return "Ultra-HD" }

type gate bool

func (g gate) Paused(context.Context) (bool, error) { return bool(g), nil }

func newStore(mediaType string) *memStore {
	return &memStore{
		requests: []*db.MediaRequest{{ID: 1, UserID: 10, MediaType: mediaType, TMDBID: 99, Title: "Title", Status: db.RequestApproved}},
		subs:     map[int64][]db.Subscriber{1: {{UserID: 10, Username: "alice", Owner: true}, {UserID: 11, Username: "bob"}}},
	}
}

func newQuality(store *memStore, tv TVLibrary, movies MovieLibrary, g Gate) *QualityMonitor {
	m := NewQualityMonitor(store, tv, movies, nil, email.MustRenderer(), g, QualityConfig{}, zap.NewNop())
	m.now = func() time.Time { return now }
	return m
}

func TestQuality_UpcomingSeriesComingSoon(t *testing.T) {
	store := newStore(db.MediaTypeTV)
	tv := &fakeTV{series: &arr.Series{ID: 5, Title: "Pluribus", Status: "upcoming", FirstAired: at(20 * 24 * time.Hour)}}
	m := newQuality(store, tv, nil, nil)

	res, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ComingSoon, "owner and share")

	rows := store.ofType(db.TypeComingSoon)
	require.Len(t, rows, 2)
	assert.Equal(t, "Coming Soon: Pluribus", rows[0].Subject)
	assert.Nil(t, rows[0].SendAfter)
	assert.Contains(t, rows[0].DedupKey, "window:")

	res, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ComingSoon, "once per window")
}

func TestQuality_SeriesWaitingForQuality(t *testing.T) {
	store := newStore(db.MediaTypeTV)
	tv := &fakeTV{
		series: &arr.Series{ID: 5, Title: "Severance", Status: "continuing"},
		episodes: []arr.Episode{
			{SeasonNumber: 1, EpisodeNumber: 1, Monitored: true, HasFile: true, AirDateUTC: at(-30 * 24 * time.Hour)},
			{SeasonNumber: 1, EpisodeNumber: 2, Monitored: true, AirDateUTC: at(-10 * 24 * time.Hour)},
		},
	}
	res, err := newQuality(store, tv, nil, nil).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Waiting)

	rows := store.ofType(db.TypeQualityWaiting)
	require.Len(t, rows, 2)
	assert.Equal(t, "Waiting for HD-1080p: Severance", rows[0].Subject)
	require.NotNil(t, rows[0].SendAfter)
	assert.Equal(t, now.Add(time.Hour), *rows[0].SendAfter)
}

func TestQuality_SuppressedCases(t *testing.T) {
	recent := []arr.Episode{{SeasonNumber: 1, EpisodeNumber: 3, Monitored: true, AirDateUTC: at(-2 * 24 * time.Hour)}}
	late := []arr.Episode{{SeasonNumber: 1, EpisodeNumber: 3, Monitored: true, AirDateUTC: at(-20 * 24 * time.Hour)}}
	unmonitored := []arr.Episode{{SeasonNumber: 2, EpisodeNumber: 1, AirDateUTC: at(-20 * 24 * time.Hour)}}
	specials := []arr.Episode{{SeasonNumber: 0, EpisodeNumber: 1, Monitored: true, AirDateUTC: at(-20 * 24 * time.Hour)}}

	tests := []struct {
		name string
		tv   *fakeTV
		gate Gate
	}{
		{"aired within grace", &fakeTV{series: &arr.Series{ID: 5}, episodes: recent}, nil},
		{"still in queue", &fakeTV{series: &arr.Series{ID: 5}, episodes: late, inQueue: true}, nil},
		{"unmonitored", &fakeTV{series: &arr.Series{ID: 5}, episodes: unmonitored}, nil},
		{"specials", &fakeTV{series: &arr.Series{ID: 5}, episodes: specials}, nil},
		{"series not in pvr", &fakeTV{}, nil},
		{"maintenance", &fakeTV{series: &arr.Series{ID: 5}, episodes: late}, gate(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(db.MediaTypeTV)
			_, err := newQuality(store, tt.tv, nil, tt.gate).Check(context.Background())
			require.NoError(t, err)
			assert.Empty(t, store.rows)
		})
	}
}

func TestQuality_Movies(t *testing.T) {
	tests := []struct {
		name    string
		movies  *fakeMovies
		wantTyp string
	}{
		{"digital release ahead", &fakeMovies{movie: &arr.Movie{Title: "Dune", Status: "inCinemas", DigitalRelease: at(40 * 24 * time.Hour)}}, db.TypeComingSoon},
		{"file below cutoff", &fakeMovies{movie: &arr.Movie{Title: "Dune", Status: "released", HasFile: true, MovieFile: &arr.MovieFile{QualityCutoffNotMet: true}}}, db.TypeQualityWaiting},
		{"released without file", &fakeMovies{movie: &arr.Movie{Title: "Dune", Status: "released", DigitalRelease: at(-time.Hour)}}, db.TypeQualityWaiting},
		{"queue error still notifies", &fakeMovies{movie: &arr.Movie{Title: "Dune", Status: "released"}, err: errors.New("timeout")}, db.TypeQualityWaiting},
		{"released without file but queued", &fakeMovies{movie: &arr.Movie{Title: "Dune", Status: "released"}, inQueue: true}, ""},
		{"good file", &fakeMovies{movie: &arr.Movie{Title: "Dune", Status: "released", HasFile: true}}, ""},
		{"announced without date", &fakeMovies{movie: &arr.Movie{Title: "Dune", Status: "announced"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(db.MediaTypeMovie)
			_, err := newQuality(store, nil, tt.movies, nil).Check(context.Background())
			require.NoError(t, err)
			if tt.wantTyp == "" {
				assert.Empty(t, store.rows)
				return
			}
			require.Len(t, store.rows, 2)
			assert.Equal(t, tt.wantTyp, store.rows[0].Type)
		})
	}
}

func TestBucketKey(t *testing.T) {
	week := 7 * 24 * time.Hour
	assert.Equal(t, bucketKey(now, week), bucketKey(now.Add(time.Minute), week))
	assert.NotEqual(t, bucketKey(now, week), bucketKey(now.Add(week), week))

	for _, w := range []time.Duration{0, 500 * time.Millisecond} {
		assert.NotPanics(t, func() { bucketKey(now, w) })
		assert.Equal(t, bucketKey(now, time.Second), bucketKey(now, w))
	}
}

type queueAlerts struct {
	claimed map[string]bool
	pruned  int
}

func (q *queueAlerts) ClaimQueueAlert(_ context.Context, service string, itemID int64, kind, _ string, _ time.Duration) (bool, error) {
	if q.claimed == nil {
		q.claimed = map[string]bool{}
	}
	key := fmt.Sprintf("%s/%s/%d", service, kind, itemID)
	if q.claimed[key] {
		return false, nil
	}
	q.claimed[key] = true
	return true, nil
}

func (q *queueAlerts) PruneQueueAlerts(context.Context, time.Duration) (int64, error) {
	q.pruned++
	return 0, nil
}

type staticQueue []arr.QueueItem

func (s staticQueue) Queue(context.Context) ([]arr.QueueItem, error) { return s, nil }

type failingQueue struct{}

func (failingQueue) Queue(context.Context) ([]arr.QueueItem, error) {
	return nil, errors.New("connection refused")
}

type rescanner struct{ series []int64 }

func (r *rescanner) RefreshAndRescan(_ context.Context, id int64) error {
	r.series = append(r.series, id)
	return nil
}

type alertRecorder struct{ alerts []email.AlertData }

func (a *alertRecorder) Alert(_ context.Context, d email.AlertData) error {
	a.alerts = append(a.alerts, d)
	return nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		item arr.QueueItem
		want string
	}{
		{"warning status", arr.QueueItem{Status: "warning"}, KindStalled},
		{"tracked error", arr.QueueItem{Status: "downloading", TrackedDownloadStatus: "error"}, KindStalled},
		{"old with size", arr.QueueItem{Status: "downloading", Added: at(-5 * time.Hour), Size: 1 << 30}, KindSlow},
		{"old without size", arr.QueueItem{Status: "queued", Added: at(-5 * time.Hour)}, ""},
		{"fresh", arr.QueueItem{Status: "downloading", Added: at(-time.Hour), Size: 1 << 30}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.item, now, 4*time.Hour))
		})
	}
}

func TestStuck_AlertsOncePerItem(t *testing.T) {
	store := &queueAlerts{}
	alerts := &alertRecorder{}
	rs := &rescanner{}
	sonarr := staticQueue{
		{ID: 1, SeriesID: 5, Title: "Show.S01E01", Status: "warning"},
		{ID: 2, SeriesID: 6, Title: "Show.S01E02", Status: "completed",
			StatusMessages: []arr.StatusMessage{{Title: "Show.S01E02", Messages: []string{"Episode has a TBA title and recently aired"}}}},
		{ID: 3, SeriesID: 7, Title: "Fine", Status: "downloading", Added: at(-time.Hour), Size: 100},
	}
	radarr := staticQueue{{ID: 1, MovieID: 9, Title: "Dune", Status: "downloading", Added: at(-8 * time.Hour), Size: 1 << 30}}

	m := NewStuckMonitor([]Source{
		{Name: "Sonarr", Queue: sonarr, Rescanner: rs},
		{Name: "Radarr", Queue: radarr},
	}, store, alerts, nil, StuckConfig{}, zap.NewNop())
	m.now = func() time.Time { return now }

	res, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Stuck, 2)
	assert.Len(t, res.Fixed, 1)
	assert.Equal(t, []int64{6}, rs.series)
	require.Len(t, alerts.alerts, 1, "one email for everything found")

	res, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Stuck)
	assert.Empty(t, res.Fixed)
	assert.Len(t, alerts.alerts, 1, "no re-alert inside the window")
	assert.Equal(t, 2, store.pruned)
}

func TestStuck_QueueFailureKeepsOtherSources(t *testing.T) {
	alerts := &alertRecorder{}
	m := NewStuckMonitor([]Source{
		{Name: "Sonarr", Queue: failingQueue{}},
		{Name: "Radarr", Queue: staticQueue{{ID: 1, Title: "Dune", Status: "failed"}}},
	}, &queueAlerts{}, alerts, nil, StuckConfig{}, zap.NewNop())

	res, err := m.Check(context.Background())
	require.Error(t, err)
	assert.Len(t, res.Stuck, 1)
	assert.Len(t, alerts.alerts, 1)
}

func TestStuck_PausedDuringMaintenance(t *testing.T) {
	alerts := &alertRecorder{}
	m := NewStuckMonitor([]Source{{Name: "Radarr", Queue: staticQueue{{ID: 1, Status: "failed"}}}},
		&queueAlerts{}, alerts, gate(true), StuckConfig{}, zap.NewNop())

	_, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts.alerts)
}
