package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/arr"
	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/ingest"
	"github.com/lalithlochan/marquee/internal/issues"
)

type claim struct {
	user, request   int64
	season, episode int
}

// memStore holds tracking and claims; memNotifier writes claims into it the
// way ingest does, so repeated sweeps can be checked for convergence.
type memStore struct {
	tracking      []db.TrackingWithRequest
	deleted       []int64
	subscribers   map[int64][]db.Subscriber
	claims        map[claim]bool
	requests      []*db.MediaRequest
	movieNotified map[int64]bool
}

func newMemStore() *memStore {
	return &memStore{
		subscribers:   map[int64][]db.Subscriber{},
		claims:        map[claim]bool{},
		movieNotified: map[int64]bool{},
	}
}

func (m *memStore) track(req *db.MediaRequest, id int64, season, episode int) {
	var reqID *int64
	if req != nil {
		reqID = &req.ID
	}
	m.tracking = append(m.tracking, db.TrackingWithRequest{
		Tracking: db.EpisodeTracking{ID: id, RequestID: reqID, SeriesID: 7, SeasonNumber: season, EpisodeNumber: episode},
		Request:  req,
	})
}

func (m *memStore) ListTracking(context.Context) ([]db.TrackingWithRequest, error) {
	return append([]db.TrackingWithRequest(nil), m.tracking...), nil
}

func (m *memStore) DeleteTracking(_ context.Context, id int64) error {
	m.deleted = append(m.deleted, id)
	var kept []db.TrackingWithRequest
	for _, t := range m.tracking {
		if t.Tracking.ID != id {
			kept = append(kept, t)
		}
	}
	m.tracking = kept
	return nil
}

func (m *memStore) EpisodeClaims(_ context.Context, requestID int64) (map[db.EpisodeKey]map[int64]bool, error) {
	out := map[db.EpisodeKey]map[int64]bool{}
	for c := range m.claims {
		if c.request != requestID {
			continue
		}
		k := db.EpisodeKey{Season: c.season, Episode: c.episode}
		if out[k] == nil {
			out[k] = map[int64]bool{}
		}
		out[k][c.user] = true
	}
	return out, nil
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

func (m *memStore) TrackedEpisodes(_ context.Context, requestID int64) (map[db.EpisodeKey]bool, error) {
	out := map[db.EpisodeKey]bool{}
	for _, t := range m.tracking {
		if t.Tracking.RequestID != nil && *t.Tracking.RequestID == requestID {
			out[db.EpisodeKey{Season: t.Tracking.SeasonNumber, Episode: t.Tracking.EpisodeNumber}] = true
		}
	}
	return out, nil
}

func (m *memStore) HasNotification(_ context.Context, _, requestID int64, typ string) (bool, error) {
	return typ == db.TypeMovie && m.movieNotified[requestID], nil
}

type memNotifier struct {
	store  *memStore
	queued int
	movies []string
}

func (n *memNotifier) NotifyEpisodes(_ context.Context, req *db.MediaRequest, series ingest.Series, eps []db.NotificationEpisode) (int, error) {
	tracked, _ := n.store.TrackedEpisodes(context.Background(), req.ID)
	for _, ep := range eps {
		if !tracked[db.EpisodeKey{Season: ep.SeasonNumber, Episode: ep.EpisodeNumber}] {
			n.store.track(req, int64(1000+len(n.store.tracking)), ep.SeasonNumber, ep.EpisodeNumber)
		}
	}
	created := 0
	for _, sub := range n.store.subscribers[req.ID] {
		claimed := 0
		for _, ep := range eps {
			c := claim{sub.UserID, req.ID, ep.SeasonNumber, ep.EpisodeNumber}
			if !n.store.claims[c] {
				n.store.claims[c] = true
				claimed++
			}
		}
		if claimed > 0 {
			created++
		}
	}
	n.queued += created
	return created, nil
}

func (n *memNotifier) NotifyMovie(_ context.Context, req *db.MediaRequest, title string, _ int) (int, error) {
	n.store.movieNotified[req.ID] = true
	req.Status = db.RequestAvailable
	n.movies = append(n.movies, title)
	return len(n.store.subscribers[req.ID]), nil
}

// presence answers from a set. With series set, only those titles match.
type presence struct {
	episodes map[db.EpisodeKey]bool
	movies   map[string]bool
	series   map[string]bool
	asked    []string
	err      error
}

func (p *presence) HasEpisode(_ context.Context, title string, season, episode int) (bool, error) {
	p.asked = append(p.asked, title)
	if p.err != nil {
		return false, p.err
	}
	if p.series != nil && !p.series[title] {
		return false, nil
	}
	return p.episodes[db.EpisodeKey{Season: season, Episode: episode}], nil
}

func (p *presence) HasMovie(_ context.Context, title string, _ int) (bool, error) {
	return p.movies[title], p.err
}

type fakeTV struct {
	series   *arr.Series
	episodes []arr.Episode
}

func (f *fakeTV) SeriesForRequest(context.Context, int64, *int64) (*arr.Series, error) {
	if f.series == nil {
		return nil, arr.ErrNotFound
	}
	return f.series, nil
}

func (f *fakeTV) Series(_ context.Context, id int64) (*arr.Series, error) {
	if f.series == nil || f.series.ID != id {
		return nil, arr.ErrNotFound
	}
	return f.series, nil
}

func (f *fakeTV) Episodes(context.Context, int64) ([]arr.Episode, error) { return f.episodes, nil }

type fakeMovies map[int64]*arr.Movie

func (f fakeMovies) MovieByTMDB(_ context.Context, id int64) (*arr.Movie, error) {
	if m, ok := f[id]; ok {
		return m, nil
	}
	return nil, arr.ErrNotFound
}

type fakeSweeper struct {
	calls int
	err   error
}

func (f *fakeSweeper) SweepStale(context.Context) (*issues.SweepResult, error) {
	f.calls++
	return &issues.SweepResult{Checked: 1}, f.err
}

type pausedGate struct{}

func (pausedGate) Paused(context.Context) (bool, error) { return true, nil }

func tvRequest(id, owner int64) *db.MediaRequest {
	return &db.MediaRequest{ID: id, UserID: owner, MediaType: db.MediaTypeTV, TMDBID: 95396, Title: "Severance", Status: db.RequestApproved}
}

func present(keys ...db.EpisodeKey) *presence {
	p := &presence{episodes: map[db.EpisodeKey]bool{}, movies: map[string]bool{}}
	for _, k := range keys {
		p.episodes[k] = true
	}
	return p
}

func TestOrphanPass_Converges(t *testing.T) {
	store := newMemStore()
	req := tvRequest(1, 10)
	store.subscribers[1] = []db.Subscriber{{UserID: 10, Owner: true}}
	store.track(req, 1, 1, 1)
	notifier := &memNotifier{store: store}

	r := New(store, notifier, present(db.EpisodeKey{Season: 1, Episode: 1}), zap.NewNop())

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)

	res, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Repaired, "second pass must not duplicate")
	assert.Equal(t, 1, notifier.queued)
}

func TestOrphanPass_NewShareGetsNoBacklog(t *testing.T) {
	store := newMemStore()
	req := tvRequest(1, 10)
	store.subscribers[1] = []db.Subscriber{{UserID: 10, Owner: true}, {UserID: 11}}
	var keys []db.EpisodeKey
	for ep := 1; ep <= 10; ep++ {
		store.track(req, int64(ep), 1, ep)
		store.claims[claim{10, 1, 1, ep}] = true
		keys = append(keys, db.EpisodeKey{Season: 1, Episode: ep})
	}
	notifier := &memNotifier{store: store}

	res, err := New(store, notifier, present(keys...), zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Repaired)
	assert.Zero(t, notifier.queued)
	assert.False(t, store.claims[claim{11, 1, 1, 1}])
}

func TestOrphanPass_MissedEpisodeReachesShares(t *testing.T) {
	store := newMemStore()
	req := tvRequest(1, 10)
	store.subscribers[1] = []db.Subscriber{{UserID: 10, Owner: true}, {UserID: 11}}
	store.track(req, 1, 1, 1)
	notifier := &memNotifier{store: store}

	res, err := New(store, notifier, present(db.EpisodeKey{Season: 1, Episode: 1}), zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Repaired)
	assert.True(t, store.claims[claim{10, 1, 1, 1}])
	assert.True(t, store.claims[claim{11, 1, 1, 1}])
}

func TestOrphanPass_AsksMediaServerWithLibraryTitle(t *testing.T) {
	store := newMemStore()
	req := tvRequest(1, 10)
	req.Title = "Severance (2022)"
	store.subscribers[1] = []db.Subscriber{{UserID: 10, Owner: true}}
	store.track(req, 1, 1, 1)
	notifier := &memNotifier{store: store}

	p := present(db.EpisodeKey{Season: 1, Episode: 1})
	p.series = map[string]bool{"Severance": true}
	tv := &fakeTV{series: &arr.Series{ID: 7, Title: "Severance"}}

	res, err := New(store, notifier, p, zap.NewNop(), WithTV(tv)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)
	assert.Equal(t, "Severance", p.asked[0])
}

func TestOrphanPass_SeriesGoneFromLibrary(t *testing.T) {
	store := newMemStore()
	req := tvRequest(1, 10)
	store.subscribers[1] = []db.Subscriber{{UserID: 10, Owner: true}}
	store.track(req, 1, 1, 1)
	notifier := &memNotifier{store: store}
	p := present(db.EpisodeKey{Season: 1, Episode: 1})

	res, err := New(store, notifier, p, zap.NewNop(), WithTV(&fakeTV{})).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Repaired)
	assert.Empty(t, p.asked)
}

func TestOrphanPass_DeletesRowsWithoutRequest(t *testing.T) {
	store := newMemStore()
	store.track(nil, 42, 1, 1)

	res, err := New(store, &memNotifier{store: store}, present(), zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrphansDeleted)
	assert.Equal(t, []int64{42}, store.deleted)
}

func TestOrphanPass_WaitsForMediaServer(t *testing.T) {
	store := newMemStore()
	req := tvRequest(1, 10)
	store.subscribers[1] = []db.Subscriber{{UserID: 10, Owner: true}}
	store.track(req, 1, 1, 1)
	notifier := &memNotifier{store: store}

	p := present()
	p.err = errors.New("plex unreachable")
	r := New(store, notifier, p, zap.NewNop())

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Repaired)

	p.err = nil
	p.episodes[db.EpisodeKey{Season: 1, Episode: 1}] = true
	res, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)
}

func TestUntrackedEpisodes(t *testing.T) {
	store := newMemStore()
	req := tvRequest(1, 10)
	store.requests = []*db.MediaRequest{req}
	store.subscribers[1] = []db.Subscriber{{UserID: 10, Owner: true}}
	store.track(req, 1, 1, 1)
	store.claims[claim{10, 1, 1, 1}] = true

	tv := &fakeTV{
		series: &arr.Series{ID: 7, Title: "Severance"},
		episodes: []arr.Episode{
			{SeasonNumber: 1, EpisodeNumber: 1, HasFile: true}, // tracked already
			{SeasonNumber: 1, EpisodeNumber: 2, HasFile: true},
			{SeasonNumber: 1, EpisodeNumber: 3, HasFile: true}, // not in plex yet
			{SeasonNumber: 1, EpisodeNumber: 4},
			{SeasonNumber: 1, EpisodeNumber: 5, HasFile: true, EpisodeFile: &arr.EpisodeFile{QualityCutoffNotMet: true}},
		},
	}
	p := present(
		db.EpisodeKey{Season: 1, Episode: 1},
		db.EpisodeKey{Season: 1, Episode: 2},
		db.EpisodeKey{Season: 1, Episode: 4},
		db.EpisodeKey{Season: 1, Episode: 5},
	)
	notifier := &memNotifier{store: store}
	r := New(store, notifier, p, zap.NewNop(), WithTV(tv))

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Untracked)
	assert.True(t, store.claims[claim{10, 1, 1, 2}])
	assert.False(t, store.claims[claim{10, 1, 1, 5}], "cutoff not met stays silent")

	res, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Untracked)
	assert.Zero(t, res.Repaired)
}

func TestUntrackedEpisodes_SeriesMissing(t *testing.T) {
	store := newMemStore()
	store.requests = []*db.MediaRequest{tvRequest(1, 10)}

	res, err := New(store, &memNotifier{store: store}, present(), zap.NewNop(), WithTV(&fakeTV{})).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Untracked)
}

func TestUntrackedMovies(t *testing.T) {
	store := newMemStore()
	dune := &db.MediaRequest{ID: 2, UserID: 10, MediaType: db.MediaTypeMovie, TMDBID: 438631, Title: "Dune", Status: db.RequestApproved}
	pending := &db.MediaRequest{ID: 3, UserID: 10, MediaType: db.MediaTypeMovie, TMDBID: 1, Title: "Unreleased", Status: db.RequestApproved}
	store.requests = []*db.MediaRequest{dune, pending}
	store.subscribers[2] = []db.Subscriber{{UserID: 10, Owner: true}}

	movies := fakeMovies{
		438631: {Title: "Dune", Year: 2021, HasFile: true},
		1:      {Title: "Unreleased", Year: 2027},
	}
	p := present()
	p.movies["Dune"] = true
	notifier := &memNotifier{store: store}
	r := New(store, notifier, p, zap.NewNop(), WithMovies(movies))

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Movies)
	assert.Equal(t, []string{"Dune"}, notifier.movies)

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, notifier.movies, 1)
}

func TestRun_SkipsDuringMaintenance(t *testing.T) {
	store := newMemStore()
	store.track(nil, 42, 1, 1)
	sweeper := &fakeSweeper{}

	res, err := New(store, &memNotifier{store: store}, present(), zap.NewNop(),
		WithIssues(sweeper), WithGate(pausedGate{})).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, store.deleted)
	assert.Zero(t, sweeper.calls)
}

func TestRun_IssuePassErrorDoesNotStopOthers(t *testing.T) {
	store := newMemStore()
	store.track(nil, 42, 1, 1)
	sweeper := &fakeSweeper{err: errors.New("sonarr down")}

	res, err := New(store, &memNotifier{store: store}, present(), zap.NewNop(), WithIssues(sweeper)).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.OrphansDeleted)
	require.NotNil(t, res.Issues)
	assert.Equal(t, 1, res.Issues.Checked)
}
