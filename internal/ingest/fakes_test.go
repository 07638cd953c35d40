package ingest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lalithlochan/marquee/internal/db"
)

type claimKey struct {
	user, request   int64
	season, episode int
}

type trackKey struct {
	request, series int64
	season, episode int
}

// fakeStore keeps the same uniqueness rules as the SQL schema.
type fakeStore struct {
	mu            sync.Mutex
	requests      []*db.MediaRequest
	subscribers   map[int64][]db.Subscriber
	users         map[string]*db.User
	tracking      map[trackKey]*db.EpisodeTracking
	claims        map[claimKey]uuid.UUID
	notifications []*db.Notification
	nextID        int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscribers: map[int64][]db.Subscriber{},
		users:       map[string]*db.User{},
		tracking:    map[trackKey]*db.EpisodeTracking{},
		claims:      map[claimKey]uuid.UUID{},
		nextID:      100,
	}
}

func (f *fakeStore) addRequest(r *db.MediaRequest, subs ...db.Subscriber) {
	f.requests = append(f.requests, r)
	f.subscribers[r.ID] = subs
}

func (f *fakeStore) ofType(typ string) []*db.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Notification
	for _, n := range f.notifications {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeStore) RequestsByTMDB(_ context.Context, mediaType string, tmdbID int64) ([]*db.MediaRequest, error) {
	var out []*db.MediaRequest
	for _, r := range f.requests {
		if r.MediaType == mediaType && r.TMDBID == tmdbID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) Subscribers(_ context.Context, requestID int64) ([]db.Subscriber, error) {
	return f.subscribers[requestID], nil
}

func (f *fakeStore) UpsertTracking(_ context.Context, t *db.EpisodeTracking) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := trackKey{*t.RequestID, t.SeriesID, t.SeasonNumber, t.EpisodeNumber}
	if existing, ok := f.tracking[k]; ok {
		existing.Available = existing.Available || t.Available
		if t.EpisodeTitle != "" {
			existing.EpisodeTitle = t.EpisodeTitle
		}
		return false, nil
	}
	cp := *t
	f.tracking[k] = &cp
	return true, nil
}

func (f *fakeStore) CreateEpisodeNotification(_ context.Context, n *db.Notification, episodes []db.NotificationEpisode, render db.EpisodeRenderer) ([]db.NotificationEpisode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = uuid.New()
	var claimed []db.NotificationEpisode
	for _, ep := range episodes {
		k := claimKey{*n.UserID, *n.RequestID, ep.SeasonNumber, ep.EpisodeNumber}
		if _, ok := f.claims[k]; ok {
			continue
		}
		f.claims[k] = n.ID
		ep.NotificationID = n.ID
		claimed = append(claimed, ep)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	subject, body, err := render(claimed)
	if err != nil {
		return nil, err
	}
	n.Subject, n.Body = subject, body
	f.notifications = append(f.notifications, n)
	return claimed, nil
}

func (f *fakeStore) CreateNotification(_ context.Context, n *db.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.notifications {
		if existing.Type == n.Type && existing.DedupKey == n.DedupKey &&
			eq(existing.UserID, n.UserID) && eq(existing.RequestID, n.RequestID) {
			return false, nil
		}
	}
	n.ID = uuid.New()
	f.notifications = append(f.notifications, n)
	return true, nil
}

func eq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (f *fakeStore) DeletePendingByType(_ context.Context, requestID int64, typ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*db.Notification
	var deleted int64
	for _, n := range f.notifications {
		if n.Type == typ && !n.Sent && n.RequestID != nil && *n.RequestID == requestID {
			deleted++
			continue
		}
		kept = append(kept, n)
	}
	f.notifications = kept
	return deleted, nil
}

func (f *fakeStore) SetRequestStatus(_ context.Context, id int64, status string) error {
	for _, r := range f.requests {
		if r.ID == id {
			r.Status = status
			return nil
		}
	}
	return db.ErrNotFound
}

func (f *fakeStore) FindUserByEmail(_ context.Context, addr string) (*db.User, error) {
	if u, ok := f.users[addr]; ok {
		return u, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) UpsertUser(_ context.Context, u *db.User) error {
	f.nextID++
	u.ID = f.nextID
	f.users[u.Email] = u
	return nil
}

func (f *fakeStore) UpsertRequest(_ context.Context, req *db.MediaRequest) (bool, error) {
	for _, r := range f.requests {
		if r.SeerrRequestID == req.SeerrRequestID {
			r.Status = req.Status
			req.ID = r.ID
			return false, nil
		}
	}
	f.nextID++
	req.ID = f.nextID
	f.requests = append(f.requests, req)
	return true, nil
}

type fakeImporter struct{ calls []int64 }

func (f *fakeImporter) ImportExisting(_ context.Context, req *db.MediaRequest) (int, error) {
	f.calls = append(f.calls, req.ID)
	return 3, nil
}

type fakeIssues struct {
	reported []*db.ReportedIssue
	resolved []int64
	reopened []int64
	comments []string
}

func (f *fakeIssues) Reported(_ context.Context, issue *db.ReportedIssue) error {
	f.reported = append(f.reported, issue)
	return nil
}

func (f *fakeIssues) Commented(_ context.Context, _ int64, message string) error {
	f.comments = append(f.comments, message)
	return nil
}

func (f *fakeIssues) ResolvedUpstream(_ context.Context, id int64) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func (f *fakeIssues) Reopened(_ context.Context, id int64) error {
	f.reopened = append(f.reopened, id)
	return nil
}

type countingNudger struct{ n int }

func (c *countingNudger) Nudge() { c.n++ }
