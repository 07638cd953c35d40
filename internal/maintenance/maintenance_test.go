package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
)

var start = time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)

type memStore struct {
	windows []*db.MaintenanceWindow
	users   []*db.User
	rows    []*db.Notification
}

func (m *memStore) CreateMaintenance(_ context.Context, w *db.MaintenanceWindow) error {
	w.ID = int64(len(m.windows) + 1)
	w.Status = db.MaintenanceScheduled
	m.windows = append(m.windows, w)
	return nil
}

func (m *memStore) get(id int64) *db.MaintenanceWindow {
	for _, w := range m.windows {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (m *memStore) CancelMaintenance(_ context.Context, id int64) error {
	w := m.get(id)
	if w == nil || (w.Status != db.MaintenanceScheduled && w.Status != db.MaintenanceActive) {
		return db.ErrNotFound
	}
	w.Cancelled, w.Status = true, db.MaintenanceCancelled
	return nil
}

// OpenMaintenance hands out copies so the service sees a snapshot, like a query.
func (m *memStore) OpenMaintenance(context.Context) ([]*db.MaintenanceWindow, error) {
	var out []*db.MaintenanceWindow
	for _, w := range m.windows {
		if !w.Cancelled && (w.Status == db.MaintenanceScheduled || w.Status == db.MaintenanceActive) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ActiveMaintenance(_ context.Context, now time.Time) (*db.MaintenanceWindow, error) {
	for _, w := range m.windows {
		if !w.Cancelled && (w.Status == db.MaintenanceScheduled || w.Status == db.MaintenanceActive) &&
			!w.StartTime.After(now) && w.EndTime.After(now) {
			return w, nil
		}
	}
	return nil, nil
}

func (m *memStore) ClaimMaintenanceGate(_ context.Context, id int64, gate string) (bool, error) {
	w := m.get(id)
	if w == nil || w.Cancelled {
		return false, nil
	}
	var flag *bool
	switch gate {
	case db.GateAnnouncement:
		flag = &w.AnnouncementSent
	case db.GateReminder:
		flag = &w.ReminderSent
	case db.GateCompletion:
		flag = &w.CompletionSent
	default:
		return false, errors.New("unknown gate")
	}
	if *flag {
		return false, nil
	}
	*flag = true
	return true, nil
}

func (m *memStore) SetMaintenanceStatus(_ context.Context, id int64, status string, from ...string) (bool, error) {
	w := m.get(id)
	for _, f := range from {
		if w.Status == f && !w.Cancelled {
			w.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListUsers(context.Context) ([]*db.User, error) { return m.users, nil }

func (m *memStore) CreateNotification(_ context.Context, n *db.Notification) (bool, error) {
	for _, r := range m.rows {
		if r.DedupKey == n.DedupKey && *r.UserID == *n.UserID {
			return false, nil
		}
	}
	m.rows = append(m.rows, n)
	return true, nil
}

func (m *memStore) subjects() []string {
	var out []string
	for _, r := range m.rows {
		out = append(out, r.Subject)
	}
	return out
}

func newService(store *memStore, clock *time.Time) *Service {
	s := New(store, email.MustRenderer(), Config{}, zap.NewNop())
	s.now = func() time.Time { return *clock }
	return s
}

func twoUsers() []*db.User {
	return []*db.User{{ID: 1, Email: "a@example.com"}, {ID: 2, Email: "b@example.com"}, {ID: 3}}
}

func TestLifecycle_EachGateFiresOnce(t *testing.T) {
	store := &memStore{users: twoUsers()}
	clock := start.Add(-24 * time.Hour)
	s := newService(store, &clock)
	ctx := context.Background()

	w := &db.MaintenanceWindow{Title: "Disk upgrade", StartTime: start, EndTime: start.Add(2 * time.Hour)}
	require.NoError(t, s.Create(ctx, w))
	assert.Len(t, store.rows, 2, "announcement to users with an address")

	require.NoError(t, s.RunOnce(ctx))
	assert.Len(t, store.rows, 2)

	clock = start.Add(-30 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	assert.Len(t, store.rows, 4, "reminder once")

	clock = start.Add(time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, db.MaintenanceActive, store.get(w.ID).Status)
	paused, err := s.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	clock = start.Add(2 * time.Hour)
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, db.MaintenanceCompleted, store.get(w.ID).Status)
	assert.Len(t, store.rows, 6, "completion once")
	paused, err = s.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	assert.Equal(t, []string{
		"Scheduled Maintenance: Disk upgrade", "Scheduled Maintenance: Disk upgrade",
		"Reminder: Maintenance Starting Soon: Disk upgrade", "Reminder: Maintenance Starting Soon: Disk upgrade",
		"Maintenance Complete: Disk upgrade", "Maintenance Complete: Disk upgrade",
	}, store.subjects())
}

func TestCancelledWindowFiresNothing(t *testing.T) {
	store := &memStore{users: twoUsers()}
	clock := start.Add(-24 * time.Hour)
	s := newService(store, &clock)
	ctx := context.Background()

	w := &db.MaintenanceWindow{Title: "Disk upgrade", StartTime: start, EndTime: start.Add(time.Hour)}
	require.NoError(t, s.Create(ctx, w))
	require.NoError(t, s.Cancel(ctx, w.ID))

	for _, at := range []time.Time{start.Add(-10 * time.Minute), start.Add(10 * time.Minute), start.Add(2 * time.Hour)} {
		clock = at
		require.NoError(t, s.RunOnce(ctx))
		paused, err := s.Paused(ctx)
		require.NoError(t, err)
		assert.False(t, paused)
	}
	assert.Len(t, store.rows, 2, "only the announcement sent before cancelling")
	assert.ErrorIs(t, s.Cancel(ctx, w.ID), db.ErrNotFound)
}

func TestLateWorkerSkipsReminder(t *testing.T) {
	store := &memStore{users: twoUsers()}
	clock := start.Add(-24 * time.Hour)
	s := newService(store, &clock)
	ctx := context.Background()

	w := &db.MaintenanceWindow{Title: "Disk upgrade", StartTime: start, EndTime: start.Add(time.Hour)}
	require.NoError(t, s.Create(ctx, w))

	clock = start.Add(10 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.False(t, store.get(w.ID).ReminderSent)
	assert.Equal(t, db.MaintenanceActive, store.get(w.ID).Status)
}

func TestCreate_Validation(t *testing.T) {
	clock := start
	s := newService(&memStore{}, &clock)

	err := s.Create(context.Background(), &db.MaintenanceWindow{Title: " ", StartTime: start, EndTime: start.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	err = s.Create(context.Background(), &db.MaintenanceWindow{Title: "x", StartTime: start, EndTime: start})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}
