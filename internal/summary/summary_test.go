package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/email"
)

type memStore struct {
	activity []db.UserActivity
	since    time.Time
	rows     []*db.Notification
}

func (m *memStore) SentActivity(_ context.Context, since time.Time) ([]db.UserActivity, error) {
	m.since = since
	return m.activity, nil
}

func (m *memStore) CreateNotification(_ context.Context, n *db.Notification) (bool, error) {
	for _, r := range m.rows {
		if r.Type == n.Type && r.DedupKey == n.DedupKey {
			return false, nil
		}
	}
	m.rows = append(m.rows, n)
	return true, nil
}

func TestDue(t *testing.T) {
	sunday := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) // a Sunday
	tests := []struct {
		at   time.Time
		want bool
	}{
		{sunday.Add(8*time.Hour + 59*time.Minute), false},
		{sunday.Add(9 * time.Hour), true},
		{sunday.Add(23 * time.Hour), true},
		{sunday.Add(33 * time.Hour), false},
		{sunday.Add(-15 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.at.Format(time.RFC3339), func(t *testing.T) {
			assert.Equal(t, tt.want, Due(tt.at))
		})
	}
}

func TestWeekKey(t *testing.T) {
	assert.Equal(t, "week:2026-09", WeekKey(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	// ISO year differs from calendar year around new year
	assert.Equal(t, "week:2026-53", WeekKey(time.Date(2027, 1, 3, 9, 0, 0, 0, time.UTC)))
}

func TestRunOnce_QueuesOncePerWeek(t *testing.T) {
	store := &memStore{activity: []db.UserActivity{
		{UserID: 1, Username: "alice", Episodes: 6},
		{UserID: 2, Username: "bob", Movies: 1},
	}}
	s := New(store, email.MustRenderer(), "ops@example.com", zap.NewNop())
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RunOnce(context.Background()))
		clock = clock.Add(time.Hour)
	}

	require.Len(t, store.rows, 1)
	n := store.rows[0]
	assert.Equal(t, "Weekly Notification Summary: 6 episodes, 1 movies", n.Subject)
	assert.Equal(t, "ops@example.com", n.Recipient)
	assert.Nil(t, n.UserID)
	assert.Equal(t, "week:2026-09", n.DedupKey)
	assert.Equal(t, time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC), store.since)
}

func TestRunOnce_NotDue(t *testing.T) {
	store := &memStore{}
	s := New(store, email.MustRenderer(), "ops@example.com", zap.NewNop())
	s.now = func() time.Time { return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, store.rows)
}

func TestQueue_NoRecipient(t *testing.T) {
	s := New(&memStore{}, email.MustRenderer(), "", zap.NewNop())
	_, err := s.Queue(context.Background(), time.Now())
	assert.Error(t, err)
}
