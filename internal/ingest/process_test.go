package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/marquee/internal/db"
)

func TestProcess_RoutesBySource(t *testing.T) {
	store := newFakeStore()
	store.addRequest(tvRequest(10), db.Subscriber{UserID: 1, Username: "alice", Owner: true})
	svc := newService(store)

	body := `{"eventType":"Download","series":{"id":7,"title":"Severance","tmdbId":95396},
		"episodes":[{"id":1,"seasonNumber":1,"episodeNumber":1}]}`
	res, err := svc.Process(context.Background(), SourceSonarr, []byte(body))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)

	res, err = svc.Process(context.Background(), SourceRadarr, []byte(`{"eventType":"Test"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = svc.Process(context.Background(), SourceSeerr, []byte(`{"notification_type":"TEST_NOTIFICATION"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestProcess_InvalidInput(t *testing.T) {
	svc := newService(newFakeStore())

	tests := []struct {
		name   string
		source string
		body   string
	}{
		{"unknown source", "lidarr", `{"eventType":"Test"}`},
		{"not json", SourceSonarr, `{`},
		{"missing event type", SourceRadarr, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Process(context.Background(), tt.source, []byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}
