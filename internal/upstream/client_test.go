package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/circuitbreaker"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		Name:    "sonarr",
		BaseURL: srv.URL,
		Timeout: time.Second,
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, zap.NewNop())
}

func TestGetJSON_DecodesAndSendsHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		if r.URL.Query().Get("seriesId") != "7" {
			t.Errorf("expected seriesId=7, got %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"id":1,"title":"Pilot"}]`))
	})

	var out []struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	if err := c.GetJSON(context.Background(), "/api/v3/episode", url.Values{"seriesId": {"7"}}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Title != "Pilot" {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestGetJSON_NotFoundDoesNotTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 10; i++ {
		err := c.GetJSON(context.Background(), "/missing", nil, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if c.Breaker().State() != circuitbreaker.StateClosed {
		t.Fatalf("404s must not open the breaker, got %s", c.Breaker().State())
	}
}

func TestGetJSON_ServerErrorsOpenBreaker(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	})

	var statusErr *StatusError
	for i := 0; i < 5; i++ {
		err := c.GetJSON(context.Background(), "/api/v3/queue", nil, nil)
		if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadGateway {
			t.Fatalf("expected StatusError 502, got %v", err)
		}
	}

	err := c.GetJSON(context.Background(), "/api/v3/queue", nil, nil)
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("expected 5 server calls, got %d", calls)
	}
}

func TestPostJSON_SendsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected json content type")
		}
		buf := make([]byte, 128)
		n, _ := r.Body.Read(buf)
		if string(buf[:n]) != `{"name":"RefreshSeries","seriesId":3}` {
			t.Errorf("unexpected body %s", buf[:n])
		}
		w.WriteHeader(http.StatusCreated)
	})

	in := struct {
		Name     string `json:"name"`
		SeriesID int    `json:"seriesId"`
	}{"RefreshSeries", 3}
	if err := c.PostJSON(context.Background(), "/api/v3/command", in, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{Name: "plex"}, zap.NewNop())
	if c.Configured() {
		t.Fatal("empty base URL must be unconfigured")
	}
	if err := c.GetJSON(context.Background(), "/", nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
