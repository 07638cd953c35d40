// Package plex confirms that content is actually watchable on the media
// server before anyone is told about it.
package plex

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/upstream"
)

// Library search types.
const (
	searchMovie = "1"
	searchShow  = "2"
)

// Checker answers presence questions. Errors mean "could not tell"; callers
// treat that as not present and try again on a later pass.
type Checker interface {
	HasEpisode(ctx context.Context, seriesTitle string, season, episode int) (bool, error)
	HasMovie(ctx context.Context, title string, year int) (bool, error)
}

type container struct {
	MediaContainer struct {
		Metadata []metadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

type metadata struct {
	RatingKey   string  `json:"ratingKey"`
	Title       string  `json:"title"`
	Year        int     `json:"year"`
	Type        string  `json:"type"`
	ParentIndex int     `json:"parentIndex"`
	Index       int     `json:"index"`
	Media       []media `json:"Media"`
}

type media struct {
	ID int64 `json:"id"`
}

// Config points at a Plex server.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	RPS     float64
}

// Client is a Plex HTTP client.
type Client struct {
	http   *upstream.Client
	logger *zap.Logger
}

// New returns a Plex-backed Checker, or an always-present checker when Plex
// is not configured so notifications are gated on the PVR alone.
func New(cfg Config, logger *zap.Logger) Checker {
	if cfg.URL == "" {
		logger.Warn("PLEX_URL not set, availability checks disabled")
		return Disabled{}
	}
	return NewClient(cfg, logger)
}

// NewClient builds a Plex client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		http: upstream.New(upstream.Config{
			Name:    "plex",
			BaseURL: cfg.URL,
			Timeout: cfg.Timeout,
			RPS:     cfg.RPS,
			Headers: map[string]string{"X-Plex-Token": cfg.Token},
		}, logger),
		logger: logger.Named("plex"),
	}
}

// Upstream exposes the underlying client for health output.
func (c *Client) Upstream() *upstream.Client { return c.http }

func (c *Client) search(ctx context.Context, query, typ string) ([]metadata, error) {
	var out container
	if err := c.http.GetJSON(ctx, "/search", url.Values{"query": {query}, "type": {typ}}, &out); err != nil {
		return nil, fmt.Errorf("plex search %q: %w", query, err)
	}
	return out.MediaContainer.Metadata, nil
}

// HasEpisode reports whether the episode exists with a media file attached.
func (c *Client) HasEpisode(ctx context.Context, seriesTitle string, season, episode int) (bool, error) {
	shows, err := c.search(ctx, seriesTitle, searchShow)
	if err != nil {
		return false, err
	}
	if len(shows) == 0 {
		return false, nil
	}

	// prefer an exact title match, otherwise trust the server's ranking
	show := shows[0]
	for _, s := range shows {
		if strings.EqualFold(s.Title, seriesTitle) {
			show = s
			break
		}
	}
	if show.RatingKey == "" {
		return false, nil
	}

	var leaves container
	if err := c.http.GetJSON(ctx, "/library/metadata/"+show.RatingKey+"/allLeaves", nil, &leaves); err != nil {
		return false, fmt.Errorf("plex episodes for %q: %w", seriesTitle, err)
	}

	for _, ep := range leaves.MediaContainer.Metadata {
		if ep.ParentIndex == season && ep.Index == episode && len(ep.Media) > 0 {
			c.logger.Debug("episode present",
				zap.String("series", seriesTitle),
				zap.Int("season", season),
				zap.Int("episode", episode),
			)
			return true, nil
		}
	}
	return false, nil
}

// HasMovie reports whether a movie with this title (and year, when non-zero)
// exists with a media file.
func (c *Client) HasMovie(ctx context.Context, title string, year int) (bool, error) {
	query := title
	if year > 0 {
		query = fmt.Sprintf("%s %d", title, year)
	}
	movies, err := c.search(ctx, query, searchMovie)
	if err != nil {
		return false, err
	}

	for _, m := range movies {
		if !strings.EqualFold(m.Title, title) {
			continue
		}
		if year > 0 && m.Year != year {
			continue
		}
		if len(m.Media) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Disabled treats everything as present.
type Disabled struct{}

func (Disabled) HasEpisode(context.Context, string, int, int) (bool, error) { return true, nil }
func (Disabled) HasMovie(context.Context, string, int) (bool, error)        { return true, nil }
