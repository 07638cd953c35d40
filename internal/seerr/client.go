// Package seerr talks to the request tracker (Jellyseerr or Overseerr):
// users, requests, posters and issue callbacks, plus the periodic sync.
package seerr

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/upstream"
)

// PosterBase prefixes TMDB poster paths.
const PosterBase = "https://image.tmdb.org/t/p/w500"

const (
	pageSize      = 100
	posterTimeout = 10 * time.Second
)

// Request status codes as reported by the tracker.
const (
	StatusPending  = 1
	StatusApproved = 2
	StatusDeclined = 3
	StatusAvail    = 4
)

// MediaStatusAvailable is the media-level "fully available" code.
const MediaStatusAvailable = 5

// User is a tracker account.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	PlexUsername string `json:"plexUsername"`
	DisplayName  string `json:"displayName"`
	PlexID       *int64 `json:"plexId"`
}

// Name picks the best human name available.
func (u User) Name() string {
	for _, n := range []string{u.DisplayName, u.Username, u.PlexUsername} {
		if n != "" {
			return n
		}
	}
	return u.Email
}

// Media is the media block on a request.
type Media struct {
	ID     int64  `json:"id"`
	TMDBID int64  `json:"tmdbId"`
	TVDBID *int64 `json:"tvdbId"`
	Status int    `json:"status"`
}

// Season is a requested season.
type Season struct {
	SeasonNumber int `json:"seasonNumber"`
}

// Request is a tracker request.
type Request struct {
	ID          int64    `json:"id"`
	Status      int      `json:"status"`
	Type        string   `json:"type"`
	Media       Media    `json:"media"`
	RequestedBy User     `json:"requestedBy"`
	Seasons     []Season `json:"seasons"`
}

// Details is the subset of the TMDB proxy response we use.
type Details struct {
	Title        string `json:"title"`
	Name         string `json:"name"`
	PosterPath   string `json:"posterPath"`
	ReleaseDate  string `json:"releaseDate"`
	FirstAirDate string `json:"firstAirDate"`
}

// DisplayTitle is the movie title or the show name.
func (d Details) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

type page[T any] struct {
	PageInfo struct {
		Pages   int `json:"pages"`
		Page    int `json:"page"`
		Results int `json:"results"`
	} `json:"pageInfo"`
	Results []T `json:"results"`
}

// Config points at the tracker.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	RPS     float64
}

// Client is the tracker HTTP client.
type Client struct {
	http   *upstream.Client
	logger *zap.Logger
}

// New builds a tracker client.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		http: upstream.New(upstream.Config{
			Name:    "seerr",
			BaseURL: cfg.URL,
			Timeout: cfg.Timeout,
			RPS:     cfg.RPS,
			Headers: map[string]string{"X-Api-Key": cfg.APIKey},
		}, logger),
		logger: logger.Named("seerr"),
	}
}

// Configured reports whether the tracker has a URL.
func (c *Client) Configured() bool { return c.http.Configured() }

// Upstream exposes the underlying client for health output.
func (c *Client) Upstream() *upstream.Client { return c.http }

// Users lists every tracker user.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var all []User
	for skip := 0; ; skip += pageSize {
		var p page[User]
		q := url.Values{"take": {strconv.Itoa(pageSize)}, "skip": {strconv.Itoa(skip)}}
		if err := c.http.GetJSON(ctx, "/api/v1/user", q, &p); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		all = append(all, p.Results...)
		if len(p.Results) < pageSize {
			return all, nil
		}
	}
}

// Requests lists every request, newest first.
func (c *Client) Requests(ctx context.Context) ([]Request, error) {
	var all []Request
	for skip := 0; ; skip += pageSize {
		var p page[Request]
		q := url.Values{
			"take":   {strconv.Itoa(pageSize)},
			"skip":   {strconv.Itoa(skip)},
			"filter": {"all"},
			"sort":   {"added"},
		}
		if err := c.http.GetJSON(ctx, "/api/v1/request", q, &p); err != nil {
			return nil, fmt.Errorf("list requests: %w", err)
		}
		all = append(all, p.Results...)
		if len(p.Results) < pageSize {
			return all, nil
		}
	}
}

// Details fetches TMDB metadata through the tracker. mediaType is "tv" or "movie".
func (c *Client) Details(ctx context.Context, mediaType string, tmdbID int64) (*Details, error) {
	var d Details
	path := fmt.Sprintf("/api/v1/%s/%d", mediaType, tmdbID)
	if err := c.http.GetJSON(ctx, path, nil, &d); err != nil {
		return nil, fmt.Errorf("%s %d details: %w", mediaType, tmdbID, err)
	}
	return &d, nil
}

// PosterURL resolves a poster image. Any failure yields "".
func (c *Client) PosterURL(ctx context.Context, mediaType string, tmdbID int64) string {
	if !c.Configured() || tmdbID == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, posterTimeout)
	defer cancel()

	d, err := c.Details(ctx, mediaType, tmdbID)
	if err != nil {
		c.logger.Debug("poster lookup failed", zap.Int64("tmdb_id", tmdbID), zap.Error(err))
		return ""
	}
	if d.PosterPath == "" {
		return ""
	}
	return PosterBase + d.PosterPath
}

// CommentIssue posts a comment on an issue.
func (c *Client) CommentIssue(ctx context.Context, issueID int64, message string) error {
	body := map[string]string{"message": message}
	if err := c.http.PostJSON(ctx, fmt.Sprintf("/api/v1/issue/%d/comment", issueID), body, nil); err != nil {
		return fmt.Errorf("comment on issue %d: %w", issueID, err)
	}
	return nil
}

// ResolveIssue marks an issue resolved in the tracker.
func (c *Client) ResolveIssue(ctx context.Context, issueID int64) error {
	if err := c.http.PostJSON(ctx, fmt.Sprintf("/api/v1/issue/%d/resolved", issueID), nil, nil); err != nil {
		return fmt.Errorf("resolve issue %d: %w", issueID, err)
	}
	return nil
}

// MapStatus converts tracker request and media status codes to our request status.
func MapStatus(requestStatus, mediaStatus int) string {
	if mediaStatus == MediaStatusAvailable {
		return db.RequestAvailable
	}
	switch requestStatus {
	case StatusApproved:
		return db.RequestApproved
	case StatusDeclined:
		return db.RequestDeclined
	case StatusAvail:
		return db.RequestAvailable
	default:
		return db.RequestPending
	}
}
