package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// ErrInvalidPayload wraps every decode or validation failure.
var ErrInvalidPayload = errors.New("invalid webhook payload")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// decode unmarshals body into v and runs the struct's validation tags.
func decode(body []byte, v interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := getValidator().Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// FlexInt accepts a JSON number, a numeric string, or null.
// The request tracker templates emit ids as strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*f = FlexInt(n)
	return nil
}

// Ptr returns nil for zero, which the payloads use for "absent".
func (f FlexInt) Ptr() *int64 {
	if f == 0 {
		return nil
	}
	v := int64(f)
	return &v
}

// PVR event types.
const (
	EventTest     = "Test"
	EventGrab     = "Grab"
	EventDownload = "Download"
)

// SonarrSeries identifies the series an event is about.
type SonarrSeries struct {
	ID     int64   `json:"id" validate:"required"`
	Title  string  `json:"title" validate:"required"`
	TVDBID FlexInt `json:"tvdbId"`
	TMDBID FlexInt `json:"tmdbId"`
	Year   int     `json:"year"`
}

// SonarrEpisode is one episode named by an event.
type SonarrEpisode struct {
	ID            int64   `json:"id"`
	SeasonNumber  int     `json:"seasonNumber" validate:"gte=0"`
	EpisodeNumber int     `json:"episodeNumber" validate:"gte=0"`
	Title         string  `json:"title"`
	AirDate       *string `json:"airDate"`
	AirDateUTC    *string `json:"airDateUtc"`
}

// Aired resolves the air date, preferring airDateUtc over the local airDate.
func (e SonarrEpisode) Aired() *time.Time {
	if e.AirDateUTC != nil && *e.AirDateUTC != "" {
		if t, err := time.Parse(time.RFC3339, *e.AirDateUTC); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if e.AirDate != nil && *e.AirDate != "" {
		if t, err := time.Parse("2006-01-02", *e.AirDate); err == nil {
			return &t
		}
	}
	return nil
}

// FileInfo is the subset of episodeFile/movieFile the service reads.
type FileInfo struct {
	ID                  int64  `json:"id"`
	RelativePath        string `json:"relativePath"`
	Quality             string `json:"quality"`
	QualityCutoffNotMet *bool  `json:"qualityCutoffNotMet"`
}

// SonarrEvent is a Sonarr webhook body.
type SonarrEvent struct {
	EventType           string          `json:"eventType" validate:"required"`
	Series              *SonarrSeries   `json:"series" validate:"required_if=EventType Grab,required_if=EventType Download"`
	Episodes            []SonarrEpisode `json:"episodes" validate:"dive"`
	EpisodeFile         *FileInfo       `json:"episodeFile"`
	QualityCutoffNotMet *bool           `json:"qualityCutoffNotMet"`
	IsUpgrade           bool            `json:"isUpgrade"`
}

// DecodeSonarr parses and validates a Sonarr webhook body.
func DecodeSonarr(body []byte) (*SonarrEvent, error) {
	var ev SonarrEvent
	if err := decode(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// CutoffNotMet reads the quality flag from the file block first, then the
// top level. Absent means the cutoff was met.
func (e *SonarrEvent) CutoffNotMet() bool {
	return cutoffNotMet(e.EpisodeFile, e.QualityCutoffNotMet)
}

func cutoffNotMet(file *FileInfo, top *bool) bool {
	if file != nil && file.QualityCutoffNotMet != nil {
		return *file.QualityCutoffNotMet
	}
	return top != nil && *top
}

// RadarrMovie identifies the movie an event is about.
type RadarrMovie struct {
	ID     int64   `json:"id" validate:"required"`
	Title  string  `json:"title" validate:"required"`
	Year   int     `json:"year"`
	TMDBID FlexInt `json:"tmdbId" validate:"required"`
	IMDBID string  `json:"imdbId"`
}

// RadarrEvent is a Radarr webhook body.
type RadarrEvent struct {
	EventType           string       `json:"eventType" validate:"required"`
	Movie               *RadarrMovie `json:"movie" validate:"required_if=EventType Grab,required_if=EventType Download"`
	MovieFile           *FileInfo    `json:"movieFile"`
	QualityCutoffNotMet *bool        `json:"qualityCutoffNotMet"`
	IsUpgrade           bool         `json:"isUpgrade"`
}

// DecodeRadarr parses and validates a Radarr webhook body.
func DecodeRadarr(body []byte) (*RadarrEvent, error) {
	var ev RadarrEvent
	if err := decode(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// CutoffNotMet follows the same lookup order as SonarrEvent.CutoffNotMet.
func (e *RadarrEvent) CutoffNotMet() bool {
	return cutoffNotMet(e.MovieFile, e.QualityCutoffNotMet)
}

// Request tracker notification types.
const (
	SeerrTest          = "TEST_NOTIFICATION"
	SeerrPending       = "MEDIA_PENDING"
	SeerrApproved      = "MEDIA_APPROVED"
	SeerrAutoApproved  = "MEDIA_AUTO_APPROVED"
	SeerrAvailable     = "MEDIA_AVAILABLE"
	SeerrDeclined      = "MEDIA_DECLINED"
	SeerrIssueCreated  = "ISSUE_CREATED"
	SeerrIssueComment  = "ISSUE_COMMENT"
	SeerrIssueResolved = "ISSUE_RESOLVED"
	SeerrIssueReopened = "ISSUE_REOPENED"
)

// SeerrMedia is the media block of a tracker notification.
type SeerrMedia struct {
	MediaType string  `json:"media_type" validate:"omitempty,oneof=movie tv"`
	TMDBID    FlexInt `json:"tmdbId"`
	TVDBID    FlexInt `json:"tvdbId"`
	Status    string  `json:"status"`
}

// SeerrRequest is the request block of a tracker notification.
type SeerrRequest struct {
	RequestID           FlexInt `json:"request_id"`
	RequestedByID       FlexInt `json:"requestedBy_id"`
	RequestedByEmail    string  `json:"requestedBy_email"`
	RequestedByUsername string  `json:"requestedBy_username"`
}

// SeerrIssue is the issue block of a tracker notification.
type SeerrIssue struct {
	IssueID            FlexInt `json:"issue_id"`
	IssueType          string  `json:"issue_type"`
	IssueStatus        string  `json:"issue_status"`
	ReportedByEmail    string  `json:"reportedBy_email"`
	ReportedByUsername string  `json:"reportedBy_username"`
}

// SeerrComment is the comment block on ISSUE_COMMENT.
type SeerrComment struct {
	Message         string `json:"comment_message"`
	CommentedByName string `json:"commentedBy_username"`
}

// SeerrExtra is one name/value pair from the template's extra list.
type SeerrExtra struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SeerrEvent is a request tracker webhook body.
type SeerrEvent struct {
	NotificationType string        `json:"notification_type" validate:"required"`
	Event            string        `json:"event"`
	Subject          string        `json:"subject"`
	Message          string        `json:"message"`
	Image            string        `json:"image"`
	Media            *SeerrMedia   `json:"media"`
	Request          *SeerrRequest `json:"request"`
	Issue            *SeerrIssue   `json:"issue"`
	Comment          *SeerrComment `json:"comment"`
	Extra            []SeerrExtra  `json:"extra"`
}

// DecodeSeerr parses and validates a tracker webhook body.
func DecodeSeerr(body []byte) (*SeerrEvent, error) {
	var ev SeerrEvent
	if err := decode(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ExtraInt finds an extra entry by case-insensitive name and parses it.
// The tracker renders affected season/episode as strings.
func (e *SeerrEvent) ExtraInt(names ...string) *int {
	for _, x := range e.Extra {
		for _, name := range names {
			if !strings.EqualFold(strings.TrimSpace(x.Name), name) {
				continue
			}
			if n, err := strconv.Atoi(strings.TrimSpace(x.Value)); err == nil {
				return &n
			}
		}
	}
	return nil
}

// AffectedSeason is the season an issue was reported against, if any.
func (e *SeerrEvent) AffectedSeason() *int {
	return e.ExtraInt("Affected Season", "season")
}

// AffectedEpisode is the episode an issue was reported against, if any.
func (e *SeerrEvent) AffectedEpisode() *int {
	return e.ExtraInt("Affected Episode", "episode")
}

// ReporterEmail is the issue reporter, falling back to the requester.
func (e *SeerrEvent) ReporterEmail() string {
	if e.Issue != nil && e.Issue.ReportedByEmail != "" {
		return e.Issue.ReportedByEmail
	}
	if e.Request != nil {
		return e.Request.RequestedByEmail
	}
	return ""
}
