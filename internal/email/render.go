package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lalithlochan/marquee/internal/db"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = []string{
	"episode", "movie", "quality_waiting", "coming_soon",
	"issue_resolved", "weekly_summary", "maintenance", "admin_alert",
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	}
	return time.Time{}, false
}

var funcs = template.FuncMap{
	"date": func(v interface{}) string {
		if t, ok := asTime(v); ok {
			return t.UTC().Format("Mon, Jan 2 2006")
		}
		return ""
	},
	"clock": func(v interface{}) string {
		if t, ok := asTime(v); ok {
			return t.UTC().Format("15:04")
		}
		return ""
	},
	"relative": func(v interface{}) string {
		if t, ok := asTime(v); ok {
			return humanize.Time(t)
		}
		return ""
	},
	"duration": func(a, b time.Time) string {
		return strings.TrimSuffix(humanize.RelTime(a, b, "", ""), " ")
	},
	"bytes": func(n int64) string {
		if n < 0 {
			n = 0
		}
		return humanize.Bytes(uint64(n))
	},
	"join": strings.Join,
}

// Renderer turns notification data into subject and HTML body.
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	layout, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	r := &Renderer{pages: make(map[string]*template.Template, len(pages))}
	for _, name := range pages {
		t, err := template.Must(layout.Clone()).ParseFS(templateFS, "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// MustRenderer is NewRenderer for tests and startup code that cannot continue without templates.
func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Renderer) render(page string, data interface{}) (string, error) {
	t, ok := r.pages[page]
	if !ok {
		return "", fmt.Errorf("unknown template %q", page)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		return "", fmt.Errorf("render %s: %w", page, err)
	}
	return buf.String(), nil
}

// Episode is one line in an episode email.
type Episode struct {
	Season  int
	Episode int
	Title   string
	AirDate *time.Time
}

// EpisodesFromClaims converts stored episode claims to template rows.
func EpisodesFromClaims(eps []db.NotificationEpisode) []Episode {
	out := make([]Episode, 0, len(eps))
	for _, e := range eps {
		out = append(out, Episode{
			Season:  e.SeasonNumber,
			Episode: e.EpisodeNumber,
			Title:   e.EpisodeTitle,
			AirDate: e.AirDate,
		})
	}
	return out
}

// EpisodeData feeds the episode template.
type EpisodeData struct {
	UserName    string
	SeriesTitle string
	PosterURL   string
	Episodes    []Episode
}

// SortEpisodes orders by season then episode.
func SortEpisodes(eps []Episode) {
	sort.SliceStable(eps, func(i, j int) bool {
		if eps[i].Season != eps[j].Season {
			return eps[i].Season < eps[j].Season
		}
		return eps[i].Episode < eps[j].Episode
	})
}

// EpisodeSubject is "New Episode: X S01E02" for one episode and
// "New Episodes: X (N episodes)" for several.
func EpisodeSubject(series string, eps []Episode) string {
	if len(eps) == 1 {
		return fmt.Sprintf("New Episode: %s S%02dE%02d", series, eps[0].Season, eps[0].Episode)
	}
	return fmt.Sprintf("New Episodes: %s (%d episodes)", series, len(eps))
}

// Episodes renders a single or combined episode email.
func (r *Renderer) Episodes(d EpisodeData) (subject, body string, err error) {
	if len(d.Episodes) == 0 {
		return "", "", fmt.Errorf("episode email needs at least one episode")
	}
	eps := append([]Episode(nil), d.Episodes...)
	SortEpisodes(eps)
	d.Episodes = eps

	body, err = r.render("episode", d)
	if err != nil {
		return "", "", err
	}
	return EpisodeSubject(d.SeriesTitle, eps), body, nil
}

// MovieData feeds the movie template.
type MovieData struct {
	UserName  string
	Title     string
	Year      int
	PosterURL string
}

func (r *Renderer) Movie(d MovieData) (string, string, error) {
	body, err := r.render("movie", d)
	if err != nil {
		return "", "", err
	}
	return "Movie Available: " + d.Title, body, nil
}

// QualityData feeds the quality_waiting template.
type QualityData struct {
	UserName    string
	Title       string
	ProfileName string
	Reason      string
}

func (r *Renderer) QualityWaiting(d QualityData) (string, string, error) {
	if d.ProfileName == "" {
		d.ProfileName = "requested quality"
	}
	body, err := r.render("quality_waiting", d)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Waiting for %s: %s", d.ProfileName, d.Title), body, nil
}

// ComingSoonData feeds the coming_soon template.
type ComingSoonData struct {
	UserName    string
	Title       string
	PosterURL   string
	ReleaseDate *time.Time
}

func (r *Renderer) ComingSoon(d ComingSoonData) (string, string, error) {
	body, err := r.render("coming_soon", d)
	if err != nil {
		return "", "", err
	}
	return "Coming Soon: " + d.Title, body, nil
}

// IssueData feeds the issue_resolved template.
type IssueData struct {
	UserName  string
	Title     string
	IssueType string
	Episode   string
	Action    string
}

func (r *Renderer) IssueResolved(d IssueData) (string, string, error) {
	if d.IssueType == "" {
		d.IssueType = "playback"
	}
	body, err := r.render("issue_resolved", d)
	if err != nil {
		return "", "", err
	}
	return "Issue Resolved: " + d.Title, body, nil
}

// SummaryData feeds the weekly_summary template.
type SummaryData struct {
	Start         time.Time
	End           time.Time
	Users         []db.UserActivity
	TotalEpisodes int
	TotalMovies   int
}

func (r *Renderer) WeeklySummary(d SummaryData) (string, string, error) {
	d.TotalEpisodes, d.TotalMovies = 0, 0
	for _, u := range d.Users {
		d.TotalEpisodes += u.Episodes
		d.TotalMovies += u.Movies
	}
	body, err := r.render("weekly_summary", d)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Weekly Notification Summary: %d episodes, %d movies", d.TotalEpisodes, d.TotalMovies), body, nil
}

// MaintenanceData feeds the maintenance template.
type MaintenanceData struct {
	Gate        string
	Heading     string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
}

func (r *Renderer) Maintenance(d MaintenanceData) (string, string, error) {
	var subject string
	switch d.Gate {
	case db.GateReminder:
		d.Heading = "Maintenance starts soon"
		subject = "Reminder: Maintenance Starting Soon: " + d.Title
	case db.GateCompletion:
		d.Heading = "Maintenance complete"
		subject = "Maintenance Complete: " + d.Title
	default:
		d.Heading = "Scheduled maintenance"
		subject = "Scheduled Maintenance: " + d.Title
	}
	body, err := r.render("maintenance", d)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

// StuckItem is one stalled or slow queue entry.
type StuckItem struct {
	Service        string
	Title          string
	Status         string
	Kind           string // stalled or slow
	Added          *time.Time
	Size           int64
	Messages       []string
	Protocol       string
	DownloadClient string
}

// Since is the humanized time in queue.
func (s StuckItem) Since() string {
	if s.Added == nil {
		return "unknown"
	}
	return humanize.Time(*s.Added)
}

// FixedItem is one automatic remediation.
type FixedItem struct {
	Service string
	Title   string
	Action  string
	Reason  string
}

// AlertData feeds the admin_alert template.
type AlertData struct {
	Stuck []StuckItem
	Fixed []FixedItem
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// AdminAlert renders the download queue alert.
func (r *Renderer) AdminAlert(d AlertData) (string, string, error) {
	var parts []string
	if len(d.Stuck) > 0 {
		parts = append(parts, plural(len(d.Stuck), "Stuck Download"))
	}
	if len(d.Fixed) > 0 {
		parts = append(parts, "Auto-Fixed "+plural(len(d.Fixed), "TBA Title Issue"))
	}
	if len(parts) == 0 {
		return "", "", fmt.Errorf("alert has nothing to report")
	}
	body, err := r.render("admin_alert", d)
	if err != nil {
		return "", "", err
	}
	return "Download Queue Alert: " + strings.Join(parts, ", "), body, nil
}
