package db

import (
	"time"

	"github.com/google/uuid"
)

// Media types
const (
	MediaTypeTV    = "tv"
	MediaTypeMovie = "movie"
)

// Request status constants
const (
	RequestPending   = "pending"
	RequestApproved  = "approved"
	RequestDeclined  = "declined"
	RequestAvailable = "available"
)

// Notification type constants
const (
	TypeEpisode        = "episode"
	TypeMovie          = "movie"
	TypeQualityWaiting = "quality_waiting"
	TypeComingSoon     = "coming_soon"
	TypeIssueResolved  = "issue_resolved"
	TypeWeeklySummary  = "weekly_summary"
	TypeMaintenance    = "maintenance"
)

// Issue status constants
const (
	IssueReported = "reported"
	IssueFixing   = "fixing"
	IssueResolved = "resolved"
	IssueFailed   = "failed"
)

// Maintenance window status constants
const (
	MaintenanceScheduled = "scheduled"
	MaintenanceActive    = "active"
	MaintenanceCompleted = "completed"
	MaintenanceCancelled = "cancelled"
)

// User is a request-tracker account that receives mail.
type User struct {
	ID        int64     `json:"id"`
	SeerrID   int64     `json:"seerr_id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	PlexID    *int64    `json:"plex_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MediaRequest mirrors one request in the request tracker.
type MediaRequest struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	SeerrRequestID int64     `json:"seerr_request_id"`
	MediaType      string    `json:"media_type"`
	TMDBID         int64     `json:"tmdb_id"`
	TVDBID         *int64    `json:"tvdb_id,omitempty"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	SeasonCount    *int      `json:"season_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Subscriber is a user who hears about a request: its owner or a share grantee.
type Subscriber struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Owner    bool   `json:"owner"`
}

// EpisodeTracking records that an episode of a request's series was seen downloaded.
// Notified is a historical marker only; per-user delivery lives in notification_episodes.
type EpisodeTracking struct {
	ID            int64      `json:"id"`
	RequestID     *int64     `json:"request_id,omitempty"`
	SeriesID      int64      `json:"series_id"`
	SeasonNumber  int        `json:"season_number"`
	EpisodeNumber int        `json:"episode_number"`
	EpisodeTitle  string     `json:"episode_title"`
	AirDate       *time.Time `json:"air_date,omitempty"`
	Notified      bool       `json:"notified"`
	Available     bool       `json:"available"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Notification is one outbound message, pending or sent.
type Notification struct {
	ID           uuid.UUID  `json:"id"`
	UserID       *int64     `json:"user_id,omitempty"`
	RequestID    *int64     `json:"request_id,omitempty"`
	Recipient    string     `json:"recipient,omitempty"`
	Type         string     `json:"type"`
	DedupKey     string     `json:"dedup_key"`
	Subject      string     `json:"subject"`
	Body         string     `json:"-"`
	MediaTitle   string     `json:"media_title,omitempty"`
	PosterURL    string     `json:"poster_url,omitempty"`
	SeriesID     *int64     `json:"series_id,omitempty"`
	Sent         bool       `json:"sent"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	SendAfter    *time.Time `json:"send_after,omitempty"`
	Failed       bool       `json:"failed"`
	Attempts     int        `json:"attempts"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`

	// Email is resolved from the user row, or Recipient when UserID is nil.
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// Ready reports whether the row may be sent at now.
func (n *Notification) Ready(now time.Time) bool {
	return !n.Sent && !n.Failed && (n.SendAfter == nil || !n.SendAfter.After(now))
}

// NotificationEpisode is a per-user claim on one episode, owned by a notification.
type NotificationEpisode struct {
	NotificationID uuid.UUID  `json:"notification_id"`
	UserID         int64      `json:"user_id"`
	RequestID      int64      `json:"request_id"`
	SeasonNumber   int        `json:"season_number"`
	EpisodeNumber  int        `json:"episode_number"`
	EpisodeTitle   string     `json:"episode_title"`
	AirDate        *time.Time `json:"air_date,omitempty"`
}

// ReportedIssue is a user-reported playback problem.
type ReportedIssue struct {
	ID              int64      `json:"id"`
	SeerrIssueID    *int64     `json:"seerr_issue_id,omitempty"`
	UserID          *int64     `json:"user_id,omitempty"`
	RequestID       *int64     `json:"request_id,omitempty"`
	MediaType       string     `json:"media_type"`
	TMDBID          int64      `json:"tmdb_id"`
	Title           string     `json:"title"`
	SeasonNumber    *int       `json:"season_number,omitempty"`
	EpisodeNumber   *int       `json:"episode_number,omitempty"`
	IssueType       string     `json:"issue_type"`
	IssueMessage    string     `json:"issue_message"`
	Status          string     `json:"status"`
	ActionTaken     string     `json:"action_taken"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// MaintenanceWindow is scheduled downtime with one-shot email gates.
type MaintenanceWindow struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	AnnouncementSent bool      `json:"announcement_sent"`
	ReminderSent     bool      `json:"reminder_sent"`
	CompletionSent   bool      `json:"completion_sent"`
	Cancelled        bool      `json:"cancelled"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UserActivity is one user's delivered content over a period.
type UserActivity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Episodes int    `json:"episodes"`
	Movies   int    `json:"movies"`
}
