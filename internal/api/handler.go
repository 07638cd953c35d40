package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/issues"
	"github.com/lalithlochan/marquee/internal/maintenance"
	"github.com/lalithlochan/marquee/internal/reconcile"
	"github.com/lalithlochan/marquee/internal/seerr"
)

// QueueStore is the notification queue as operators see it.
type QueueStore interface {
	ListPending(ctx context.Context, limit, offset int) ([]*db.Notification, error)
	PurgePending(ctx context.Context) (int64, error)
	RetryNow(ctx context.Context) (int64, error)
	ShareRequest(ctx context.Context, requestID, userID int64, addedBy *int64) error
	UnshareRequest(ctx context.Context, requestID, userID int64) error
}

type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Result, error)
}

type Maintenance interface {
	Create(ctx context.Context, m *db.MaintenanceWindow) error
	Cancel(ctx context.Context, id int64) error
}

type IssueResolver interface {
	Resolve(ctx context.Context, id int64, action string) (*db.ReportedIssue, error)
}

type Syncer interface {
	Sync(ctx context.Context) (*seerr.SyncResult, error)
}

type SummaryQueuer interface {
	Queue(ctx context.Context, now time.Time) (bool, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler serves the operator API under /v1. Optional collaborators left nil
// answer 503.
type Handler struct {
	logger      *zap.Logger
	queue       QueueStore
	reconciler  Reconciler
	maintenance Maintenance
	issues      IssueResolver
	syncer      Syncer
	summary     SummaryQueuer
}

type HandlerOption func(*Handler)

func WithReconciler(r Reconciler) HandlerOption { return func(h *Handler) { h.reconciler = r } }

func WithMaintenance(m Maintenance) HandlerOption { return func(h *Handler) { h.maintenance = m } }

func WithIssueResolver(i IssueResolver) HandlerOption { return func(h *Handler) { h.issues = i } }

func WithSyncer(s Syncer) HandlerOption { return func(h *Handler) { h.syncer = s } }

func WithSummary(s SummaryQueuer) HandlerOption { return func(h *Handler) { h.summary = s } }

// NewHandler creates a new operator API handler
func NewHandler(logger *zap.Logger, queue QueueStore, opts ...HandlerOption) *Handler {
	h := &Handler{logger: logger, queue: queue}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the operator endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/notifications/pending", h.ListPending)
	r.Post("/notifications/purge", h.Purge)
	r.Post("/notifications/retry", h.Retry)
	r.Post("/reconcile", h.Reconcile)
	r.Post("/sync", h.Sync)
	r.Post("/summary", h.Summary)
	r.Post("/maintenance", h.CreateMaintenance)
	r.Delete("/maintenance/{id}", h.CancelMaintenance)
	r.Post("/requests/{id}/shares/{userID}", h.Share)
	r.Delete("/requests/{id}/shares/{userID}", h.Unshare)
	r.Post("/issues/{id}/resolve", h.ResolveIssue)
}

// ListPending handles GET /v1/notifications/pending?limit=50&offset=0
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	pending, err := h.queue.ListPending(r.Context(), limit, offset)
	if err != nil {
		h.internalError(w, "failed to list pending notifications", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   pending,
		"limit":  limit,
		"offset": offset,
		"count":  len(pending),
	})
}

// Purge handles POST /v1/notifications/purge. Every pending row is marked
// sent without sending.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.PurgePending(r.Context())
	if err != nil {
		h.internalError(w, "failed to purge pending notifications", err)
		return
	}
	h.logger.Warn("pending notifications purged", zap.Int64("count", n))
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// Retry handles POST /v1/notifications/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.RetryNow(r.Context())
	if err != nil {
		h.internalError(w, "failed to reset pending notifications", err)
		return
	}
	h.logger.Info("pending notifications reset for retry", zap.Int64("count", n))
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// Reconcile handles POST /v1/reconcile and runs one sweep synchronously.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		unavailable(w, "reconciliation")
		return
	}
	res, err := h.reconciler.Run(r.Context())
	if err != nil && res == nil {
		h.internalError(w, "reconciliation failed", err)
		return
	}
	if err != nil {
		// partial: some passes ran
		h.logger.Warn("reconciliation finished with errors", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, res)
}

// Sync handles POST /v1/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		unavailable(w, "request tracker sync")
		return
	}
	res, err := h.syncer.Sync(r.Context())
	if err != nil {
		h.internalError(w, "sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Summary handles POST /v1/summary, queueing this week's summary if it has
// not gone out yet.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	if h.summary == nil {
		unavailable(w, "weekly summary")
		return
	}
	queued, err := h.summary.Queue(r.Context(), time.Now().UTC())
	if err != nil {
		h.internalError(w, "failed to queue summary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": queued})
}

type maintenanceRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// CreateMaintenance handles POST /v1/maintenance
func (h *Handler) CreateMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.maintenance == nil {
		unavailable(w, "maintenance")
		return
	}

	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	m := &db.MaintenanceWindow{
		Title:       req.Title,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
	}
	if err := h.maintenance.Create(r.Context(), m); err != nil {
		if errors.Is(err, maintenance.ErrInvalidWindow) {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid maintenance window", err.Error())
			return
		}
		h.internalError(w, "failed to create maintenance window", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// CancelMaintenance handles DELETE /v1/maintenance/{id}
func (h *Handler) CancelMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.maintenance == nil {
		unavailable(w, "maintenance")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.maintenance.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Maintenance window not found or already finished", "")
			return
		}
		h.internalError(w, "failed to cancel maintenance window", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": db.MaintenanceCancelled})
}

// Share handles POST /v1/requests/{id}/shares/{userID}
func (h *Handler) Share(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.queue.ShareRequest(r.Context(), requestID, userID, nil); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Request or user not found", "")
			return
		}
		h.internalError(w, "failed to share request", err)
		return
	}
	h.logger.Info("request shared", zap.Int64("request_id", requestID), zap.Int64("user_id", userID))
	writeJSON(w, http.StatusOK, map[string]int64{"request_id": requestID, "user_id": userID})
}

// Unshare handles DELETE /v1/requests/{id}/shares/{userID}
func (h *Handler) Unshare(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.queue.UnshareRequest(r.Context(), requestID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Share not found", "")
			return
		}
		h.internalError(w, "failed to unshare request", err)
		return
	}
	h.logger.Info("request unshared", zap.Int64("request_id", requestID), zap.Int64("user_id", userID))
	w.WriteHeader(http.StatusNoContent)
}

// ResolveIssue handles POST /v1/issues/{id}/resolve
func (h *Handler) ResolveIssue(w http.ResponseWriter, r *http.Request) {
	if h.issues == nil {
		unavailable(w, "issues")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	issue, err := h.issues.Resolve(r.Context(), id, "manual")
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Issue not found", "")
	case errors.Is(err, issues.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "Issue cannot be resolved", err.Error())
	case err != nil:
		h.internalError(w, "failed to resolve issue", err)
	default:
		writeJSON(w, http.StatusOK, issue)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+param, param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// internalError logs err and answers a generic 500 so internal state never
// reaches the caller.
func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "")
}

func unavailable(w http.ResponseWriter, feature string) {
	writeError(w, http.StatusServiceUnavailable, "not_configured", "Service Unavailable", feature+" is not configured")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
