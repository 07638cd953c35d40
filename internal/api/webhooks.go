package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/ingest"
	"github.com/lalithlochan/marquee/internal/metrics"
	"github.com/lalithlochan/marquee/internal/redis"
)

const maxWebhookBody = 1 << 20

// Processor handles a webhook body inline.
type Processor interface {
	Process(ctx context.Context, source string, body []byte) (*ingest.Result, error)
}

// Enqueuer accepts a webhook body for later processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, source string, body []byte) (uuid.UUID, error)
}

// ReplayGuard remembers recent deliveries. *redis.ReplayGuard satisfies it.
type ReplayGuard interface {
	CheckOrReserve(ctx context.Context, source, key string) (*redis.ReplayResult, error)
	Store(ctx context.Context, source, key string, result *redis.ReplayResult, ttl time.Duration) error
	Release(ctx context.Context, source, key string) error
}

// WebhookHandler receives Sonarr, Radarr and Jellyseerr deliveries.
type WebhookHandler struct {
	logger    *zap.Logger
	processor Processor
	inbox     Enqueuer    // nil processes inline
	replay    ReplayGuard // nil if Redis not configured
}

func NewWebhookHandler(logger *zap.Logger, processor Processor, inbox Enqueuer, replay ReplayGuard) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger,
		processor: processor,
		inbox:     inbox,
		replay:    replay,
	}
}

// Routes mounts POST /{source} for each supported source.
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/sonarr", h.Handle(ingest.SourceSonarr))
	r.Post("/radarr", h.Handle(ingest.SourceRadarr))
	r.Post("/jellyseerr", h.Handle(ingest.SourceSeerr))
}

// Handle returns the handler for one source. Identical bodies within the
// replay window get the cached answer without being processed again.
func (h *WebhookHandler) Handle(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", "")
			return
		}
		if len(body) > maxWebhookBody {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Body too large", "")
			return
		}

		key := redis.BodyKey(body)
		if h.replay != nil {
			cached, err := h.replay.CheckOrReserve(ctx, source, key)
			switch {
			case errors.Is(err, redis.ErrInFlight):
				metrics.RecordReplayHit()
				writeJSON(w, http.StatusAccepted, ingest.Result{Success: true, Message: "Identical delivery in progress"})
				return
			case err != nil:
				h.logger.Warn("replay check failed, proceeding", zap.String("source", source), zap.Error(err))
				key = ""
			case cached != nil:
				metrics.RecordReplayHit()
				w.Header().Set("X-Replayed", "true")
				if cached.StatusCode == http.StatusBadRequest {
					writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid webhook payload", "")
					return
				}
				writeJSON(w, cached.StatusCode, ingest.Result{
					Success:   cached.Success,
					Message:   cached.Message,
					Processed: cached.Processed,
				})
				return
			}
		}

		status, result := h.dispatch(ctx, source, body)
		h.remember(ctx, source, key, status, result)

		if result == nil {
			switch status {
			case http.StatusBadRequest:
				writeError(w, status, "invalid_payload", "Invalid webhook payload", "")
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "")
			}
			return
		}
		writeJSON(w, status, result)
	}
}

func (h *WebhookHandler) dispatch(ctx context.Context, source string, body []byte) (int, *ingest.Result) {
	if h.inbox != nil {
		id, err := h.inbox.Enqueue(ctx, source, body)
		switch {
		case errors.Is(err, ingest.ErrInvalidPayload):
			metrics.RecordWebhook(source, "invalid", "rejected")
			return http.StatusBadRequest, nil
		case err != nil:
			h.logger.Error("failed to enqueue webhook", zap.String("source", source), zap.Error(err))
			return http.StatusInternalServerError, nil
		}
		h.logger.Debug("webhook queued", zap.String("source", source), zap.String("envelope_id", id.String()))
		return http.StatusAccepted, &ingest.Result{Success: true, Message: "Queued for processing"}
	}

	result, err := h.processor.Process(ctx, source, body)
	switch {
	case errors.Is(err, ingest.ErrInvalidPayload):
		h.logger.Info("rejected webhook", zap.String("source", source), zap.Error(err))
		return http.StatusBadRequest, nil
	case err != nil:
		h.logger.Error("webhook processing failed", zap.String("source", source), zap.Error(err))
		return http.StatusInternalServerError, nil
	}
	return http.StatusOK, result
}

// remember caches successful outcomes and releases the reservation on
// failure so the sender's retry is processed.
func (h *WebhookHandler) remember(ctx context.Context, source, key string, status int, result *ingest.Result) {
	if h.replay == nil || key == "" {
		return
	}
	if status >= http.StatusInternalServerError {
		if err := h.replay.Release(ctx, source, key); err != nil {
			h.logger.Warn("failed to release replay key", zap.Error(err))
		}
		return
	}

	cached := &redis.ReplayResult{StatusCode: status}
	if result != nil {
		cached.Success = result.Success
		cached.Message = result.Message
		cached.Processed = result.Processed
	}
	if err := h.replay.Store(ctx, source, key, cached, redis.ReplayTTL); err != nil {
		h.logger.Warn("failed to store replay result", zap.Error(err))
	}
}
