package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ReplayTTL is how long a webhook body is remembered. Sonarr and Radarr
	// retry failed deliveries within seconds, so a few minutes is enough to
	// absorb retries without blocking a genuine repeat event later on.
	ReplayTTL = 5 * time.Minute

	// processingTTL is the lock duration while a delivery is being handled.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrInFlight means an identical delivery is being processed right now.
var ErrInFlight = errors.New("duplicate webhook: identical delivery in flight")

// ReplayResult is the response cached for a processed delivery.
type ReplayResult struct {
	StatusCode int    `json:"status_code"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Processed  int    `json:"processed_items"`
	CreatedAt  int64  `json:"created_at"`
}

// ReplayGuard remembers recently processed webhook bodies so upstream
// retries do not run ingestion twice. Database constraints remain the
// real dedup guarantee; this only saves work.
type ReplayGuard struct {
	client *Client
	logger *zap.Logger
}

// NewReplayGuard creates a replay guard.
func NewReplayGuard(client *Client, logger *zap.Logger) *ReplayGuard {
	return &ReplayGuard{
		client: client,
		logger: logger,
	}
}

// BodyKey derives the replay key from the raw request body.
func BodyKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (g *ReplayGuard) buildKey(source, key string) string {
	return fmt.Sprintf("replay:%s:%s", source, key)
}

// Check returns the cached result for a delivery. Returns (nil, nil) when
// unseen, or ErrInFlight while another request holds the key.
func (g *ReplayGuard) Check(ctx context.Context, source, key string) (*ReplayResult, error) {
	val, err := g.client.rdb.Get(ctx, g.buildKey(source, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrInFlight
	}

	var result ReplayResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		g.logger.Error("failed to unmarshal replay result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	g.logger.Debug("webhook replay cache hit",
		zap.String("source", source),
		zap.Int("processed", result.Processed),
	)

	return &result, nil
}

// Store saves the outcome of a processed delivery.
func (g *ReplayGuard) Store(ctx context.Context, source, key string, result *ReplayResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := g.client.rdb.Set(ctx, g.buildKey(source, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires the key with SET NX. Returns false if it already exists.
func (g *ReplayGuard) Reserve(ctx context.Context, source, key string) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, g.buildKey(source, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation so a failed delivery can be retried.
func (g *ReplayGuard) Release(ctx context.Context, source, key string) error {
	if err := g.client.rdb.Del(ctx, g.buildKey(source, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached result if one exists, otherwise reserves
// the key. (nil, nil) means the caller owns the delivery.
func (g *ReplayGuard) CheckOrReserve(ctx context.Context, source, key string) (*ReplayResult, error) {
	result, err := g.Check(ctx, source, key)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := g.Reserve(ctx, source, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrInFlight
	}

	return nil, nil
}
