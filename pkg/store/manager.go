package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long a finished result stays retrievable.
const DefaultTTL = 10 * time.Minute

var (
	// ErrNotFound indicates no result is stored for the batch id.
	ErrNotFound = errors.New("batch result not found")

	// ErrInvalidEntry indicates the stored document could not be decoded.
	ErrInvalidEntry = errors.New("invalid stored result")

	// ErrMissingBatchID is returned when saving a result without a batch id.
	ErrMissingBatchID = errors.New("batch result has no batch id")
)

// Connect opens a Redis client for url and verifies it with PING. url is
// either a redis:// URL or a plain host:port address.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Manager stores and retrieves batch results in Redis. It implements
// batch.Recorder.
type Manager struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager creates a result store. A non-positive ttl means DefaultTTL.
func NewManager(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}
}

// TTL returns the expiry applied to stored results.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Save stores result under its batch id, replacing any earlier result with
// the same id.
func (m *Manager) Save(ctx context.Context, result *batch.BatchResult) error {
	if result == nil || result.BatchID == nil || *result.BatchID == "" {
		Operations.WithLabelValues("save", resultSkipped).Inc()
		return ErrMissingBatchID
	}

	data, err := json.Marshal(result)
	if err != nil {
		Operations.WithLabelValues("save", resultError).Inc()
		return fmt.Errorf("marshal batch result: %w", err)
	}

	if err := m.redis.Set(ctx, Key(*result.BatchID), data, m.ttl).Err(); err != nil {
		Operations.WithLabelValues("save", resultError).Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	Operations.WithLabelValues("save", resultOK).Inc()
	EntryBytes.Observe(float64(len(data)))

	m.logger.Debug().
		Str("batch_id", *result.BatchID).
		Int("bytes", len(data)).
		Dur("ttl", m.ttl).
		Msg("Stored batch result")

	return nil
}

// Get returns the stored result for batchID.
// Returns ErrNotFound if it was never stored or has expired.
func (m *Manager) Get(ctx context.Context, batchID string) (*batch.BatchResult, error) {
	data, err := m.redis.Get(ctx, Key(batchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			Operations.WithLabelValues("get", resultMiss).Inc()
			return nil, ErrNotFound
		}
		Operations.WithLabelValues("get", resultError).Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var result batch.BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		Operations.WithLabelValues("get", resultCorrupt).Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	Operations.WithLabelValues("get", resultOK).Inc()
	return &result, nil
}

// Delete removes the stored result for batchID. It returns ErrNotFound when
// nothing was stored under that id.
func (m *Manager) Delete(ctx context.Context, batchID string) error {
	removed, err := m.redis.Del(ctx, Key(batchID)).Result()
	if err != nil {
		Operations.WithLabelValues("delete", resultError).Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	if removed == 0 {
		Operations.WithLabelValues("delete", resultMiss).Inc()
		return ErrNotFound
	}
	Operations.WithLabelValues("delete", resultOK).Inc()
	return nil
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}
