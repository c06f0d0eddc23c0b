// Package export ships snapshots and alerts out of the process: to Redis
// for remote dashboards and to Prometheus for scraping.
package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKey is where the latest snapshot is stored
	DefaultKey = "instancehub:snapshot"
	// DefaultTTL expires the snapshot when the monitor stops publishing
	DefaultTTL = 30 * time.Second
)

// redisWriter is the subset of the go-redis client the publisher uses
type redisWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher stores the latest snapshot under a key with a TTL and
// publishes every alert on the key's ":alerts" channel.
type RedisPublisher struct {
	client redisWriter
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOption configures a RedisPublisher
type RedisOption func(*RedisPublisher)

// WithKey overrides DefaultKey
func WithKey(key string) RedisOption {
	return func(p *RedisPublisher) {
		if key != "" {
			p.key = key
		}
	}
}

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) RedisOption {
	return func(p *RedisPublisher) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) RedisOption {
	return func(p *RedisPublisher) {
		p.logger = logger
	}
}

// NewRedisPublisher creates a publisher on an existing client
func NewRedisPublisher(client redisWriter, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client: client,
		key:    DefaultKey,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AlertChannel returns the Pub/Sub channel alerts are published on.
func (p *RedisPublisher) AlertChannel() string {
	return p.key + ":alerts"
}

// PublishSnapshot stores snap as JSON.
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, snap types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrExport, "failed to marshal snapshot", "")
	}
	if err := p.client.Set(ctx, p.key, data, p.ttl).Err(); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrExport, "failed to store snapshot", "Check the export Redis URL")
	}
	p.logger.Debug("Snapshot published", "key", p.key, "seq", snap.Seq)
	return nil
}

// PublishAlert sends a as JSON.
func (p *RedisPublisher) PublishAlert(ctx context.Context, a types.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrExport, "failed to marshal alert", "")
	}
	if err := p.client.Publish(ctx, p.AlertChannel(), data).Err(); err != nil {
		return hubErrors.WrapWithCode(err, hubErrors.ErrExport, "failed to publish alert", "Check the export Redis URL")
	}
	return nil
}

// Run publishes until ctx ends or both inputs close. Failures are logged
// and never stop the loop.
func (p *RedisPublisher) Run(ctx context.Context, snaps <-chan types.Snapshot, alerts <-chan types.Alert) {
	for snaps != nil || alerts != nil {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			if err := p.PublishSnapshot(ctx, s); err != nil {
				p.logger.Warn("Snapshot export failed", "error", hubErrors.Summary(err))
			}
		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			if err := p.PublishAlert(ctx, a); err != nil {
				p.logger.Warn("Alert export failed", "metric", a.MetricID, "error", hubErrors.Summary(err))
			}
		}
	}
}
