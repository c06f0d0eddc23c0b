// Package redis provides the Redis client setup shared by the health checker
// and the snapshot publisher.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPort is used when a URL or address omits the port
const DefaultPort = 6379

// Client wraps go-redis client with convenience methods
type Client struct {
	*redis.Client
}

// ParseRedisURL parses a redis:// URL and returns options
func ParseRedisURL(rawURL string) (*redis.Options, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty Redis URL")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("invalid Redis URL scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid Redis URL: missing host")
	}

	opts := &redis.Options{
		Addr: u.Host,
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	}

	// Default port if not specified
	if u.Port() == "" {
		opts.Addr = net.JoinHostPort(u.Hostname(), strconv.Itoa(DefaultPort))
	}

	// Credentials from URL
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			opts.Username = name
		}
		if pwd, ok := u.User.Password(); ok {
			opts.Password = pwd
		}
	}

	// Database from path (e.g., redis://localhost/1)
	if len(u.Path) > 1 {
		db, err := strconv.Atoi(u.Path[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid Redis database %q: %w", u.Path[1:], err)
		}
		opts.DB = db
	}

	return opts, nil
}

// AddrOptions builds options from discrete host/port settings.
func AddrOptions(host string, port int, password string, db int) *redis.Options {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = DefaultPort
	}
	return &redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Password: password,
		DB:       db,
	}
}

// WithTimeout bounds dialing and every command by d. Retries are disabled:
// callers own their retry policy.
func WithTimeout(opts *redis.Options, d time.Duration) *redis.Options {
	if d > 0 {
		opts.DialTimeout = d
		opts.ReadTimeout = d
		opts.WriteTimeout = d
	}
	opts.MaxRetries = -1
	return opts
}

// NewClient creates a new Redis client from URL and tests the connection
func NewClient(ctx context.Context, redisURL string, timeout time.Duration) (*Client, error) {
	c, err := NewClientLazy(redisURL, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return c, nil
}

// NewClientLazy creates a client without testing connection
func NewClientLazy(redisURL string, timeout time.Duration) (*Client, error) {
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}

	return &Client{Client: redis.NewClient(WithTimeout(opts, timeout))}, nil
}

// NewClientFromOptions creates a client without testing connection
func NewClientFromOptions(opts *redis.Options, timeout time.Duration) *Client {
	return &Client{Client: redis.NewClient(WithTimeout(opts, timeout))}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.Client.Close()
}
