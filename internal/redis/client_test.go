package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		user     string
		password string
		db       int
		wantErr  bool
	}{
		{name: "host and port", url: "redis://cache:6380", addr: "cache:6380"},
		{name: "default port", url: "redis://cache", addr: "cache:6379"},
		{name: "password and db", url: "redis://:s3cret@cache:6379/2", addr: "cache:6379", password: "s3cret", db: 2},
		{name: "acl user", url: "redis://ops:pw@cache", addr: "cache:6379", user: "ops", password: "pw"},
		{name: "tls scheme", url: "rediss://cache:6390", addr: "cache:6390"},
		{name: "empty", url: "", wantErr: true},
		{name: "wrong scheme", url: "http://cache:6379", wantErr: true},
		{name: "missing host", url: "redis://", wantErr: true},
		{name: "bad db", url: "redis://cache/abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ParseRedisURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, opts.Addr)
			assert.Equal(t, tt.user, opts.Username)
			assert.Equal(t, tt.password, opts.Password)
			assert.Equal(t, tt.db, opts.DB)
		})
	}
}

func TestAddrOptionsDefaults(t *testing.T) {
	opts := AddrOptions("", 0, "", 0)
	assert.Equal(t, "localhost:6379", opts.Addr)

	opts = AddrOptions("10.0.0.5", 7000, "pw", 3)
	assert.Equal(t, "10.0.0.5:7000", opts.Addr)
	assert.Equal(t, 3, opts.DB)
}

func TestWithTimeoutDisablesRetries(t *testing.T) {
	opts := WithTimeout(AddrOptions("localhost", 6379, "", 0), 2*time.Second)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, -1, opts.MaxRetries)
}

func TestNewClientUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewClient(ctx, "redis://127.0.0.1:1", 500*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestNewClientLazyDoesNotDial(t *testing.T) {
	c, err := NewClientLazy("redis://127.0.0.1:1", time.Second)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
