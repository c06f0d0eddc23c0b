package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChecker returns errs[i] on the i-th call, then the last entry forever.
type fakeChecker struct {
	kind  string
	calls atomic.Int32
	errs  []error
	block bool // ignore ctx and hang
}

func (f *fakeChecker) Kind() string { return f.kind }
func (f *fakeChecker) Close() error { return nil }

func (f *fakeChecker) Check(ctx context.Context) error {
	n := int(f.calls.Add(1))
	if f.block {
		<-make(chan struct{})
	}
	if len(f.errs) == 0 {
		return nil
	}
	if n > len(f.errs) {
		n = len(f.errs)
	}
	return f.errs[n-1]
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestDefaultPorts(t *testing.T) {
	assert.Equal(t, 6379, DefaultPort("redis"))
	assert.Equal(t, 5432, DefaultPort("postgresql"))
	assert.Equal(t, 5432, DefaultPort("postgres"))
	assert.Equal(t, 3306, DefaultPort("mysql"))
	assert.Equal(t, 27017, DefaultPort("mongodb"))
	assert.Equal(t, 0, DefaultPort("tcp"))
}

func TestServiceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServiceConfig
		wantErr bool
	}{
		{"redis defaults", ServiceConfig{ID: "cache", Kind: "redis"}, false},
		{"postgres alias", ServiceConfig{ID: "db", Kind: "postgresql"}, false},
		{"tcp with port", ServiceConfig{ID: "api", Kind: "tcp", Port: 443}, false},
		{"tcp without port", ServiceConfig{ID: "api", Kind: "tcp"}, true},
		{"unknown kind", ServiceConfig{ID: "q", Kind: "rabbitmq"}, true},
		{"missing id", ServiceConfig{Kind: "redis"}, true},
		{"bad port", ServiceConfig{ID: "cache", Kind: "redis", Port: 70000}, true},
		{"negative retries", ServiceConfig{ID: "cache", Kind: "redis", Retries: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, hubErrors.IsCode(err, hubErrors.ErrConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewCheckerBuildsEveryKindWithoutDialing(t *testing.T) {
	for _, kind := range []string{"redis", "postgres", "mysql", "mongodb"} {
		t.Run(kind, func(t *testing.T) {
			c, err := NewChecker(ServiceConfig{ID: kind, Kind: kind, Host: "127.0.0.1", Port: 1, Timeout: time.Second})
			require.NoError(t, err)
			assert.Equal(t, kind, c.Kind())
			assert.NoError(t, c.Close())
		})
	}
}

func TestClassification(t *testing.T) {
	assert.True(t, IsTransient(refused()))
	assert.True(t, IsTransient(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(errors.New("server selection error: connection refused")))
	assert.False(t, IsTransient(errors.New("WRONGPASS invalid username-password pair")))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(hubErrors.Timeout("x", time.Second)))
	assert.False(t, IsTimeout(refused()))

	assert.True(t, IsAuth(authError("redis", errors.New("NOAUTH"))))
}

func TestConnectionRefusedIsRetried(t *testing.T) {
	fc := &fakeChecker{kind: "redis", errs: []error{refused()}}
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.RegisterChecker("cache", fc, time.Second, 2))

	r := o.CheckAll(context.Background(), 0)["cache"]
	assert.False(t, r.Reachable)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, int32(3), fc.calls.Load())
	assert.Contains(t, r.LastError, "connection refused")
}

func TestRetrySucceedsWithinCycle(t *testing.T) {
	fc := &fakeChecker{kind: "tcp", errs: []error{refused(), nil}}
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.RegisterChecker("api", fc, time.Second, 3))

	r := o.CheckAll(context.Background(), 0)["api"]
	assert.True(t, r.Reachable)
	assert.Equal(t, 2, r.Attempts)
	require.NotNil(t, r.Latency)
	assert.Empty(t, r.LastError)
	assert.Equal(t, uint(0), r.ConsecutiveFailures)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	fc := &fakeChecker{kind: "redis", errs: []error{authError("redis", errors.New("WRONGPASS invalid password"))}}
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.RegisterChecker("cache", fc, time.Second, 5))

	r := o.CheckAll(context.Background(), 0)["cache"]
	assert.False(t, r.Reachable)
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.LastError, "rejected credentials")
}

func TestPermanentFailuresWithTransientCauseAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		kind string
		err  error
		text string
	}{
		{
			name: "protocol error over EOF",
			kind: KindRedis,
			err:  protocolError(KindRedis, fmt.Errorf("read reply: %w", io.EOF)),
			text: "peer is not a redis server",
		},
		{
			name: "auth error over connection refused",
			kind: KindMongoDB,
			err:  authError(KindMongoDB, fmt.Errorf("handshake: %w", refused())),
			text: "rejected credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeChecker{kind: tt.kind, errs: []error{tt.err}}
			o := NewOrchestrator(WithLogger(quietLogger()))
			require.NoError(t, o.RegisterChecker("svc", fc, time.Second, 3))

			r := o.CheckAll(context.Background(), 0)["svc"]
			assert.False(t, r.Reachable)
			assert.Equal(t, 1, r.Attempts)
			assert.Equal(t, int32(1), fc.calls.Load())
			assert.Contains(t, r.LastError, tt.text)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(refused()))
	assert.True(t, IsRetryable(fmt.Errorf("dial: %w", io.EOF)))
	assert.False(t, IsRetryable(errors.New("no route")))
	assert.False(t, IsRetryable(authError(KindRedis, refused())))
	assert.False(t, IsRetryable(protocolError(KindRedis, io.ErrUnexpectedEOF)))
	assert.False(t, IsRetryable(fmt.Errorf("ping: %w", context.DeadlineExceeded)))
}

func TestTimeoutIsNotRetriedAndDoesNotBlock(t *testing.T) {
	fc := &fakeChecker{kind: "mysql", block: true}
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.RegisterChecker("db", fc, time.Minute, 3))
	require.NoError(t, o.RegisterChecker("ok", &fakeChecker{kind: "tcp"}, time.Minute, 0))

	start := time.Now()
	reports := o.CheckAll(context.Background(), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	r := reports["db"]
	assert.False(t, r.Reachable)
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.LastError, "timed out after 50ms")
	assert.True(t, reports["ok"].Reachable)
}

func TestConsecutiveFailuresPersistAcrossCycles(t *testing.T) {
	fc := &fakeChecker{kind: "tcp", errs: []error{errors.New("no route"), errors.New("no route"), nil}}
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.RegisterChecker("api", fc, time.Second, 0))

	assert.Equal(t, uint(1), o.CheckAll(context.Background(), 0)["api"].ConsecutiveFailures)
	assert.Equal(t, uint(2), o.CheckAll(context.Background(), 0)["api"].ConsecutiveFailures)
	r := o.CheckAll(context.Background(), 0)["api"]
	assert.True(t, r.Reachable)
	assert.Equal(t, uint(0), r.ConsecutiveFailures)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.RegisterChecker("a", &fakeChecker{kind: "tcp"}, 0, 0))
	assert.Error(t, o.RegisterChecker("a", &fakeChecker{kind: "tcp"}, 0, 0))
	assert.Error(t, o.Register(ServiceConfig{ID: "b", Kind: "nope"}))
	assert.Equal(t, []string{"a"}, o.ServiceIDs())
}

func TestTCPCheckerAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.Register(ServiceConfig{ID: "api", Kind: "tcp", Host: "127.0.0.1", Port: port, Timeout: time.Second}))
	require.NoError(t, o.Register(ServiceConfig{ID: "down", Kind: "tcp", Host: "127.0.0.1", Port: 1, Timeout: time.Second, Retries: 1}))
	defer o.Close()

	reports := o.CheckAll(context.Background(), 0)
	assert.True(t, reports["api"].Reachable)
	assert.Equal(t, "tcp", reports["api"].Kind)
	assert.False(t, reports["down"].Reachable)
	assert.Equal(t, 2, reports["down"].Attempts)
}

func TestRedisCheckerUnreachable(t *testing.T) {
	o := NewOrchestrator(WithLogger(quietLogger()))
	require.NoError(t, o.Register(ServiceConfig{ID: "cache", Kind: "redis", Host: "127.0.0.1", Port: 1, Timeout: time.Second, Retries: 1}))
	defer o.Close()

	r := o.CheckAll(context.Background(), 0)["cache"]
	assert.False(t, r.Reachable)
	assert.Equal(t, 2, r.Attempts)
}

func TestPeriodicModePublishesAndStops(t *testing.T) {
	o := NewOrchestrator(WithLogger(quietLogger()), WithInterval(10*time.Millisecond))
	require.NoError(t, o.RegisterChecker("api", &fakeChecker{kind: "tcp"}, time.Second, 0))

	sub := o.Subscribe(stream.Options{Buffer: 64})
	require.NoError(t, o.Start(context.Background()))

	for i := 0; i < 2; i++ {
		select {
		case r := <-sub.C():
			assert.Equal(t, "api", r.ServiceID)
			assert.True(t, r.Reachable)
		case <-time.After(time.Second):
			t.Fatal("no report")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))

	for range sub.C() {
	}
}
