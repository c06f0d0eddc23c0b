package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	hubErrors "github.com/instancehub/instancehub/internal/errors"
	hubRedis "github.com/instancehub/instancehub/internal/redis"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces lifecycle channels and state keys
const DefaultPrefix = "instancehub:lifecycle"

// DefaultPollInterval is how often Wait reads the state key
const DefaultPollInterval = time.Second

// Command is the message published to an instance's agent
type Command struct {
	ID         string                `json:"id"`
	InstanceID string                `json:"instanceId"`
	Action     types.LifecycleAction `json:"action"`
	IssuedAt   int64                 `json:"issuedAt"`
}

// CommandChannel returns the Pub/Sub channel an instance listens on.
func CommandChannel(prefix, instanceID string) string {
	return fmt.Sprintf("%s:cmd:%s", prefix, instanceID)
}

// StateKey returns the key an instance reports its state under.
func StateKey(prefix, instanceID string) string {
	return fmt.Sprintf("%s:state:%s", prefix, instanceID)
}

// StateReport is what a Listener writes under StateKey: the state an
// instance reached and the command that put it there.
type StateReport struct {
	CommandID string
	State     string
}

// String encodes the report as "commandID:state".
func (r StateReport) String() string {
	return r.CommandID + ":" + r.State
}

// ParseStateReport decodes a state key value. A value without a command id
// yields a report with an empty CommandID.
func ParseStateReport(raw string) StateReport {
	id, state, ok := strings.Cut(raw, ":")
	if !ok {
		return StateReport{State: raw}
	}
	return StateReport{CommandID: id, State: state}
}

// ============================================
// Provider
// ============================================

// RedisProvider drives instances through agents listening on Redis Pub/Sub.
// Perform publishes a command; Wait polls the state key the agent writes
// until it reports that command done.
type RedisProvider struct {
	BaseProvider
	client       *hubRedis.Client
	prefix       string
	pollInterval time.Duration

	mu      sync.Mutex
	pending map[string]Command // last delivered command per instance
}

// RedisOption configures a RedisProvider or Listener
type RedisOption func(*redisSettings)

type redisSettings struct {
	prefix       string
	pollInterval time.Duration
	logger       *slog.Logger
}

// WithPrefix overrides DefaultPrefix
func WithPrefix(prefix string) RedisOption {
	return func(s *redisSettings) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(d time.Duration) RedisOption {
	return func(s *redisSettings) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithListenerLogger sets the listener's logger
func WithListenerLogger(logger *slog.Logger) RedisOption {
	return func(s *redisSettings) {
		s.logger = logger
	}
}

func applySettings(opts []RedisOption) redisSettings {
	s := redisSettings{prefix: DefaultPrefix, pollInterval: DefaultPollInterval, logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewRedisProvider creates a provider on an existing client
func NewRedisProvider(client *hubRedis.Client, opts ...RedisOption) *RedisProvider {
	s := applySettings(opts)
	return &RedisProvider{
		client:       client,
		prefix:       s.prefix,
		pollInterval: s.pollInterval,
		pending:      make(map[string]Command),
	}
}

// Perform publishes the command. It fails when no agent is subscribed.
func (p *RedisProvider) Perform(ctx context.Context, instanceID string, action types.LifecycleAction) (types.LifecycleResult, error) {
	if err := CheckAction(action); err != nil {
		return p.Failed(instanceID, action, hubErrors.Summary(err)), err
	}

	cmd := Command{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Action:     action,
		IssuedAt:   time.Now().UnixMilli(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return p.Failed(instanceID, action, err.Error()), err
	}

	receivers, err := p.client.Publish(ctx, CommandChannel(p.prefix, instanceID), data).Result()
	if err != nil {
		err = hubErrors.WrapWithCode(err, hubErrors.ErrLifecycle, "publish "+string(action)+" for "+instanceID, "")
		return p.Failed(instanceID, action, hubErrors.Summary(err)), err
	}
	if receivers == 0 {
		err := hubErrors.New(hubErrors.ErrLifecycle,
			fmt.Sprintf("no agent is listening for instance %s", instanceID),
			"Start the instance agent or check the channel prefix")
		return p.Failed(instanceID, action, hubErrors.Summary(err)), err
	}

	p.mu.Lock()
	p.pending[instanceID] = cmd
	p.mu.Unlock()
	return p.Success(instanceID, action, "command "+cmd.ID+" delivered"), nil
}

// Wait polls the state key until the command last delivered by Perform
// reports targetState. A state left by an earlier command does not count.
// Without a prior Perform any report of targetState is accepted.
func (p *RedisProvider) Wait(ctx context.Context, instanceID, targetState string, timeout time.Duration) (types.LifecycleResult, error) {
	p.mu.Lock()
	cmd, ok := p.pending[instanceID]
	p.mu.Unlock()

	action := actionFor(targetState)
	if ok {
		action = cmd.Action
	}

	return waitFor(ctx, instanceID, action, cmd.ID, targetState, timeout, p.pollInterval, func(ctx context.Context) (StateReport, error) {
		raw, err := p.client.Get(ctx, StateKey(p.prefix, instanceID)).Result()
		if errors.Is(err, redis.Nil) {
			return StateReport{}, nil
		}
		return ParseStateReport(raw), err
	})
}

// waitFor polls read every interval until it reports targetState for
// commandID (any command when empty), the timeout elapses or ctx ends. Read
// errors end up in the failure message and polling continues.
func waitFor(ctx context.Context, instanceID string, action types.LifecycleAction, commandID, targetState string, timeout, interval time.Duration, read func(context.Context) (StateReport, error)) (types.LifecycleResult, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	var lastErr error
	for {
		report, err := read(wctx)
		current := commandID == "" || report.CommandID == commandID
		if err == nil && current && report.State == targetState {
			return types.NewSuccessResult(instanceID, action, "instance is "+targetState), nil
		}
		last, lastErr = report.State, err
		if last != "" && !current {
			last += " from an earlier command"
		}

		select {
		case <-wctx.Done():
			msg := fmt.Sprintf("instance %s did not reach %s", instanceID, targetState)
			if last != "" {
				msg += " (last state " + last + ")"
			}
			if lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) {
				msg += ": " + lastErr.Error()
			}
			err := hubErrors.WrapWithCode(wctx.Err(), hubErrors.ErrTimeout, msg, "")
			return types.NewFailedResult(instanceID, action, err.Short()), err
		case <-ticker.C:
		}
	}
}

// actionFor guesses the action behind a target state when Wait has no
// delivered command to go by.
func actionFor(targetState string) types.LifecycleAction {
	if targetState == types.ActionStop.TargetState() {
		return types.ActionStop
	}
	return types.ActionStart
}

// ============================================
// Listener
// ============================================

// Handler carries out an action on the local instance
type Handler interface {
	Handle(ctx context.Context, action types.LifecycleAction) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, action types.LifecycleAction) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, action types.LifecycleAction) error {
	return f(ctx, action)
}

// Listener is the agent side of RedisProvider: it subscribes to one
// instance's command channel, runs each allowed command through a Handler
// and records the resulting state.
type Listener struct {
	client     *hubRedis.Client
	instanceID string
	handler    Handler
	prefix     string
	logger     *slog.Logger
	setState   func(ctx context.Context, report StateReport) error

	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// NewListener creates a listener for instanceID
func NewListener(client *hubRedis.Client, instanceID string, handler Handler, opts ...RedisOption) *Listener {
	s := applySettings(opts)
	l := &Listener{
		client:     client,
		instanceID: instanceID,
		handler:    handler,
		prefix:     s.prefix,
		logger:     s.logger,
	}
	l.setState = func(ctx context.Context, report StateReport) error {
		return l.client.Set(ctx, StateKey(l.prefix, l.instanceID), report.String(), 0).Err()
	}
	return l
}

// Start subscribes and handles commands until Stop or ctx ends.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isRunning {
		return fmt.Errorf("lifecycle listener already running")
	}

	channel := CommandChannel(l.prefix, l.instanceID)
	pubsub := l.client.Subscribe(ctx, channel)

	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return hubErrors.WrapWithCode(err, hubErrors.ErrLifecycle, "subscribe to "+channel, "")
	}

	l.isRunning = true
	l.stopChan = make(chan struct{})
	l.logger.Info("Listening for lifecycle commands", "channel", channel)

	l.wg.Add(1)
	go l.handleMessages(ctx, pubsub)
	return nil
}

// Stop ends the subscription and waits for the in-flight command.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.isRunning {
		l.mu.Unlock()
		return nil
	}
	l.isRunning = false
	close(l.stopChan)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("Lifecycle listener stopped")
		return nil
	case <-ctx.Done():
		return hubErrors.WrapWithCode(ctx.Err(), hubErrors.ErrTimeout, "lifecycle listener did not stop in time", "")
	}
}

func (l *Listener) handleMessages(ctx context.Context, pubsub *redis.PubSub) {
	defer l.wg.Done()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.process(ctx, msg.Payload)
		}
	}
}

// process executes one command payload. It reports whether the handler ran
// successfully.
func (l *Listener) process(ctx context.Context, payload string) bool {
	var cmd Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		l.logger.Error("Failed to parse lifecycle command", "error", err)
		return false
	}

	if !cmd.Action.IsAllowed() {
		l.logger.Warn("Lifecycle action not allowed", "action", cmd.Action, "id", cmd.ID)
		return false
	}
	if cmd.InstanceID != l.instanceID {
		l.logger.Warn("Lifecycle command not for this instance", "target", cmd.InstanceID)
		return false
	}

	l.logger.Info("Received lifecycle command", "action", cmd.Action, "id", cmd.ID)

	if err := l.handler.Handle(ctx, cmd.Action); err != nil {
		l.logger.Error("Lifecycle command failed", "action", cmd.Action, "error", err)
		return false
	}
	if err := l.setState(ctx, StateReport{CommandID: cmd.ID, State: cmd.Action.TargetState()}); err != nil {
		l.logger.Error("Failed to record instance state", "error", err)
		return false
	}

	l.logger.Info("Lifecycle command executed", "action", cmd.Action, "state", cmd.Action.TargetState())
	return true
}

var _ Provider = (*RedisProvider)(nil)
