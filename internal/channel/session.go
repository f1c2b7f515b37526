package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

// Transport is the request/reply link to the worker.
type Transport interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type SessionConfig struct {
	HeartbeatInterval time.Duration
	Jitter            time.Duration
	ReconnectDelay    time.Duration
	MaxRetries        int
	PingTimeout       time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval: 20 * time.Second,
		Jitter:            5 * time.Second,
		ReconnectDelay:    time.Second,
		MaxRetries:        5,
		PingTimeout:       5 * time.Second,
	}
}

// Session keeps a heartbeat running against the worker so it does not go
// idle, and reconnects with a bounded number of attempts when it does.
type Session struct {
	transport Transport
	cfg       SessionConfig
	logger    *slog.Logger
	jitter    func(max time.Duration) time.Duration

	mu         sync.Mutex
	state      State
	retryCount int
	exhausted  bool
	stopped    bool

	heartbeat scheduler
	reconnect scheduler
}

func NewSession(t Transport, cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	return &Session{
		transport: t,
		cfg:       cfg,
		logger:    logger,
		jitter:    randomJitter,
		stopped:   true,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Start opens the session with a first ping. On failure a reconnect is
// scheduled and the ping error is returned. Starting a live session is a
// no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped && (s.state != StateDisconnected || s.reconnect.pending()) {
		s.mu.Unlock()
		return nil
	}
	if s.exhausted {
		s.mu.Unlock()
		return fmt.Errorf("keep-alive: %d reconnect attempts failed", s.retryCount)
	}
	s.stopped = false
	s.state = StateConnecting
	s.mu.Unlock()

	return s.connect(ctx, "start")
}

// Ensure resets an exhausted or stopped session and starts it.
func (s *Session) Ensure(ctx context.Context) error {
	s.mu.Lock()
	restart := s.exhausted || s.stopped
	s.mu.Unlock()
	if restart {
		s.Reset()
	}
	return s.Start(ctx)
}

// Reset clears the retry budget so reconnection may resume.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = 0
	s.exhausted = false
}

// MarkAlive records successful contact made outside the heartbeat.
func (s *Session) MarkAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.retryCount = 0
	s.exhausted = false
	if s.state != StateConnected {
		s.state = StateConnected
		s.reconnect.cancel()
		s.scheduleHeartbeatLocked()
	}
}

// Stop tears the session down and cancels pending timers.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.state = StateDisconnected
	s.heartbeat.cancel()
	s.reconnect.cancel()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// Exhausted reports whether reconnection gave up.
func (s *Session) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

func (s *Session) connect(ctx context.Context, trigger string) error {
	err := s.ping(ctx, trigger)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return err
	}
	if err != nil {
		s.failLocked(trigger, err)
		return err
	}
	s.state = StateConnected
	s.retryCount = 0
	s.scheduleHeartbeatLocked()
	s.logger.Debug("keep-alive connected", "trigger", trigger)
	return nil
}

func (s *Session) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PingTimeout)
	defer cancel()

	err := s.ping(ctx, "heartbeat")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.state != StateConnected {
		return
	}
	if err != nil {
		s.failLocked("heartbeat", err)
		return
	}
	s.scheduleHeartbeatLocked()
}

func (s *Session) retry() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PingTimeout)
	defer cancel()
	_ = s.connect(ctx, "reconnect")
}

func (s *Session) failLocked(trigger string, err error) {
	s.state = StateDisconnected
	s.heartbeat.cancel()

	if s.retryCount >= s.cfg.MaxRetries {
		s.exhausted = true
		s.logger.Warn("keep-alive gave up", "trigger", trigger, "retries", s.retryCount, "error", err)
		return
	}
	s.retryCount++
	delay := s.cfg.ReconnectDelay + s.jitter(s.cfg.Jitter)
	s.logger.Info("keep-alive lost, reconnecting",
		"trigger", trigger,
		"attempt", s.retryCount,
		"delay_ms", delay.Milliseconds(),
		"error", err,
	)
	s.reconnect.schedule(delay, s.retry)
}

func (s *Session) scheduleHeartbeatLocked() {
	s.heartbeat.schedule(s.cfg.HeartbeatInterval+s.jitter(s.cfg.Jitter), s.tick)
}

func (s *Session) ping(ctx context.Context, trigger string) error {
	data, err := json.Marshal(protocol.KeepAlive{
		Type:    protocol.KeepAlivePing,
		TS:      time.Now().UnixMilli(),
		Trigger: trigger,
	})
	if err != nil {
		return fmt.Errorf("marshal keep-alive: %w", err)
	}
	reply, err := s.transport.Request(ctx, protocol.SubjectKeepAlive, data)
	if err != nil {
		return err
	}
	var pong protocol.KeepAlive
	if err := json.Unmarshal(reply, &pong); err != nil || pong.Type != protocol.KeepAlivePong {
		return &protocol.PeerUnavailableError{Reason: "unexpected keep-alive reply"}
	}
	return nil
}
