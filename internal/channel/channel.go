// Package channel is the caller's link to the enhancement worker: plain
// request/reply plus a retry wrapper that wakes an idle worker before giving
// up, backed by a heartbeated keep-alive session.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

type options struct {
	wakeAttempts int
	wakeBackoff  time.Duration
	retryDelay   time.Duration
	pingTimeout  time.Duration
}

type Option func(*options)

// WithWake sets how many liveness pings are tried and the linear backoff
// step between them.
func WithWake(attempts int, backoff time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.wakeAttempts = attempts
		}
		if backoff >= 0 {
			o.wakeBackoff = backoff
		}
	}
}

// WithRetryDelay sets the pause between a successful wake and the resend.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

type Channel struct {
	transport Transport
	session   *Session
	opts      options
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(t Transport, session *Session, logger *slog.Logger, opts ...Option) *Channel {
	o := options{
		wakeAttempts: 3,
		wakeBackoff:  200 * time.Millisecond,
		retryDelay:   500 * time.Millisecond,
		pingTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Channel{
		transport: t,
		session:   session,
		opts:      o,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func (c *Channel) Session() *Session { return c.session }

// Send performs one round trip. A transport failure or an absent reply is
// returned as an error; a reply reporting failure is returned alongside its
// typed error from Response.Err.
func (c *Channel) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	data, err := protocol.Encode(req)
	if err != nil {
		return protocol.Response{}, err
	}
	reply, err := c.transport.Request(ctx, protocol.SubjectRPC, data)
	if err != nil {
		return protocol.Response{}, err
	}
	reply = bytes.TrimSpace(reply)
	if len(reply) == 0 || bytes.Equal(reply, []byte("null")) {
		return protocol.Response{}, &protocol.PeerUnavailableError{Reason: "empty response"}
	}

	var resp protocol.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return protocol.Response{}, &protocol.ApplicationError{Message: fmt.Sprintf("malformed worker reply: %v", err)}
	}
	if c.session != nil {
		c.session.MarkAlive()
	}
	return resp, resp.Err()
}

// SendWithRetry sends req once. When the worker looks asleep it is woken
// with a few quick pings and, if one answers, req is sent again after a
// short delay. Any other failure is returned as is.
func (c *Channel) SendWithRetry(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if c.session != nil {
		if err := c.session.Ensure(ctx); err != nil {
			c.logger.Debug("keep-alive not established", "error", err)
		}
	}

	resp, err := c.Send(ctx, req)
	if err == nil || !protocol.IsTransient(err) {
		return resp, err
	}

	c.logger.Info("worker unavailable, waking", "action", req.Action(), "error", err)
	if werr := c.wake(ctx); werr != nil {
		c.logger.Warn("worker did not wake", "action", req.Action(), "error", werr)
		return protocol.Response{}, werr
	}
	if err := c.sleep(ctx, c.opts.retryDelay); err != nil {
		return protocol.Response{}, err
	}
	return c.Send(ctx, req)
}

// Ping checks the worker is answering on the request subject.
func (c *Channel) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.pingTimeout)
	defer cancel()
	_, err := c.Send(ctx, protocol.Ping{})
	return err
}

func (c *Channel) wake(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.wakeAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.opts.wakeBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
