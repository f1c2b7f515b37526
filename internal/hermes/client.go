package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger

	// handler context, cancelled by Close
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	return &Client{conn: nc, logger: logger, ctx: hctx, cancel: cancel}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Request sends data and waits for a single reply. Transport failures and
// empty replies come back as *protocol.PeerUnavailableError.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, requestError(ctx, err)
	}
	if len(msg.Data) == 0 {
		return nil, &protocol.PeerUnavailableError{Reason: "empty response"}
	}
	return msg.Data, nil
}

// Respond serves request/reply traffic on subject. Replicas sharing queue
// split the load. Each request runs on its own goroutine so a slow handler
// does not hold up later messages on the subscription.
func (c *Client) Respond(subject, queue string, handler func(ctx context.Context, data []byte) []byte) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, c.serve(subject, handler))
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("responding", "subject", subject, "queue", queue)
	return nil
}

func (c *Client) serve(subject string, handler func(ctx context.Context, data []byte) []byte) nats.MsgHandler {
	return func(msg *nats.Msg) {
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			reply := handler(c.ctx, msg.Data)
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				c.logger.Warn("respond failed", "subject", subject, "error", err)
			}
		}()
	}
}

func requestError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return err
	case errors.Is(err, nats.ErrNoResponders):
		return &protocol.PeerUnavailableError{Reason: "no receiving end", Err: err}
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &protocol.PeerUnavailableError{Reason: "timed out", Err: err}
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return &protocol.PeerUnavailableError{Reason: "connection closed", Err: err}
	}
	return fmt.Errorf("nats request: %w", err)
}

// Close stops the subscriptions, cancels running handlers and waits for
// them before closing the connection.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.cancel()
	c.handlers.Wait()
	c.conn.Close()
}
