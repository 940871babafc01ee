package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTransport implements Transport over Redis Pub/Sub, grounded on
// the teacher's own github.com/redis/go-redis/v9 dependency (there used
// for the kernel token-bucket limiter; here repurposed as the mesh's
// wire transport). Request/reply is layered on top of plain pub/sub by
// giving every request a private, per-call reply channel.
type RedisTransport struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisTransport connects to addr (host:port) using password/db,
// mirroring kernel.NewRedisLimiterStore's constructor shape.
func NewRedisTransport(addr, password string, db int, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		logger: logger,
	}
}

// NewRedisTransportFromURL connects using a redis:// URL (MESH_TRANSPORT_URL's
// shape), delegating URL parsing to go-redis itself.
func NewRedisTransportFromURL(url string, logger *slog.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("transport: parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{client: redis.NewClient(opts), logger: logger}, nil
}

// Close releases the underlying Redis client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// envelope is the wire wrapper around a request's raw payload, carrying
// correlation metadata the RedisTransport needs but that application
// code never sees directly.
type envelope struct {
	RequestID string          `json:"request_id"`
	ReplyTo   string          `json:"reply_to"`
	Body      json.RawMessage `json:"body"`
}

func (t *RedisTransport) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replyTo := "reply." + uuid.New().String()
	sub := t.client.Subscribe(ctx, replyTo)
	defer func() { _ = sub.Close() }()

	// Wait for subscription confirmation before publishing, closing the
	// race where a very fast responder replies before we're listening.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("transport: subscribe to reply channel: %w", err)
	}

	env := envelope{RequestID: replyTo, ReplyTo: replyTo, Body: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, subject, raw).Err(); err != nil {
		return nil, fmt.Errorf("transport: publish request: %w", err)
	}

	ch := sub.Channel()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrTimeout
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	return t.client.Publish(ctx, subject, payload).Err()
}

type redisSubscription struct {
	sub *redis.PubSub
	out chan Message
	done chan struct{}
}

func (s *redisSubscription) Chan() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.sub.Close()
}

func (t *RedisTransport) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	sub := t.client.Subscribe(ctx, subject)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}

	rs := &redisSubscription{sub: sub, out: make(chan Message, 64), done: make(chan struct{})}
	ch := sub.Channel()
	go func() {
		defer close(rs.out)
		for {
			select {
			case <-rs.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case rs.out <- Message{Subject: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-rs.done:
					return
				}
			}
		}
	}()
	return rs, nil
}

// Reply subscribes to subject and, for every inbound envelope, runs
// handler in its own goroutine and publishes the result to the
// envelope's reply_to channel (spec.md §5: "every transport handler
// runs as an independent task").
func (t *RedisTransport) Reply(ctx context.Context, subject string, handler ReplyHandler) (io.Closer, error) {
	sub := t.client.Subscribe(ctx, subject)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("transport: reply subscribe: %w", err)
	}

	done := make(chan struct{})
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				go t.handleOne(ctx, subject, msg.Payload, handler)
			}
		}
	}()

	return closerFunc(func() error {
		close(done)
		return sub.Close()
	}), nil
}

func (t *RedisTransport) handleOne(ctx context.Context, subject, raw string, handler ReplyHandler) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.logger.Warn("transport: malformed envelope", "subject", subject, "error", err)
		return
	}

	result, err := handler(ctx, env.Body)
	if err != nil {
		t.logger.Warn("transport: handler error", "subject", subject, "error", err)
		if result == nil {
			return
		}
	}
	if env.ReplyTo == "" {
		return
	}
	if pubErr := t.client.Publish(ctx, env.ReplyTo, result).Err(); pubErr != nil {
		t.logger.Warn("transport: publish reply failed", "subject", subject, "error", pubErr)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
