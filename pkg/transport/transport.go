// Package transport provides the named-subject request/reply and
// pub/sub primitives the mesh broker is built on (spec.md §4.1). It is
// deliberately minimal: at-most-once delivery, per-call timeouts, no
// ordering guarantees across subjects.
package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrTimeout is returned by Request when no reply arrives before the
// deadline.
var ErrTimeout = errors.New("transport: request timed out")

// Message is a single pub/sub delivery.
type Message struct {
	Subject string
	Payload []byte
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	// Chan yields inbound messages until the subscription is closed.
	Chan() <-chan Message
	io.Closer
}

// ReplyHandler answers a single request/reply call. It returns the
// response payload to publish back to the requester, or an error. When
// the error comes with a nil payload, InMemoryTransport returns that
// error to the requester, while RedisTransport logs it and publishes
// nothing, so the requester's Request ends in ErrTimeout.
type ReplyHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Transport is the broker's wire abstraction. Every subject family in
// spec.md §4.1 is expressed in terms of these four operations.
type Transport interface {
	// Request publishes payload on subject and blocks for a reply, up to
	// timeout. At-most-once: a lost reply is indistinguishable from one
	// that never happened, from the caller's point of view.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)

	// Publish fires payload to every current subscriber of subject, if
	// any, and does not block for acknowledgement.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe opens a plain pub/sub subscription to subject.
	Subscribe(ctx context.Context, subject string) (Subscription, error)

	// Reply registers a request/reply responder on subject: every
	// inbound Request on subject invokes handler and the handler's
	// return value is delivered back to the caller. Reply returns a
	// Closer that stops serving subject.
	Reply(ctx context.Context, subject string, handler ReplyHandler) (io.Closer, error)
}
