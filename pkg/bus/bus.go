// Package bus provides the message bus ferryman publishes lifecycle
// events on (task submitted/finished, pool handle crashed/recycled).
// The in-memory implementation is the default; a NATS-backed one is used
// when an external URL is configured.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")

	// ErrNoResponders is returned when no subscribers can answer a request.
	ErrNoResponders = errors.New("no responders available")

	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("request timeout")
)

// MessageBus is the event-publishing interface.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "ferryman.task.*" matches "ferryman.task.done".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a single response.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
// For request/reply, return data to send as response; return nil for no response.
type MessageHandler func(msg *Message) []byte

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string // Set if sender expects a response
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Subjects published by ferryman components.
const (
	SubjectTaskSubmitted = "ferryman.task.submitted"
	SubjectTaskFinished  = "ferryman.task.finished"
	SubjectPoolPrefix    = "ferryman.pool."
)
