// Package bus abstracts the message bus so the admission queue and the
// pipeline worker never touch a concrete transport directly, per the
// reference control plane's "polymorphism over bus and LLM" design note.
// The production adapter is NATS JetStream; a fully in-memory
// implementation exercises the same contract in tests.
package bus

import "context"

// Message is one delivered bus message, carrying a redelivery lock token
// implicit in the concrete Receiver implementation.
type Message struct {
	ID            string
	Body          []byte
	TenantID      string
	DeliveryCount int
}

// Receiver settles a delivered message exactly once: complete removes it,
// abandon returns it for redelivery, deadLetter moves it to a sidelined
// subqueue with a reason and description. Abandon's err, when wrapped
// with RetryAfter, carries a redelivery delay the transport should honor
// if it can (NATS JetStream does via NakWithDelay); a plain err requests
// immediate redelivery.
type Receiver interface {
	Complete(ctx context.Context, msg *Message) error
	Abandon(ctx context.Context, msg *Message, err error) error
	DeadLetter(ctx context.Context, msg *Message, reason, description string) error
}

// Handler processes one delivered message. OnError is the hook for bus
// subscription-level errors that are not tied to a specific message;
// neither MemoryBus nor NatsBus calls it.
type Handler struct {
	OnMessage func(ctx context.Context, msg *Message, r Receiver)
	OnError   func(err error)
}

// Subscription represents an active subscribe-with-concurrency call.
type Subscription interface {
	Close() error
}

// Bus is the full capability surface the core requires: at-least-once
// send, and single-threaded-at-the-subscription-level delivery with
// worker-managed concurrency.
type Bus interface {
	// Send delivers body to subject at-least-once, tagging the message
	// with tenantID as an application property.
	Send(ctx context.Context, subject string, body []byte, tenantID string) error

	// Subscribe attaches to subject with peek-lock delivery. The bus
	// itself delivers at most one message at a time per the "single
	// threaded delivery at the subscription level" contract; the caller
	// is responsible for any concurrency beyond that via
	// maxConcurrentCalls, which Subscribe enforces internally so
	// handler invocations never exceed it.
	Subscribe(ctx context.Context, subject, queue string, maxConcurrentCalls int, handler Handler) (Subscription, error)

	// Close shuts down the underlying connection.
	Close() error
}
