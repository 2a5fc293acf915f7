package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ewoutbarendregt/crosscheck/internal/logging"
)

const (
	ackWaitDefault = 10 * time.Minute
	maxAgeDefault  = 7 * 24 * time.Hour
	dlqSuffix      = ".dlq"
)

// NatsBus is a JetStream-backed Bus adapter. Ack implements complete,
// Nak implements abandon, and deadLetter republishes the message body to
// a `<subject>.dlq` subject (tagged with the reason/description) before
// acking the original so it is not redelivered, following the reference
// control plane's core/infra/bus.NatsBus shape.
type NatsBus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	ackWait time.Duration
}

// NewNatsBus dials NATS at url and ensures a JetStream stream exists for
// subject wildcards under "reasoning.>".
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("crosscheck-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Error("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      "REASONING",
		Subjects:  []string{"reasoning.>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAgeDefault,
	}); err != nil {
		if _, infoErr := js.StreamInfo("REASONING"); infoErr != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure jetstream stream: %w", err)
		}
	}
	return &NatsBus{nc: nc, js: js, ackWait: ackWaitDefault}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	b.nc.Close()
	return nil
}

// Send publishes body on subject, tagging the message with tenantID as
// an application header.
func (b *NatsBus) Send(ctx context.Context, subject string, body []byte, tenantID string) error {
	if b == nil || b.js == nil {
		return errors.New("nats bus not initialized")
	}
	msg := nats.NewMsg(subject)
	msg.Data = body
	if tenantID != "" {
		msg.Header.Set("tenantId", tenantID)
	}
	_, err := b.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Subscribe attaches a durable JetStream queue subscription. Delivery to
// the handler is bounded by maxConcurrentCalls via an internal semaphore;
// NATS itself still delivers one message at a time to this consumer,
// matching "single threaded delivery at the subscription level, worker
// concurrency managed explicitly".
func (b *NatsBus) Subscribe(ctx context.Context, subject, queue string, maxConcurrentCalls int, handler Handler) (Subscription, error) {
	if b == nil || b.js == nil {
		return nil, errors.New("nats bus not initialized")
	}
	if maxConcurrentCalls <= 0 {
		maxConcurrentCalls = 1
	}
	sem := make(chan struct{}, maxConcurrentCalls)
	receiver := &natsReceiver{js: b.js}

	cb := func(msg *nats.Msg) {
		sem <- struct{}{}
		defer func() { <-sem }()

		meta, err := msg.Metadata()
		delivered := 1
		if err == nil && meta != nil {
			delivered = int(meta.NumDelivered)
		}
		m := &Message{
			ID:            msg.Header.Get(nats.MsgIdHdr),
			Body:          msg.Data,
			TenantID:      msg.Header.Get("tenantId"),
			DeliveryCount: delivered,
		}
		receiver.msg = msg
		handler.OnMessage(ctx, m, &natsReceiver{js: b.js, msg: msg})
	}

	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.ackWait),
		nats.MaxAckPending(2048),
	}
	if queue == "" {
		sub, err := b.js.Subscribe(subject, cb, opts...)
		if err != nil {
			return nil, err
		}
		return &natsSubscription{sub: sub}, nil
	}
	sub, err := b.js.QueueSubscribe(subject, queue, cb, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Close() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// natsReceiver adapts complete/abandon/deadLetter onto ack/nak/publish.
type natsReceiver struct {
	js  nats.JetStreamContext
	msg *nats.Msg
}

func (r *natsReceiver) Complete(_ context.Context, _ *Message) error {
	if r.msg == nil {
		return nil
	}
	return r.msg.Ack()
}

func (r *natsReceiver) Abandon(_ context.Context, _ *Message, err error) error {
	if r.msg == nil {
		return nil
	}
	if delay, ok := RetryDelay(err); ok && delay > 0 {
		return r.msg.NakWithDelay(delay)
	}
	return r.msg.Nak()
}

func (r *natsReceiver) DeadLetter(ctx context.Context, msg *Message, reason, description string) error {
	if r.msg == nil {
		return nil
	}
	dlqSubject := strings.TrimSuffix(r.msg.Subject, dlqSuffix) + dlqSuffix
	dlq := nats.NewMsg(dlqSubject)
	dlq.Data = msg.Body
	dlq.Header.Set("reason", reason)
	dlq.Header.Set("description", description)
	if msg.TenantID != "" {
		dlq.Header.Set("tenantId", msg.TenantID)
	}
	if _, err := r.js.PublishMsg(dlq, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to dead-letter subject: %w", err)
	}
	return r.msg.Ack()
}
