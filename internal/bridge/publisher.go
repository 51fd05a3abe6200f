package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mbus-bridge/internal/store"
)

// Broker is the MQTT capability the publisher consumes. Satisfied by
// *mqtt.Client; faked in tests.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	Topics() mqtt.Topics
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
}

// Logger is the minimal logging interface the bridge needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Result reports how a publish was handled.
type Result int

const (
	// Delivered means the broker acknowledged the message directly.
	Delivered Result = iota
	// Queued means the message was parked in the persisted queue for a
	// later drain.
	Queued
)

// drainBatchSize bounds how many queue rows are read per drain pass.
// Delivery within a batch is still strictly one in-flight at a time.
const drainBatchSize = 50

// Publisher delivers messages with at-least-once semantics. Connected,
// it sends directly and falls back to the queue on failure;
// disconnected, it always queues. On reconnect the queue drains in
// enqueue order, one in-flight publish at a time, acknowledging each
// message before advancing.
type Publisher struct {
	broker Broker
	store  *store.Store
	qos    byte
	logger Logger

	// drainMu ensures a single drain loop; concurrent reconnects must
	// not interleave deliveries.
	drainMu sync.Mutex
}

// NewPublisher creates a publisher over the given broker and store.
func NewPublisher(broker Broker, st *store.Store, qos byte, logger Logger) *Publisher {
	return &Publisher{
		broker: broker,
		store:  st,
		qos:    qos,
		logger: logger,
	}
}

// Publish delivers one message, or queues it if the broker is
// unreachable.
//
// Parameters:
//   - ctx: Context for the queue write on the fallback path
//   - topic: Destination topic
//   - payload: Message body
//   - retain: Whether the broker should retain the message
//
// Returns:
//   - Result: Delivered or Queued
//   - error: Only if both delivery and queueing failed outright
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, retain bool) (Result, error) {
	if p.broker.IsConnected() {
		err := p.broker.Publish(topic, payload, p.qos, retain)
		if err == nil {
			return Delivered, nil
		}
		p.logger.Debug("direct publish failed, queueing", "topic", topic, "error", err)
	}

	if _, err := p.store.Enqueue(ctx, topic, payload, retain); err != nil {
		// Fallback queue absorbed the item; degraded, not lost.
		p.logger.Warn("message queued without durability", "topic", topic, "error", err)
	}

	return Queued, nil
}

// Drain delivers the persisted queue in strict enqueue order. Each
// message waits for broker acknowledgement and is acknowledged in the
// store before the next is sent, so a crash mid-drain resumes after
// the last confirmed message.
//
// Drain stops without error when the broker drops mid-way; the next
// reconnect picks up where it left off.
//
// Returns:
//   - int: Number of messages delivered this pass
//   - error: Persistence failures reading the queue
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		default:
		}

		items, err := p.store.DequeueBatch(ctx, drainBatchSize)
		if err != nil {
			return delivered, fmt.Errorf("draining queue: %w", err)
		}
		if len(items) == 0 {
			return delivered, nil
		}

		for _, item := range items {
			select {
			case <-ctx.Done():
				return delivered, nil
			default:
			}

			if !p.broker.IsConnected() {
				p.logger.Debug("drain paused, broker disconnected",
					"remaining_from", item.ID)
				return delivered, nil
			}

			if err := p.broker.Publish(item.Topic, item.Payload, p.qos, item.Retain); err != nil {
				p.logger.Warn("drain publish failed, will retry on next connect",
					"id", item.ID, "topic", item.Topic, "error", err)
				return delivered, nil
			}

			if err := p.store.Acknowledge(ctx, item.ID); err != nil {
				// Delivery succeeded but the ack did not persist; the
				// message may replay after a crash, which at-least-once
				// permits.
				p.logger.Warn("acknowledge failed after delivery", "id", item.ID, "error", err)
			}
			delivered++
		}
	}
}
