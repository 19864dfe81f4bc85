// Package broker is the controller's interface to the task broker. Every
// agent owns one durable queue, created when its control channel opens and
// named after its system UUID; task dispatch publishes persistent JSON
// messages into it so tasks survive both broker restarts and agent downtime.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/wire"
)

// Broker holds one AMQP connection and a publishing channel. Operations
// redial transparently after a connection loss.
type Broker struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker at url. The initial connection must succeed;
// later losses are repaired lazily on the next operation.
func Dial(url string, logger *zap.Logger) (*Broker, error) {
	b := &Broker{url: url, logger: logger.Named("broker")}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// connectLocked establishes the connection and channel. Callers hold b.mu.
func (b *Broker) connectLocked() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("broker: dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: channel open failed: %w", err)
	}
	b.conn = conn
	b.ch = ch
	b.logger.Info("broker connection established")
	return nil
}

// channel returns a usable publishing channel, redialing if the previous
// connection died.
func (b *Broker) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connectLocked(); err != nil {
			return nil, err
		}
	}
	return b.ch, nil
}

// Ready reports whether the broker is reachable. The channel handshake
// refuses agents with close code 4000 when this fails.
func (b *Broker) Ready() bool {
	_, err := b.channel()
	return err == nil
}

// EnsureInbox declares the durable task queue for an agent. Declaring an
// existing queue with identical properties is a no-op.
func (b *Broker) EnsureInbox(systemUUID string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	queue := wire.InboxName(systemUUID)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: failed to declare inbox %s: %w", queue, err)
	}
	return nil
}

// Publish serializes msg and enqueues it persistently on the agent's inbox.
func (b *Broker) Publish(ctx context.Context, systemUUID string, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: failed to marshal task: %w", err)
	}

	ch, err := b.channel()
	if err != nil {
		return err
	}

	queue := wire.InboxName(systemUUID)
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: failed to publish to %s: %w", queue, err)
	}
	return nil
}

// DeleteInbox removes an agent's queue, discarding anything still queued.
// Called best-effort when the agent disconnects; the queue is declared fresh
// on the next channel open.
func (b *Broker) DeleteInbox(systemUUID string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	queue := wire.InboxName(systemUUID)
	if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
		return fmt.Errorf("broker: failed to delete inbox %s: %w", queue, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
