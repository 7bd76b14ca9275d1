package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const localQueueSize = 4096

// localClient is an in-process stand-in for the broker used when the service
// runs with env=local and in tests. Messages are lost on restart.
type localClient struct {
	mu       sync.Mutex
	queues   map[string]chan amqp.Delivery
	bindings map[string]string
	closed   bool
	tag      atomic.Uint64
	acks     *localAcknowledger
}

// NewLocalClient returns a Client backed by buffered channels
func NewLocalClient() Client {
	return &localClient{
		queues:   map[string]chan amqp.Delivery{},
		bindings: map[string]string{},
		acks:     &localAcknowledger{},
	}
}

func bindingKey(exchange, routingKey string) string {
	return exchange + "\x00" + routingKey
}

func (c *localClient) DeclareTopology(exchange, queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if _, ok := c.queues[queue]; !ok {
		c.queues[queue] = make(chan amqp.Delivery, localQueueSize)
	}
	c.bindings[bindingKey(exchange, queue)] = queue
	return nil
}

func (c *localClient) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	queue, ok := c.bindings[bindingKey(exchange, routingKey)]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no queue bound to %s/%s", exchange, routingKey)
	}
	ch := c.queues[queue]
	c.mu.Unlock()

	delivery := amqp.Delivery{
		Acknowledger: c.acks,
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		DeliveryTag:  c.tag.Add(1),
		Exchange:     exchange,
		RoutingKey:   routingKey,
		Body:         append([]byte(nil), body...),
	}

	select {
	case ch <- delivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *localClient) Consume(queueName string, consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch, ok := c.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("queue %s not declared", queueName)
	}
	log.Debug().Str("queue", queueName).Str("consumerTag", consumerTag).Msg("Consuming local queue")
	return ch, nil
}

// Close closes every queue; consumers see their channel end
func (c *localClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.queues {
		close(ch)
	}
	return nil
}

func (c *localClient) Health() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	return nil
}

// localAcknowledger counts acknowledgements; local messages are never redelivered
type localAcknowledger struct {
	acked  atomic.Int64
	nacked atomic.Int64
}

func (a *localAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked.Add(1)
	return nil
}

func (a *localAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.nacked.Add(1)
	return nil
}

func (a *localAcknowledger) Reject(tag uint64, requeue bool) error {
	a.nacked.Add(1)
	return nil
}
