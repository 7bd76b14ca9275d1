package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"torch/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type Client interface {
	Close() error

	DeclareTopology(exchange, queue string) error

	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error
	Consume(queueName string, consumerTag string) (<-chan amqp.Delivery, error)

	Health() error
}

type client struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	config       config.RabbitMQConfig
	mu           sync.Mutex
	reconnecting bool
	notifyClose  chan *amqp.Error
}

func NewClientFromConfig(cfg config.RabbitMQConfig) (Client, error) {
	c := &client{
		config:       cfg,
		reconnecting: false,
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	// Setup reconnection handling
	c.setupReconnect()

	return c, nil
}

func (c *client) url() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.config.Host,
		Port:     c.config.Port,
		Username: c.config.Username,
		Password: c.config.Password,
		Vhost:    c.config.VHost,
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri.String()
}

func (c *client) connect() error {
	conn, err := amqp.DialConfig(c.url(), amqp.Config{
		Heartbeat: 30 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to RabbitMQ")
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open RabbitMQ channel")
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// One unacked work unit per prefetch slot; units are long running
	if c.config.PrefetchCount > 0 {
		if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
			log.Error().Err(err).Msg("Failed to set channel QoS")
			conn.Close()
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	c.conn = conn
	c.channel = ch

	log.Info().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("vhost", c.config.VHost).
		Msg("RabbitMQ connection established")

	return nil
}

func (c *client) setupReconnect() {
	c.notifyClose = c.conn.NotifyClose(make(chan *amqp.Error, 1))

	go func(notify chan *amqp.Error) {
		for err := range notify {
			log.Warn().
				Str("reason", err.Reason).
				Int("code", err.Code).
				Bool("recover", err.Recover).
				Msg("RabbitMQ connection closed, attempting to reconnect...")

			c.doReconnect()
		}
	}(c.notifyClose)
}

func (c *client) doReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnecting {
		return
	}

	c.reconnecting = true
	defer func() { c.reconnecting = false }()

	if c.channel != nil {
		c.channel.Close()
	}

	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}

	// Attempt reconnection with backoff
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		log.Info().Dur("backoff", backoff).Msg("Attempting to reconnect to RabbitMQ")

		if err := c.connect(); err != nil {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.setupReconnect()

		log.Info().Msg("Successfully reconnected to RabbitMQ")
		return
	}
}

// ensureConnected reopens a dropped connection; c.mu must be held
func (c *client) ensureConnected(op string) error {
	if c.conn != nil && c.channel != nil && !c.conn.IsClosed() && !c.channel.IsClosed() {
		return nil
	}

	if err := c.connect(); err != nil {
		return fmt.Errorf("failed to reconnect before %s: %w", op, err)
	}
	c.setupReconnect()

	return nil
}

func (c *client) Health() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.channel == nil {
		log.Error().Msg("RabbitMQ health check failed: nil connection or channel")
		return fmt.Errorf("nil connection or channel")
	}

	if c.conn.IsClosed() {
		log.Error().Msg("RabbitMQ connection is closed")
		return amqp.ErrClosed
	}

	// A passive declare fails when the channel is unusable
	err := c.channel.ExchangeDeclarePassive(
		c.config.ExchangeName,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)

	if err != nil {
		log.Error().Err(err).Msg("RabbitMQ health check failed on passive exchange declare")
		return err
	}

	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Error().Err(err).Msg("Failed to close RabbitMQ channel")
			return fmt.Errorf("channel close error: %w", err)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Error().Err(err).Msg("Failed to close RabbitMQ connection")
			return fmt.Errorf("connection close error: %w", err)
		}
	}

	log.Info().Msg("RabbitMQ connection and channel closed")
	return nil
}

// Publish sends a persistent JSON message. A publish on a channel that closed
// underneath us is retried once on a fresh connection.
func (c *client) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected("publishing"); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers:      headers,
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.channel.PublishWithContext(publishCtx, exchange, routingKey, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		log.Warn().Err(err).Str("exchange", exchange).Msg("Channel closed during publish, reconnecting")
		if err = c.ensureConnected("publishing"); err == nil {
			err = c.channel.PublishWithContext(publishCtx, exchange, routingKey, false, false, msg)
		}
	}

	if err != nil {
		log.Error().
			Err(err).
			Str("exchange", exchange).
			Str("routingKey", routingKey).
			Msg("Failed to publish message")
		return err
	}

	log.Debug().
		Str("exchange", exchange).
		Str("routingKey", routingKey).
		Int("size", len(body)).
		Msg("Published message")

	return nil
}

func (c *client) Consume(queueName string, consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected("consuming"); err != nil {
		return nil, err
	}

	deliveries, err := c.channel.Consume(
		queueName,   // queue
		consumerTag, // consumer
		false,       // auto-ack off, units ack after completion
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)

	if err != nil {
		log.Error().
			Err(err).
			Str("queue", queueName).
			Str("consumerTag", consumerTag).
			Msg("Failed to start consuming")
		return nil, fmt.Errorf("consume error: %w", err)
	}

	log.Info().
		Str("queue", queueName).
		Str("consumerTag", consumerTag).
		Msg("Started consuming messages")

	return deliveries, nil
}
