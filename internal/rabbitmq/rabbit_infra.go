package rabbitmq

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// DeclareTopology declares a durable direct exchange and a durable queue bound
// to it with the queue name as routing key
func (c *client) DeclareTopology(exchange, queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected("declaring topology"); err != nil {
		return err
	}

	err := c.channel.ExchangeDeclare(
		exchange, "direct", true, false, false, false, nil,
	)
	if err != nil {
		log.Error().Err(err).Str("exchange", exchange).Msg("Failed to declare exchange")
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	_, err = c.channel.QueueDeclare(
		queue, true, false, false, false, nil,
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Failed to declare queue")
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	err = c.channel.QueueBind(
		queue, queue, exchange, false, nil,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("queue", queue).
			Str("exchange", exchange).
			Msg("Failed to bind queue")
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	log.Info().
		Str("queue", queue).
		Str("exchange", exchange).
		Msg("Declared work unit topology")
	return nil
}
