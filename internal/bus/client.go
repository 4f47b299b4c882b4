// Package bus wraps the durable topic-exchange message bus (SPEC_FULL.md
// §4.1/§6) the gateway both publishes to and consumes from. Grounded on
// original_source/services/WebSocket-Server/messaging/rabbitmq.py (exchange
// declaration, persistent delivery) and rabbit_consumer.py (queue/binding
// setup, manual ack after handler), re-expressed against
// github.com/rabbitmq/amqp091-go with the teacher's reconnect-on-NotifyClose
// idiom in place of aio_pika's connect_robust.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ws-gateway/internal/logger"
)

const (
	dialRetryMin = 1 * time.Second
	dialRetryMax = 10 * time.Second
)

// Client owns one durable connection to the bus and the channel used for
// publishing. Each Consume call opens its own channel so a slow consumer
// never blocks publishes.
type Client struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
}

// NewClient creates a bus client for the given AMQP URL and topic exchange
// name. Connect must be called before Publish or Consume.
func NewClient(url, exchange string) *Client {
	return &Client{url: url, exchange: exchange}
}

// Connect dials the bus and declares the topic exchange, retrying with
// capped exponential backoff until ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	log := logger.Bus()
	backoff := dialRetryMin

	for {
		conn, err := amqp.Dial(c.url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if declErr := ch.ExchangeDeclare(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); declErr == nil {
					c.mu.Lock()
					c.conn = conn
					c.pubCh = ch
					c.mu.Unlock()

					log.Info().Str("exchange", c.exchange).Msg("connected to message bus")
					go c.watchClose(conn)
					return nil
				} else {
					err = declErr
				}
			} else {
				err = chErr
			}
			_ = conn.Close()
		}

		log.Warn().Err(err).Dur("retry_in", backoff).Msg("message bus connect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > dialRetryMax {
			backoff = dialRetryMax
		}
	}
}

// watchClose logs unexpected connection loss. Reconnection for publishing is
// the caller's responsibility (Publish returns an error that the caller can
// treat as bus-unavailable); Consume loops reconnect on their own.
func (c *Client) watchClose(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	err := <-notify
	if err != nil {
		logger.Bus().Error().Err(err).Msg("message bus connection closed")
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Publish emits an event onto the topic exchange with routing key ==
// eventName, matching messaging/rabbitmq.py::emit_event.
func (c *Client) Publish(ctx context.Context, eventName string, data any) error {
	c.mu.Lock()
	ch := c.pubCh
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("bus: not connected")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("bus: marshal payload: %w", err)
	}

	env := Envelope{Event: eventName, Data: raw, Timestamp: float64(time.Now().UnixNano()) / 1e9}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	return ch.PublishWithContext(ctx, c.exchange, eventName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Handler processes one bus event. A returned error causes the delivery to
// be nacked without requeue, matching aio_pika's message.process() default.
type Handler func(env Envelope, routingKey string) error

// Consume declares a durable queue bound to routingKeys on the exchange and
// dispatches deliveries to handler, reconnecting with backoff whenever the
// connection or channel drops, until ctx is cancelled. Blocks the caller;
// run it in its own goroutine.
func (c *Client) Consume(ctx context.Context, queueName string, routingKeys []string, handler Handler) {
	log := logger.Bus()
	backoff := dialRetryMin

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.consumeOnce(ctx, queueName, routingKeys, handler); err != nil {
			log.Warn().Err(err).Str("queue", queueName).Dur("retry_in", backoff).Msg("bus consumer dropped, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > dialRetryMax {
				backoff = dialRetryMax
			}
			continue
		}
		backoff = dialRetryMin
	}
}

func (c *Client) consumeOnce(ctx context.Context, queueName string, routingKeys []string, handler Handler) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	logger.Bus().Info().Str("exchange", c.exchange).Str("queue", queueName).Strs("keys", routingKeys).Msg("message bus consumer ready")

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closeCh:
			if amqpErr != nil {
				return amqpErr
			}
			return fmt.Errorf("bus: connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus: delivery channel closed")
			}
			c.dispatch(d, handler)
		}
	}
}

func (c *Client) dispatch(d amqp.Delivery, handler Handler) {
	log := logger.Bus()

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Error().Err(err).Msg("failed to decode bus message")
		_ = d.Nack(false, false)
		return
	}
	if env.Event == "" {
		env.Event = d.RoutingKey
	}

	if err := handler(env, d.RoutingKey); err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("bus handler failed")
		_ = d.Nack(false, false)
		return
	}

	_ = d.Ack(false)
}
