// Package queue triggers processing from RabbitMQ and publishes the
// responses back.
package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type RabbitMQConsumer struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Queue   string
	log     *logrus.Entry
}

type RabbitMQProducer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	log      *logrus.Entry
}

// NewRabbitMQConsumer declares queueName as durable and limits unacked
// deliveries to prefetch.
func NewRabbitMQConsumer(amqpURL, queueName string, prefetch int, log *logrus.Entry) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return &RabbitMQConsumer{Conn: conn, Channel: ch, Queue: queueName, log: log}, nil
}

// StartConsuming delivers messages with manual acknowledgement.
func (r *RabbitMQConsumer) StartConsuming() (<-chan amqp.Delivery, error) {
	return r.Channel.Consume(r.Queue, "", false, false, false, false, nil)
}

func (r *RabbitMQConsumer) Close() {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			r.log.WithError(err).Debug("closing channel")
		}
	}
	if r.Conn != nil {
		if err := r.Conn.Close(); err != nil {
			r.log.WithError(err).Debug("closing connection")
		}
	}
	r.log.Info("rabbitmq consumer closed")
}

func NewRabbitMQProducer(url string, log *logrus.Entry) (*RabbitMQProducer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &RabbitMQProducer{conn: conn, ch: ch, declared: map[string]bool{}, log: log}, nil
}

// Publish sends body as persistent JSON to queueName. It is not safe for
// concurrent use; the Worker serializes calls.
func (p *RabbitMQProducer) Publish(ctx context.Context, queueName, correlationID string, body []byte) error {
	if !p.declared[queueName] {
		if _, err := p.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue: %w", err)
		}
		p.declared[queueName] = true
	}

	err := p.ch.PublishWithContext(ctx,
		"",
		queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *RabbitMQProducer) Close() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.log.WithError(err).Debug("closing channel")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.WithError(err).Debug("closing connection")
		}
	}
}
