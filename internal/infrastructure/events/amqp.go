package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
)

// AMQPPublisher publishes events as persistent JSON messages to a durable
// RabbitMQ queue through the default exchange.
type AMQPPublisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	mu     sync.Mutex
	logger *slog.Logger
}

// Compile-time check that AMQPPublisher implements Publisher
var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher dials the broker and declares the queue.
func NewAMQPPublisher(cfg config.RabbitMQConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // autoDelete
		false,     // exclusive
		false,     // noWait
		nil,       // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	logger.Info("publishing events", "queue", cfg.Queue)
	return &AMQPPublisher{conn: conn, ch: ch, queue: cfg.Queue, logger: logger}, nil
}

// Publish sends event to the queue
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	msg, err := newPublishing(event)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		msg,
	); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", event.Type, err)
	}
	return nil
}

func newPublishing(event Event) (amqp.Publishing, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}, nil
}

// Close closes the channel and the connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
