// Package events publishes batch lifecycle events to RabbitMQ for
// downstream reporting and notification consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

// Event types carried on the pipeline exchange.
const (
	TypeBatchCreated    = "batch.created"
	TypeStageCompleted  = "stage.completed"
	TypeCandidateFailed = "candidate.failed"
	TypeBatchCompleted  = "batch.completed"
)

// BatchEvent is one batch lifecycle notification.
type BatchEvent struct {
	EventID      string         `json:"eventId"`
	Type         string         `json:"type"`
	BatchID      string         `json:"batchId"`
	JobProfileID string         `json:"jobProfileId,omitempty"`
	CandidateID  string         `json:"candidateId,omitempty"`
	Stage        pipeline.Stage `json:"stage,omitempty"`
	Status       string         `json:"status,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Config holds RabbitMQ connection settings for the event feed.
type Config struct {
	Host          string
	Port          int
	User          string
	Password      string
	VHost         string
	Exchange      string
	RetryAttempts int
	RetryInterval time.Duration
}

// Publisher pushes batch events to a topic exchange. A nil Publisher is
// valid and publishes nothing, so the event feed stays optional.
type Publisher struct {
	config  *Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
}

// NewPublisher connects to RabbitMQ and declares the pipeline exchange.
func NewPublisher(config *Config, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{config: config, logger: logger}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	return p, nil
}

func (p *Publisher) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		p.config.User,
		p.config.Password,
		p.config.Host,
		p.config.Port,
		p.config.VHost,
	)

	attempts := p.config.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := p.config.RetryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		p.conn, err = amqp.Dial(dsn)
		if err == nil {
			break
		}
		p.logger.Warn("Failed to connect to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(interval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = p.channel.ExchangeDeclare(
		p.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		p.channel.Close()
		p.conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.logger.Info("Event publisher connected",
		slog.String("exchange", p.config.Exchange),
	)
	return nil
}

// Publish sends one event with routing key "pipeline.<type>". No-op on a
// nil publisher; publish errors are returned for the caller to log, a lost
// notification never fails a batch.
func (p *Publisher) Publish(ctx context.Context, event BatchEvent) error {
	if p == nil || p.channel == nil {
		return nil
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	routingKey := RoutingKey(event.Type)
	err = p.channel.PublishWithContext(
		ctx,
		p.config.Exchange, // exchange
		routingKey,        // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Debug("Event published",
		slog.String("type", event.Type),
		slog.String("batch_id", event.BatchID),
		slog.String("routing_key", routingKey),
	)
	return nil
}

// RoutingKey builds the topic routing key for an event type.
func RoutingKey(eventType string) string {
	return "pipeline." + eventType
}

// Close shuts the channel and connection down. Safe on nil.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}
	return nil
}
