package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Envelope is the AMQP message body.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

type Meta struct {
	ID       string    `json:"id"`
	Producer string    `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
}

// AMQPPublisher queues events and publishes them to a topic exchange from
// Run, keyed by event kind.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	producer string
	queue    chan Event
	log      *slog.Logger
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange, producer string, log *slog.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		producer: producer,
		queue:    make(chan Event, 256),
		log:      log.With("component", "amqp_publisher"),
	}, nil
}

// Publish enqueues e. A full queue drops the event.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) {
	select {
	case p.queue <- Stamp(e):
	default:
		p.log.WarnContext(ctx, "Event queue full, dropping event", "type", e.Kind, "owner_id", e.OwnerID)
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *AMQPPublisher) Run(ctx context.Context) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}
	defer ch.Close()

	p.log.Info("AMQP publisher started", "exchange", p.exchange)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("AMQP publisher stopping")
			return nil
		case e := <-p.queue:
			if err := p.send(ctx, ch, e); err != nil {
				p.log.ErrorContext(ctx, "Failed to publish event", "type", e.Kind, "event_id", e.ID, "error", err)
			}
		}
	}
}

func (p *AMQPPublisher) send(ctx context.Context, ch *amqp091.Channel, e Event) error {
	body, err := json.Marshal(Envelope{
		Meta: Meta{ID: e.ID, Producer: p.producer, Time: e.Time, Type: string(e.Kind)},
		Data: e,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return ch.PublishWithContext(pubCtx, p.exchange, string(e.Kind), false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     e.ID,
		CorrelationId: e.OwnerID,
		Timestamp:     e.Time,
		Body:          body,
	})
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
