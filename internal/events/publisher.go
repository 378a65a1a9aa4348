package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "chatrelay.events"

// TurnCompleted is emitted after a chat turn has been persisted.
type TurnCompleted struct {
	ConversationID string    `json:"conversationId"`
	UserMessageID  string    `json:"userMessageId"`
	ReplyMessageID string    `json:"replyMessageId"`
	HasFile        bool      `json:"hasFile"`
	At             time.Time `json:"at"`
}

// ConversationDeleted is emitted after a conversation was removed.
type ConversationDeleted struct {
	ConversationID string    `json:"conversationId"`
	At             time.Time `json:"at"`
}

// Publisher fans conversation lifecycle events out to RabbitMQ.
// Publishing is best-effort: failures are returned but callers must not
// fail the originating request on them.
type Publisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

// NewPublisher connects to RabbitMQ and declares the events exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = defaultExchange
	}
	p := &Publisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = channel
	return nil
}

// PublishTurnCompleted emits a turn-completed event.
func (p *Publisher) PublishTurnCompleted(ctx context.Context, event TurnCompleted) error {
	return p.publish(ctx, "turn.completed", event)
}

// PublishConversationDeleted emits a conversation-deleted event.
func (p *Publisher) PublishConversationDeleted(ctx context.Context, event ConversationDeleted) error {
	return p.publish(ctx, "conversation.deleted", event)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload any) error {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.channel.IsClosed() {
		if err := p.connect(); err != nil {
			return err
		}
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

// Close releases the AMQP channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
