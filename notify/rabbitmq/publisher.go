// Package rabbitmq publishes notifications to a RabbitMQ exchange, routed by
// user so that push gateways can bind per-user or wildcard queues.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/notify"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements notify.Deliverer on a RabbitMQ exchange
type Publisher struct {
	options Options

	mu          sync.RWMutex
	connection  *amqp.Connection
	channel     channel
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
}

// NewPublisher creates a new publisher
func NewPublisher(options Options) *Publisher {
	return &Publisher{options: options}
}

// Connect dials RabbitMQ and declares the exchange
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(); err != nil {
		return err
	}

	p.done = make(chan struct{})
	if p.options.ReconnectEnabled {
		go p.handleReconnection(p.notifyClose, p.done)
	}
	return nil
}

// connect expects the caller to hold the lock
func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.options.URI)
	if err != nil {
		return errors.NewConnectionError(p.options.URI,
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewConnectionError(p.options.URI,
			fmt.Errorf("failed to open channel: %w", err))
	}

	err = ch.ExchangeDeclare(
		p.options.Exchange,
		p.options.ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return errors.NewConnectionError(p.options.URI,
			fmt.Errorf("failed to declare exchange %s: %w", p.options.Exchange, err))
	}

	p.connection = conn
	p.channel = ch
	p.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	p.isConnected = true
	return nil
}

func (p *Publisher) handleReconnection(notifyClose <-chan *amqp.Error, done <-chan struct{}) {
	for {
		select {
		case err, ok := <-notifyClose:
			if !ok || err == nil {
				return
			}
			slog.Warn("RabbitMQ connection closed, reconnecting...", "error", err)

			p.mu.Lock()
			p.isConnected = false
			p.mu.Unlock()

			for {
				select {
				case <-done:
					return
				case <-time.After(p.options.ReconnectDelay):
				}

				p.mu.Lock()
				err := p.connect()
				notifyClose = p.notifyClose
				p.mu.Unlock()

				if err == nil {
					slog.Info("Reconnected to RabbitMQ")
					break
				}
				slog.Warn("Reconnect failed", "error", err)
			}
		case <-done:
			return
		}
	}
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	p.isConnected = false

	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.connection != nil {
		err := p.connection.Close()
		p.connection = nil
		return err
	}
	return nil
}

// Health reports whether the connection is open
func (p *Publisher) Health() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isConnected || p.channel == nil {
		return errors.ErrNotConnected
	}
	if p.connection != nil && p.connection.IsClosed() {
		return errors.ErrNotConnected
	}
	return nil
}

// Deliver publishes the notification as persistent JSON
func (p *Publisher) Deliver(ctx context.Context, n notify.Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isConnected || p.channel == nil {
		return errors.ErrNotConnected
	}

	msg, err := p.publishing(n)
	if err != nil {
		return err
	}

	if err := p.channel.PublishWithContext(ctx, p.options.Exchange, p.RoutingKey(n.UserID), false, false, msg); err != nil {
		return errors.NewBrokerError("publish", p.options.Exchange, err)
	}
	return nil
}

// RoutingKey returns the routing key for a user
func (p *Publisher) RoutingKey(userID string) string {
	return p.options.RoutingPrefix + userID
}

func (p *Publisher) publishing(n notify.Notification) (amqp.Publishing, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         n.Type,
	}, nil
}
