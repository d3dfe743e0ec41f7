package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"yahtzee/internal/models"
)

// NotificationQueue is the durable queue carrying Notification messages.
const NotificationQueue = "yahtzee.notifications"

// ErrBadNotification marks a message that can never be delivered.
var ErrBadNotification = errors.New("bad notification")

// QueueNotifier publishes notifications to RabbitMQ for cmd/mailer to send.
// The connection is opened on first use and reopened after a failure.
type QueueNotifier struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewQueueNotifier creates a notifier publishing to the broker at url.
func NewQueueNotifier(url string) *QueueNotifier {
	return &QueueNotifier{url: url}
}

func (q *QueueNotifier) UserRegistered(ctx context.Context, user *models.User) error {
	return q.Publish(ctx, registeredNotification(user))
}

func (q *QueueNotifier) PasswordResetRequested(ctx context.Context, user *models.User, token string, expires time.Time) error {
	return q.Publish(ctx, resetNotification(user, token, expires))
}

// channel returns an open channel with the queue declared. Callers hold q.mu.
func (q *QueueNotifier) channel() (*amqp.Channel, error) {
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	q.closeLocked()

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(NotificationQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	q.conn, q.ch = conn, ch
	return ch, nil
}

// Publish sends n as a persistent JSON message.
func (q *QueueNotifier) Publish(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ch, err := q.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", NotificationQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         n.Kind,
		Body:         body,
	})
	if err != nil {
		q.closeLocked()
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (q *QueueNotifier) closeLocked() {
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		_ = q.conn.Close()
		q.conn = nil
	}
}

// Close releases the broker connection.
func (q *QueueNotifier) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

// HandleNotification decodes one queued message and hands it to mailer.
// Undecodable or invalid messages wrap ErrBadNotification.
func HandleNotification(ctx context.Context, body []byte, mailer Mailer) error {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrBadNotification, err)
	}
	if err := n.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadNotification, err)
	}
	return mailer.Deliver(ctx, n)
}

// RunNotificationConsumer consumes the notification queue until ctx is
// cancelled, reconnecting with exponential backoff when the broker goes away.
func RunNotificationConsumer(ctx context.Context, url string, mailer Mailer) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("notification consumer: dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeNotifications(ctx, conn, mailer)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("notification consumer: reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func consumeNotifications(ctx context.Context, conn *amqp.Connection, mailer Mailer) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(10, 0, false); err != nil {
		log.Warn().Err(err).Msg("notification consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(NotificationQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(NotificationQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	log.Info().Str("queue", NotificationQueue).Msg("notification consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := HandleNotification(ctx, d.Body, mailer); err != nil {
				// Bad payloads are dropped; a failed send gets one more try.
				requeue := !errors.Is(err, ErrBadNotification) && !d.Redelivered
				log.Error().Err(err).Bool("requeue", requeue).Msg("notification consumer: handle message failed")
				_ = d.Nack(false, requeue)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
