// Package notify доставляет уведомления о новых запросах на выплату из брокера сообщений.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/payoutd/internal/model"
)

const (
	ExchangeName  = "payouts"
	QueueName     = "payout_notifications"
	RoutingKey    = "payout.requested"
	PrefetchCount = 1
)

// ErrMalformedMessage возвращается, если сообщение не удалось разобрать.
var ErrMalformedMessage = errors.New("malformed payout notification")

// Handler обрабатывает одно уведомление.
type Handler func(ctx context.Context, n model.PayoutNotification) error

type message struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	PaypalEmail string          `json:"paypalEmail"`
	Amount      decimal.Decimal `json:"amount"`
}

// Decode разбирает тело сообщения в уведомление.
// Поле paypalEmail принимается как синоним destination.
func Decode(body []byte, receivedAt time.Time) (model.PayoutNotification, error) {
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		return model.PayoutNotification{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	destination := strings.TrimSpace(msg.Destination)
	if destination == "" {
		destination = strings.TrimSpace(msg.PaypalEmail)
	}
	if destination == "" {
		return model.PayoutNotification{}, fmt.Errorf("%w: destination required", ErrMalformedMessage)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	return model.PayoutNotification{
		ID:          id,
		Destination: destination,
		Amount:      msg.Amount,
		ReceivedAt:  receivedAt,
	}, nil
}

// Consumer получает уведомления из очереди RabbitMQ.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
}

// NewConsumer подключается к брокеру и объявляет обменник, очередь и привязку.
func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(channel); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		logger:  logger,
	}, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(QueueName, RoutingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Consume обрабатывает уведомления до отмены контекста или закрытия канала доставки.
func (c *Consumer) Consume(ctx context.Context, handle Handler) error {
	if err := c.channel.Qos(PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	deliveries, err := c.channel.ConsumeWithContext(ctx, QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	c.logger.Info("consuming payout notifications", zap.String("queue", QueueName))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle Handler) {
	receivedAt := d.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	n, err := Decode(d.Body, receivedAt)
	if err != nil {
		c.logger.Warn("drop malformed notification", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := handle(ctx, n); err != nil {
		// Повторная доставка допускается один раз.
		requeue := !d.Redelivered
		c.logger.Error("handle notification error",
			zap.Error(err),
			zap.String("notification", n.ID),
			zap.Bool("requeue", requeue),
		)
		_ = d.Nack(false, requeue)
		return
	}

	_ = d.Ack(false)
}

// Close закрывает соединение с брокером.
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
