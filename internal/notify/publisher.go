// README: Mirrors order lifecycle events to the notifications fanout exchange for the push-notification service.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"eats/internal/modules/order"
	"eats/internal/types"
)

const (
	EventOrderStatusUpdated = "order-status-updated"
	EventOrderCancelled     = "order-cancelled"
	EventDriverAssigned     = "driver-assigned"

	publishTimeout = 5 * time.Second
)

// Channel is the publishing side of an AMQP channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the JSON body published for every lifecycle event.
type Message struct {
	Event        string       `json:"event"`
	OrderID      types.ID     `json:"orderId"`
	CustomerID   types.ID     `json:"customerId"`
	RestaurantID types.ID     `json:"restaurantId"`
	DriverID     *types.ID    `json:"driverId,omitempty"`
	OldStatus    order.Status `json:"oldStatus,omitempty"`
	NewStatus    order.Status `json:"newStatus"`
	ChangedBy    string       `json:"changedBy,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Publisher queues messages and publishes them from a single goroutine started by Run.
// A full queue drops the message.
type Publisher struct {
	ch       Channel
	exchange string
	queue    chan Message
	log      *zap.Logger
}

func NewPublisher(ch Channel, exchange string, buffer int, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Publisher{ch: ch, exchange: exchange, queue: make(chan Message, buffer), log: log}
}

func (p *Publisher) StatusChanged(_ context.Context, o *order.Order, from order.Status, actor order.Actor) {
	msg := newMessage(EventOrderStatusUpdated, o)
	msg.OldStatus = from
	msg.ChangedBy = actor.Type
	p.enqueue(msg)
	if from == order.StatusConfirmed && o.Status == order.StatusPreparing {
		assigned := newMessage(EventDriverAssigned, o)
		assigned.OldStatus = from
		p.enqueue(assigned)
	}
}

func (p *Publisher) Cancelled(_ context.Context, o *order.Order, reason string) {
	msg := newMessage(EventOrderCancelled, o)
	msg.Reason = reason
	p.enqueue(msg)
}

// Run publishes queued messages until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if err := p.publish(ctx, msg); err != nil {
				p.log.Warn("publish notification",
					zap.String("event", msg.Event),
					zap.String("order_id", msg.OrderID.String()),
					zap.Error(err))
			}
		}
	}
}

func (p *Publisher) enqueue(msg Message) {
	select {
	case p.queue <- msg:
	default:
		p.log.Warn("notification queue full, dropping",
			zap.String("event", msg.Event),
			zap.String("order_id", msg.OrderID.String()))
	}
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		CorrelationId: msg.OrderID.String(),
		Timestamp:     msg.Timestamp,
		Type:          msg.Event,
		Headers: amqp.Table{
			"x-source": "eats-api",
			"x-event":  msg.Event,
		},
		Body: body,
	})
}

func newMessage(event string, o *order.Order) Message {
	return Message{
		Event:        event,
		OrderID:      o.ID,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		DriverID:     o.DriverID,
		NewStatus:    o.Status,
		Timestamp:    o.UpdatedAt.UTC(),
	}
}
