// README: RabbitMQ connection and exchange declaration for lifecycle notifications.
package infra

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// NotificationsExchange is the fanout exchange consumed by the push-notification service.
const NotificationsExchange = "notifications_fanout"

type AMQP struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

func NewAMQP(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(NotificationsExchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", NotificationsExchange, err)
	}
	return &AMQP{Conn: conn, Channel: ch}, nil
}

func (a *AMQP) Close() {
	if a == nil {
		return
	}
	if a.Channel != nil {
		_ = a.Channel.Close()
	}
	if a.Conn != nil {
		_ = a.Conn.Close()
	}
}
