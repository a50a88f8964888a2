// Package notify bridges the in-process bus to an AMQP topic exchange so
// external consumers (UIs, analytics) can follow delivery progress without
// linking the engine. Publication is fire and forget: a broker outage never
// blocks or fails a delivery.
package notify

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jfcarvalho/courier/internal/bus"
	"github.com/jfcarvalho/courier/internal/config"
	"go.uber.org/zap"
)

type Notifier struct {
	cfg    *config.Config
	bus    *bus.Bus
	logger *zap.Logger

	conn  *amqp.Connection
	ch    *amqp.Channel
	unsub func()
	done  chan struct{}
}

func New(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *Notifier {
	return &Notifier{cfg: cfg, bus: b, logger: logger}
}

// Start connects to the broker and begins forwarding every bus event. A
// notifier with no configured broker URL is inert.
func (n *Notifier) Start() error {
	if n.cfg.AMQPURL == "" {
		return nil
	}
	conn, err := amqp.Dial(n.cfg.AMQPURL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(n.cfg.AMQPExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	n.conn = conn
	n.ch = ch
	n.done = make(chan struct{})

	events, unsub := n.bus.Subscribe("", 512)
	n.unsub = unsub
	go n.forward(events)

	n.logger.Info("notification sink connected", zap.String("exchange", n.cfg.AMQPExchange))
	return nil
}

// Stop detaches from the bus and closes the broker connection.
func (n *Notifier) Stop() {
	if n.conn == nil {
		return
	}
	n.unsub()
	close(n.done)
	_ = n.ch.Close()
	_ = n.conn.Close()
	n.conn = nil
}

func (n *Notifier) forward(events <-chan bus.Event) {
	for {
		select {
		case evt := <-events:
			n.publish(evt)
		case <-n.done:
			return
		}
	}
}

// publish sends one event with the event kind as routing key, so consumers
// bind with patterns like "item.#" or "receipt.#".
func (n *Notifier) publish(evt bus.Event) {
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		n.logger.Warn("failed to encode event", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	err = n.ch.Publish(n.cfg.AMQPExchange, evt.Kind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		n.logger.Warn("failed to publish event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}
