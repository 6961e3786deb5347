package main

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// eventPublisher pushes session lifecycle events to a RabbitMQ queue for
// external consumers. Publishing is best effort: the session must keep
// running when the broker is down.
type eventPublisher struct {
	url     string
	conn    *amqp.Connection
	channel *amqp.Channel
}

func newEventPublisher(url string) (*eventPublisher, error) {
	p := &eventPublisher{url: url}
	if err := p.dial(); err != nil {
		return nil, err
	}
	log.Info().Str("queue", sessionEventQueue).Msg("RabbitMQ event publishing enabled")
	return p, nil
}

func (p *eventPublisher) dial() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := ch.QueueDeclare(sessionEventQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	p.conn = conn
	p.channel = ch
	return nil
}

// Publish sends one lifecycle event. Nil receivers are allowed so callers
// do not have to branch on whether the feature is configured.
func (p *eventPublisher) Publish(event string, fields map[string]interface{}) {
	if p == nil {
		return
	}
	body := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal session event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.channel.PublishWithContext(ctx, "", sessionEventQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("Publish failed, redialing broker")
		if derr := p.dial(); derr != nil {
			log.Warn().Err(derr).Msg("RabbitMQ redial failed, event dropped")
			return
		}
		if err := p.channel.PublishWithContext(ctx, "", sessionEventQueue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         payload,
		}); err != nil {
			log.Warn().Err(err).Str("event", event).Msg("Event dropped after redial")
		}
	}
}

func (p *eventPublisher) Close() {
	if p == nil {
		return
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
