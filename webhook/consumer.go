package webhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/micromdm/nanolib/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer drains course completion events from the queue and delivers
// them to the certificate API, so completions published by other
// services are forwarded too. Delivery is HTTP-only: consumed events
// are never republished.
type Consumer struct {
	forwarder *Forwarder
	logger    log.Logger
}

// NewConsumer wraps forwarder for queue consumption.
func NewConsumer(forwarder *Forwarder, logger log.Logger) *Consumer {
	if logger == nil {
		logger = log.NopLogger
	}
	return &Consumer{forwarder: forwarder, logger: logger}
}

// Handle processes one queued delivery. An error nacks and requeues
// the message.
func (c *Consumer) Handle(msg amqp.Delivery) (context.Context, error) {
	ctx := context.Background()

	var ev Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return ctx, err
	}
	if ev.CourseCompleted == nil || ev.CourseCompleted.Username == "" || ev.CourseCompleted.CourseID == "" {
		return ctx, errors.New("queued completion event missing username or courseId")
	}

	if err := c.forwarder.Deliver(ctx, msg.Body); err != nil {
		return ctx, err
	}
	c.logger.Debug(
		"msg", "queued course completion forwarded",
		"username", ev.CourseCompleted.Username,
		"course_id", ev.CourseCompleted.CourseID,
	)
	return ctx, nil
}
