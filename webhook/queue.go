package webhook

import "github.com/SuriyaPasupathi/edx-mfe/factories"

// QueuePublisher adapts the AMQP queue factory to the [Publisher]
// interface.
type QueuePublisher struct {
	factory    *factories.QueueFactory
	exchange   string
	routingKey string
}

// NewQueuePublisher publishes events through factory to the given
// exchange and routing key.
func NewQueuePublisher(factory *factories.QueueFactory, exchange, routingKey string) *QueuePublisher {
	return &QueuePublisher{
		factory:    factory,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

// Publish sends one event payload.
func (q *QueuePublisher) Publish(eventType string, body []byte) error {
	return q.factory.PublishMessage(factories.QueueMessage{
		Exchange:   q.exchange,
		RoutingKey: q.routingKey,
		Type:       eventType,
		Data:       body,
	})
}
