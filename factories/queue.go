// Package factories builds shared infrastructure clients. The queue
// factory manages the AMQP connection used to publish course events to
// downstream consumers (certificate generation, analytics).
package factories

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

var (
	ErrFailedToCreateChannel = fmt.Errorf("unable to create channel")
	ErrFailedToPublish       = fmt.Errorf("unable to publish message")
)

// QueueFactory owns one AMQP connection, a shared publish channel, and
// any consumer channels, re-established after a connection loss.
type QueueFactory struct {
	amqpConn  *amqp.Connection
	txChannel *amqp.Channel

	rxChannels sync.Map

	amqpConnectionString string
	tlsConfig            *tls.Config
}

type consumer struct {
	queueName    string
	consumerName string
	handler      Handler
	channel      *amqp.Channel
}

// QueueMessage is one message to publish.
type QueueMessage struct {
	RoutingKey string
	Exchange   string
	Type       string
	Data       []byte
	Mandatory  bool
	ReplyTo    string
	Expiration string
}

// NewQueueInstance connects to the broker at the given connection
// string (amqp:// or amqps://).
func NewQueueInstance(connectionString string, options ...func(*QueueFactory)) (*QueueFactory, error) {
	queueInstance := &QueueFactory{
		amqpConnectionString: connectionString,
	}

	for _, option := range options {
		option(queueInstance)
	}
	err := queueInstance.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp connection: %v", err)
	}

	return queueInstance, nil
}

// WithTLSConfig loads a client certificate pair and CA bundle for a
// mutual-TLS broker connection and switches the scheme to amqps.
func WithTLSConfig(clientCertPath, clientKeyPath, caCertPath string) func(*QueueFactory) {
	return func(qf *QueueFactory) {
		cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
		if err != nil {
			panic(err)
		}

		certPool, err := x509.SystemCertPool()
		if err != nil {
			panic(err)
		}

		rootcert, err := os.ReadFile(caCertPath)
		if err != nil {
			panic(err)
		}
		certPool.AppendCertsFromPEM(rootcert)

		qf.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      certPool,
		}
		qf.amqpConnectionString = strings.Replace(qf.amqpConnectionString, "amqp://", "amqps://", 1)
	}
}

func (factory *QueueFactory) connect() error {
	otelzap.L().Sugar().Debugf("connecting to: %v", factory.amqpConnectionString)
	var amqpConnection *amqp.Connection
	var err error
	if factory.tlsConfig == nil {
		amqpConnection, err = amqp.Dial(factory.amqpConnectionString)
	} else {
		amqpConnection, err = amqp.DialTLS(factory.amqpConnectionString, factory.tlsConfig)
	}
	if err != nil {
		return fmt.Errorf("unable to establish amqp connection: %v", err)
	}

	errChan := amqpConnection.NotifyClose(make(chan *amqp.Error))
	go func() {
		err, open := <-errChan
		if err != nil {
			otelzap.L().Sugar().Errorf("amqp connection closed with error: %v", err)
		}
		if !open {
			otelzap.L().Sugar().Warn("amqp connection closed, attempting to reconnect")
			if err := factory.connect(); err != nil {
				otelzap.L().Sugar().Errorf("unable to reconnect to amqp: %v", err)
				return
			}
			// after reconnecting, re-establish all the consumers
			factory.rxChannels.Range(
				func(key, value interface{}) bool {
					consumer, ok := value.(consumer)
					if !ok {
						otelzap.L().Sugar().Error("failed to convert value to consumer", "value", value)
						return false
					}
					if err := factory.Consume(context.Background(), consumer.queueName, consumer.consumerName, consumer.handler); err != nil {
						otelzap.L().Sugar().Errorf("unable to re-establish consumer: %v", err)
					}
					return true
				},
			)
		}
	}()
	factory.amqpConn = amqpConnection
	return nil
}

func (factory *QueueFactory) Close() error {
	factory.rxChannels.Range(
		func(key, value interface{}) bool {
			consumer, ok := value.(consumer)
			if !ok {
				return false
			}
			if err := consumer.channel.Close(); err != nil {
				otelzap.L().Sugar().Errorf("unable to close channel: %v", err)
			}
			return true
		},
	)

	if factory.amqpConn != nil {
		if factory.txChannel != nil {
			if err := factory.txChannel.Close(); err != nil {
				return fmt.Errorf("unable to close channel: %v", err)
			}
		}
		return factory.amqpConn.Close()
	}
	return nil
}

func (factory *QueueFactory) NewTxChannel() (*amqp.Channel, error) {
	var err error
	factory.txChannel, err = factory.amqpConn.Channel()
	if err != nil {
		return nil, errors.Join(ErrFailedToCreateChannel, err)
	}
	return factory.txChannel, nil
}

func (factory *QueueFactory) NewRxChannel() (*amqp.Channel, error) {
	return factory.amqpConn.Channel()
}

// Handler processes one delivered message.
type Handler func(amqp.Delivery) (context.Context, error)

// Consume starts a consumer on queueName dispatching to handler. Nacked
// messages are requeued.
func (factory *QueueFactory) Consume(ctx context.Context, queueName string, consumerName string, handler Handler) error {
	channel, err := factory.NewRxChannel()
	if err != nil {
		return err
	}

	factory.rxChannels.Store(queueName, consumer{queueName, consumerName, handler, channel})

	msgs, err := channel.ConsumeWithContext(ctx,
		queueName,
		consumerName,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgs {
			ctx, err := handler(msg)
			if err != nil {
				otelzap.L().Sugar().ErrorfContext(ctx, "failed to process message: %v", err)
				if err := channel.Nack(msg.DeliveryTag, false, true); err != nil {
					otelzap.L().Sugar().ErrorfContext(ctx, "unable to nack message: %v", err)
				}
				continue
			}
			if err := msg.Ack(false); err != nil {
				otelzap.L().Sugar().ErrorfContext(ctx, "unable to ack message: %v", err)
			}
		}
	}()
	return nil
}

// PublishMessage publishes message, recreating the publish channel
// once if the broker closed it.
func (factory *QueueFactory) PublishMessage(message QueueMessage) error {
	if factory.txChannel == nil {
		_, err := factory.NewTxChannel()
		if err != nil {
			return err
		}
	}

	var errCount int

publish:
	publishing := amqp.Publishing{
		ContentType: "application/json",
		Body:        message.Data,
		Type:        message.Type,
		ReplyTo:     message.ReplyTo,
	}

	if message.Expiration != "" {
		publishing.Expiration = message.Expiration
	}

	err := factory.txChannel.Publish(
		message.Exchange,
		message.RoutingKey,
		message.Mandatory,

		// immediate delivery is not implemented on rabbitmq 3.x and later
		false,
		publishing,
	)
	if err != nil {
		errCount++
		if errors.Is(err, amqp.ErrClosed) {
			if errCount > 2 {
				return ErrFailedToPublish
			}
			// create a new channel and retry
			if _, err := factory.NewTxChannel(); err != nil {
				return err
			}
			goto publish
		}
		return errors.Join(ErrFailedToPublish, err)
	}
	return nil
}
