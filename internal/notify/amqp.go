package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/moments-app/backend/internal/models"
	"github.com/streadway/amqp"
)

const defaultBuffer = 256

// AMQPEmitter publishes notifications to a durable RabbitMQ queue from a single
// background goroutine. When the buffer is full the notification is dropped and
// logged so callers are never blocked.
type AMQPEmitter struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	publish func(models.Notification) error

	mu     sync.Mutex
	closed bool
	buf    chan models.Notification
	wg     sync.WaitGroup
}

// DialAMQP connects to RabbitMQ, declares queueName and starts the publisher.
func DialAMQP(url, queueName string, buffer int) (*AMQPEmitter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	publish := func(n models.Notification) error {
		body, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return ch.Publish("", q.Name, false, false, amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    n.ID,
			Type:         string(n.Type),
			Timestamp:    n.OccurredAt,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	}

	e := newAMQPEmitter(publish, buffer)
	e.conn = conn
	e.ch = ch
	return e, nil
}

func newAMQPEmitter(publish func(models.Notification) error, buffer int) *AMQPEmitter {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	e := &AMQPEmitter{
		publish: publish,
		buf:     make(chan models.Notification, buffer),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *AMQPEmitter) Notify(ctx context.Context, n models.Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		log.Printf("[notify] emitter closed, dropping %s", n.ID)
		return
	}
	select {
	case e.buf <- n:
	default:
		log.Printf("[notify] buffer full, dropping %s", n.ID)
	}
}

func (e *AMQPEmitter) run() {
	defer e.wg.Done()
	for n := range e.buf {
		if err := e.publish(n); err != nil {
			log.Printf("[notify] failed to publish %s: %v", n.ID, err)
		}
	}
}

// Close drains buffered notifications and closes the broker connection.
func (e *AMQPEmitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.buf)
	e.mu.Unlock()

	e.wg.Wait()

	var errs []error
	if e.ch != nil {
		errs = append(errs, e.ch.Close())
	}
	if e.conn != nil {
		errs = append(errs, e.conn.Close())
	}
	return errors.Join(errs...)
}
