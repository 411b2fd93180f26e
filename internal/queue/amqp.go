package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// amqpChannel is the subset of *amqp.Channel the queue uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// AMQPQueue publishes to durable RabbitMQ queues named after the topic.
// Failed deliveries are republished with an incremented x-retry-count header
// until MaxRetries, then rejected.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         amqpChannel
	log        *zap.Logger
	MaxRetries int

	mu       sync.Mutex
	declared map[string]bool
	wg       sync.WaitGroup
}

// DialAMQP connects to the broker and opens a channel.
func DialAMQP(url string, maxRetries int, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q := newAMQPQueue(ch, maxRetries, log)
	q.conn = conn
	return q, nil
}

func newAMQPQueue(ch amqpChannel, maxRetries int, log *zap.Logger) *AMQPQueue {
	return &AMQPQueue{
		ch:         ch,
		log:        log,
		MaxRetries: maxRetries,
		declared:   make(map[string]bool),
	}
}

func (q *AMQPQueue) declare(topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[topic] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return q.publish(ctx, topic, body, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, topic string, body []byte, retries int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
}

// Subscribe starts a consumer goroutine for topic. Deliveries are acked
// manually after the handler returns.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	if err := q.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.handle(topic, d, handler)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler Handler) {
	ctx := context.Background()
	err := handler(ctx, d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	if IsPermanent(err) {
		q.log.Warn("⚠️ Job dropped", zap.String("topic", topic), zap.Error(err))
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if int(retries) >= q.MaxRetries {
		q.log.Error("❌ Job permanently failed",
			zap.String("topic", topic),
			zap.Int32("retries", retries),
			zap.Error(err))
		d.Reject(false)
		return
	}

	if perr := q.publish(ctx, topic, d.Body, retries+1); perr != nil {
		q.log.Error("❌ Failed to requeue job", zap.String("topic", topic), zap.Error(perr))
		d.Nack(false, true)
		return
	}
	q.log.Warn("⚠️ Job failed, requeued",
		zap.String("topic", topic),
		zap.Int32("attempt", retries+1),
		zap.Error(err))
	d.Ack(false)
}

func retryCount(headers amqp.Table) int32 {
	switch v := headers[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	default:
		return 0
	}
}

// Wait blocks until every consumer goroutine has exited, which happens once
// the channel is closed.
func (q *AMQPQueue) Wait() {
	q.wg.Wait()
}

func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ Broker = (*AMQPQueue)(nil)
