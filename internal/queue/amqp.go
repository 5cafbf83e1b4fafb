package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPOptions configures an AMQPBroker.
type AMQPOptions struct {
	Queue string
	// DeadLetterExchange receives rejected tasks when set.
	DeadLetterExchange string
	// Prefetch bounds unacked deliveries held by this process.
	Prefetch int
	// ReleaseDelay is how long a released delivery is held before it is requeued.
	ReleaseDelay time.Duration
	// PublishOnly skips registering a consumer. Processes that only enqueue
	// must set it, or RabbitMQ would hand them deliveries nobody dequeues.
	PublishOnly bool
}

// AMQPBroker is a Broker on a durable RabbitMQ queue. Publishing waits for the
// broker confirm; consuming uses manual acks, so deliveries of a dead consumer
// are requeued by RabbitMQ when its channel closes.
type AMQPBroker struct {
	conn *amqp.Connection
	opts AMQPOptions

	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	confirms chan amqp.Confirmation

	consCh     *amqp.Channel
	deliveries <-chan amqp.Delivery

	closeOnce sync.Once
}

// DialAMQP connects to RabbitMQ, declares the queue and starts consuming.
func DialAMQP(url string, opts AMQPOptions) (*AMQPBroker, error) {
	if opts.Queue == "" {
		return nil, errors.New("amqp broker: queue name is required")
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = 30 * time.Second
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	b := &AMQPBroker{conn: conn, opts: opts}
	if err := b.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) setup() error {
	pubCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}

	var args amqp.Table
	if b.opts.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": b.opts.DeadLetterExchange}
	}
	if _, err := pubCh.QueueDeclare(
		b.opts.Queue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		args,
	); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := pubCh.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pubCh = pubCh
	b.confirms = pubCh.NotifyPublish(make(chan amqp.Confirmation, 1))

	if b.opts.PublishOnly {
		return nil
	}

	consCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := consCh.Qos(b.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := consCh.Consume(
		b.opts.Queue,
		"",    // consumer tag, generated
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	b.consCh = consCh
	b.deliveries = deliveries
	return nil
}

func (b *AMQPBroker) Enqueue(ctx context.Context, task Task) error {
	body, err := task.Encode()
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.conn.IsClosed() {
		return ErrClosed
	}

	err = b.pubCh.PublishWithContext(ctx,
		"",           // default exchange
		b.opts.Queue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    task.JobID.String(),
			Type:         string(task.Kind),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish task: %w", err)
	}

	select {
	case confirmed, ok := <-b.confirms:
		if !ok {
			return ErrClosed
		}
		if !confirmed.Ack {
			return errors.New("publish task: broker nacked the message")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish task: waiting for confirm: %w", ctx.Err())
	}
}

func (b *AMQPBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	if b.deliveries == nil {
		return nil, errors.New("amqp broker: publish-only broker cannot dequeue")
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-b.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			task, err := DecodeTask(msg.Body)
			if err != nil {
				slog.Warn("dropping malformed task", "queue", b.opts.Queue, "error", err)
				_ = msg.Nack(false, false)
				continue
			}
			return &Delivery{
				ID:          fmt.Sprintf("%d", msg.DeliveryTag),
				Task:        task,
				Redelivered: msg.Redelivered,
				raw:         msg,
			}, nil
		}
	}
}

func amqpDelivery(d *Delivery) (amqp.Delivery, error) {
	msg, ok := d.raw.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("delivery %s does not belong to this broker", d.ID)
	}
	return msg, nil
}

func (b *AMQPBroker) Ack(_ context.Context, d *Delivery) error {
	msg, err := amqpDelivery(d)
	if err != nil {
		return err
	}
	return msg.Ack(false)
}

// Reject nacks without requeue; RabbitMQ routes the message to the dead-letter
// exchange when one is configured on the queue.
func (b *AMQPBroker) Reject(_ context.Context, d *Delivery, reason string) error {
	msg, err := amqpDelivery(d)
	if err != nil {
		return err
	}
	slog.Warn("rejecting task", "job_id", d.Task.JobID, "kind", d.Task.Kind, "reason", reason)
	return msg.Nack(false, false)
}

// Release requeues the delivery after ReleaseDelay so it is not handed straight
// back to the same busy job.
func (b *AMQPBroker) Release(_ context.Context, d *Delivery) error {
	msg, err := amqpDelivery(d)
	if err != nil {
		return err
	}
	time.AfterFunc(b.opts.ReleaseDelay, func() {
		if err := msg.Nack(false, true); err != nil {
			slog.Warn("requeue released task", "job_id", d.Task.JobID, "error", err)
		}
	})
	return nil
}

func (b *AMQPBroker) Ping(_ context.Context) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *AMQPBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.consCh != nil {
			_ = b.consCh.Close()
		}
		if b.pubCh != nil {
			_ = b.pubCh.Close()
		}
		err = b.conn.Close()
	})
	return err
}

var _ Broker = (*AMQPBroker)(nil)
