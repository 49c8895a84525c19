package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// ErrConsumerLost is returned by Receive when the broker closed the consumer under it.
// The next Receive subscribes again, redialling the broker if needed.
var ErrConsumerLost = errors.New("amqp consumer was lost")

// receiveCountHeader carries the receives a message had before it was parked in a delay queue
const receiveCountHeader = "x-courier-receive-count"

// AMQPQueue maps a logical queue onto a RabbitMQ quorum queue. The broker counts
// redeliveries and dead-letters a message once the delivery limit is exceeded.
// Visibility is emulated: a received delivery is held un-acked and nacked back to the
// queue when its visibility timer fires. Backoffs and delayed enqueues go through
// per-delay queues whose expired messages are dead-lettered back to the main queue.
type AMQPQueue struct {
	name     string
	prefix   string
	broker   *Broker
	opts     Options
	prefetch int

	pubMu  sync.Mutex
	pubCh  *amqp.Channel
	delays map[int64]bool

	consumeMu  sync.Mutex
	consumeCh  *amqp.Channel
	deliveries <-chan amqp.Delivery

	mu     sync.Mutex
	held   map[string]*heldDelivery
	closed bool
}

type heldDelivery struct {
	delivery     amqp.Delivery
	receiveCount int
	timer        *time.Timer
}

// NewAMQPQueue declares the queue topology and returns the queue
func NewAMQPQueue(broker *Broker, prefix, name string, prefetch int, opts Options) (*AMQPQueue, error) {
	opts = opts.withDefaults()
	if prefetch <= 0 {
		prefetch = 50
	}

	ch, err := broker.Channel()
	if err != nil {
		return nil, err
	}

	q := &AMQPQueue{
		name:     name,
		prefix:   prefix,
		broker:   broker,
		opts:     opts,
		prefetch: prefetch,
		pubCh:    ch,
		delays:   make(map[int64]bool),
		held:     make(map[string]*heldDelivery),
	}
	if err := q.declare(ch); err != nil {
		ch.Close()
		return nil, err
	}

	return q, nil
}

func (q *AMQPQueue) queueName() string          { return amqpName(q.prefix, q.name) }
func (q *AMQPQueue) deadLetterQueue() string    { return amqpName(q.prefix, q.name) + ".dlq" }
func (q *AMQPQueue) deadLetterExchange() string { return amqpName(q.prefix, q.name) + ".dlx" }

func (q *AMQPQueue) delayQueue(ttlMillis int64) string {
	return fmt.Sprintf("%s.delay.%d", q.queueName(), ttlMillis)
}

func amqpName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// mainQueueArgs returns the declaration arguments of the main queue. A message is
// dead-lettered when it is returned more than maxReceiveCount-1 times, so it is
// delivered at most maxReceiveCount times.
func mainQueueArgs(deadLetterExchange string, maxReceiveCount int) amqp.Table {
	return amqp.Table{
		"x-queue-type":           "quorum",
		"x-delivery-limit":       int32(max(maxReceiveCount-1, 0)),
		"x-dead-letter-exchange": deadLetterExchange,
		"x-dead-letter-strategy": "at-least-once",
		"x-overflow":             "reject-publish",
	}
}

// delayQueueArgs returns the arguments of a delay queue: every message expires after
// ttlMillis and is routed back to target through the default exchange
func delayQueueArgs(target string, ttlMillis int64) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             ttlMillis,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	}
}

func (q *AMQPQueue) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(q.deadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange of %s: %w", q.name, err)
	}
	if _, err := ch.QueueDeclare(q.deadLetterQueue(), true, false, false, false, amqp.Table{"x-queue-type": "quorum"}); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue of %s: %w", q.name, err)
	}
	if err := ch.QueueBind(q.deadLetterQueue(), "", q.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue of %s: %w", q.name, err)
	}
	if _, err := ch.QueueDeclare(q.queueName(), true, false, false, false, mainQueueArgs(q.deadLetterExchange(), q.opts.MaxReceiveCount)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
	}
	return nil
}

func (q *AMQPQueue) Name() string { return q.name }

func (q *AMQPQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// amqpPriority maps "lower is more urgent" onto the broker's 0..9 "higher is more urgent" scale
func amqpPriority(p int) uint8 {
	p = min(max(p, 0), 9)
	return uint8(9 - p)
}

func headerInt(headers amqp.Table, key string) (int, bool) {
	switch n := headers[key].(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// receiveCountFromHeaders derives how many times a delivery has been received, including this one
func receiveCountFromHeaders(headers amqp.Table, redelivered bool) int {
	prior, _ := headerInt(headers, receiveCountHeader)
	if n, ok := headerInt(headers, "x-delivery-count"); ok {
		return prior + n + 1
	}
	if redelivered {
		return prior + 2
	}
	return prior + 1
}

// publisher returns the publishing channel, reopening it after a drop. Callers hold pubMu.
func (q *AMQPQueue) publisher() (*amqp.Channel, error) {
	if q.pubCh != nil {
		return q.pubCh, nil
	}
	ch, err := q.broker.Channel()
	if err != nil {
		return nil, err
	}
	q.pubCh = ch
	q.delays = make(map[int64]bool)
	return ch, nil
}

// routeFor returns the queue a message published with delay goes to, declaring its delay queue on first use
func (q *AMQPQueue) routeFor(ch *amqp.Channel, delay time.Duration) (string, error) {
	ttl := delay.Milliseconds()
	if ttl <= 0 {
		return q.queueName(), nil
	}

	name := q.delayQueue(ttl)
	if !q.delays[ttl] {
		if _, err := ch.QueueDeclare(name, true, false, false, false, delayQueueArgs(q.queueName(), ttl)); err != nil {
			return "", fmt.Errorf("failed to declare delay queue %s: %w", name, err)
		}
		q.delays[ttl] = true
	}
	return name, nil
}

func (q *AMQPQueue) publishOn(ch *amqp.Channel, delay time.Duration, msg amqp.Publishing) error {
	route, err := q.routeFor(ch, delay)
	if err != nil {
		return err
	}
	return ch.Publish("", route, false, false, msg)
}

// publish sends msg to the main queue, or through a delay queue when delay is positive
func (q *AMQPQueue) publish(ctx context.Context, delay time.Duration, msg amqp.Publishing) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	msg.ContentType = "application/json"
	msg.DeliveryMode = amqp.Persistent

	ch, err := q.publisher()
	if err != nil {
		return err
	}
	err = q.publishOn(ch, delay, msg)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	// the channel died since the last publish: retry once on a fresh one
	q.pubCh = nil
	if ch, err = q.publisher(); err != nil {
		return err
	}
	return q.publishOn(ch, delay, msg)
}

// Enqueue publishes payload as a persistent JSON message
func (q *AMQPQueue) Enqueue(ctx context.Context, payload any, opts EnqueueOptions) (string, error) {
	if q.isClosed() {
		return "", ErrQueueClosed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", q.name, err)
	}

	id := uuid.NewString()
	err = q.publish(ctx, opts.Delay, amqp.Publishing{
		MessageId: id,
		Priority:  amqpPriority(opts.Priority),
		Timestamp: time.Now().UTC(),
		Body:      body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", q.name, err)
	}

	middleware.ObserveQueueOp(q.name, "enqueue", 1)
	return id, nil
}

func (q *AMQPQueue) consumer() (<-chan amqp.Delivery, error) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}

	ch, err := q.broker.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queueName(), "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", q.name, err)
	}
	q.consumeCh = ch
	q.deliveries = deliveries
	return deliveries, nil
}

// closedDeliveriesErr classifies a closed delivery channel: after Close the receiver
// stops, otherwise the channel was lost and the receiver comes back for a new consumer
func closedDeliveriesErr(closing bool) error {
	if closing {
		return ErrQueueClosed
	}
	return ErrConsumerLost
}

// consumerClosed handles a delivery channel that closed under a receiver
func (q *AMQPQueue) consumerClosed(deliveries <-chan amqp.Delivery) error {
	err := closedDeliveriesErr(q.isClosed())
	if errors.Is(err, ErrConsumerLost) {
		q.dropConsumer(deliveries)
	}
	return err
}

// dropConsumer forgets a lost consumer. Deliveries held from its channel can no longer be
// acked; the broker redelivers them.
func (q *AMQPQueue) dropConsumer(lost <-chan amqp.Delivery) {
	q.consumeMu.Lock()
	current := q.deliveries == lost
	if current {
		if q.consumeCh != nil {
			_ = q.consumeCh.Close()
		}
		q.consumeCh = nil
		q.deliveries = nil
	}
	q.consumeMu.Unlock()
	if !current {
		// another receiver already dropped it
		return
	}

	q.mu.Lock()
	held := q.held
	q.held = make(map[string]*heldDelivery)
	q.mu.Unlock()

	for _, h := range held {
		h.timer.Stop()
	}
	middleware.ObserveQueueOp(q.name, "consumer_lost", 1)
}

// Receive takes up to max deliveries from the consumer, waiting up to the long-poll
// wait for the first one
func (q *AMQPQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Item, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	deliveries, err := q.consumer()
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	var out []Item
	timer := time.NewTimer(q.opts.LongPollWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return nil, q.consumerClosed(deliveries)
		}
		out = q.accept(out, d, visibility)
	case <-timer.C:
		return nil, nil
	}

	for len(out) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, q.consumerClosed(deliveries)
			}
			out = q.accept(out, d, visibility)
		default:
			middleware.ObserveQueueOp(q.name, "receive", len(out))
			return out, nil
		}
	}

	middleware.ObserveQueueOp(q.name, "receive", len(out))
	return out, nil
}

// accept holds d for the receiver. A message already received MaxReceiveCount times is
// rejected instead, which dead-letters it.
func (q *AMQPQueue) accept(out []Item, d amqp.Delivery, visibility time.Duration) []Item {
	count := receiveCountFromHeaders(d.Headers, d.Redelivered)
	if count > q.opts.MaxReceiveCount {
		_ = d.Nack(false, false)
		middleware.ObserveQueueOp(q.name, "dead_letter", 1)
		return out
	}
	return append(out, q.hold(d, count, visibility))
}

func (q *AMQPQueue) hold(d amqp.Delivery, receiveCount int, visibility time.Duration) Item {
	receipt := uuid.NewString()
	h := &heldDelivery{delivery: d, receiveCount: receiveCount}

	q.mu.Lock()
	q.held[receipt] = h
	h.timer = time.AfterFunc(visibility, func() { q.release(receipt) })
	q.mu.Unlock()

	return Item{
		ID:            d.MessageId,
		Queue:         q.name,
		Payload:       json.RawMessage(d.Body),
		Priority:      9 - int(d.Priority),
		ReceiveCount:  receiveCount,
		EnqueuedAt:    d.Timestamp,
		VisibleAt:     time.Now().Add(visibility),
		ReceiptHandle: receipt,
	}
}

// release returns a held delivery to the broker, which dead-letters it past the delivery limit
func (q *AMQPQueue) release(receipt string) {
	q.mu.Lock()
	h, ok := q.held[receipt]
	delete(q.held, receipt)
	q.mu.Unlock()

	if ok {
		_ = h.delivery.Nack(false, true)
	}
}

func (q *AMQPQueue) take(receipt string) (*heldDelivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.held[receipt]
	if ok {
		delete(q.held, receipt)
		h.timer.Stop()
	}
	return h, ok
}

// Ack acknowledges a held delivery
func (q *AMQPQueue) Ack(ctx context.Context, receiptHandle string) error {
	h, ok := q.take(receiptHandle)
	if !ok {
		return ErrReceiptHandleInvalid
	}
	if err := h.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack %s delivery: %w", q.name, err)
	}
	middleware.ObserveQueueOp(q.name, "ack", 1)
	return nil
}

// Extend re-arms the release timer of a held delivery
func (q *AMQPQueue) Extend(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.held[receiptHandle]
	if !ok {
		return ErrReceiptHandleInvalid
	}
	h.timer.Reset(timeout)
	return nil
}

// ChangeVisibility hands a held delivery back. A positive timeout parks a copy in the
// delay queue for that timeout and acks the original, so the prefetch slot is freed
// while the message waits.
func (q *AMQPQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	h, ok := q.take(receiptHandle)
	if !ok {
		return ErrReceiptHandleInvalid
	}
	d := h.delivery

	if timeout.Milliseconds() <= 0 {
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("failed to return %s delivery: %w", q.name, err)
		}
		middleware.ObserveQueueOp(q.name, "retry", 1)
		return nil
	}

	err := q.publish(ctx, timeout, amqp.Publishing{
		Headers:   amqp.Table{receiveCountHeader: int32(h.receiveCount)},
		MessageId: d.MessageId,
		Priority:  d.Priority,
		Timestamp: d.Timestamp,
		Body:      d.Body,
	})
	if err != nil {
		_ = d.Nack(false, true)
		return fmt.Errorf("failed to delay %s delivery: %w", q.name, err)
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delayed %s delivery: %w", q.name, err)
	}

	middleware.ObserveQueueOp(q.name, "retry", 1)
	return nil
}

// drainDeadLetters pulls up to limit messages from the dead-letter queue without acking them
func (q *AMQPQueue) drainDeadLetters(ch *amqp.Channel, limit int) ([]amqp.Delivery, error) {
	var out []amqp.Delivery
	for limit <= 0 || len(out) < limit {
		d, ok, err := ch.Get(q.deadLetterQueue(), false)
		if err != nil {
			return out, fmt.Errorf("failed to read dead letters of %s: %w", q.name, err)
		}
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

// DeadLetters peeks at the dead-letter queue; the messages are returned to it afterwards
func (q *AMQPQueue) DeadLetters(ctx context.Context, limit int) ([]Item, error) {
	ch, err := q.broker.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	deliveries, err := q.drainDeadLetters(ch, limit)
	items := make([]Item, 0, len(deliveries))
	for _, d := range deliveries {
		items = append(items, Item{
			ID:           d.MessageId,
			Queue:        q.name,
			Payload:      json.RawMessage(d.Body),
			Priority:     9 - int(d.Priority),
			ReceiveCount: receiveCountFromHeaders(d.Headers, d.Redelivered),
			EnqueuedAt:   d.Timestamp,
		})
		_ = d.Nack(false, true)
	}
	return items, err
}

// DeadLetterCount returns the number of ready messages in the dead-letter queue
func (q *AMQPQueue) DeadLetterCount(ctx context.Context) (int, error) {
	ch, err := q.broker.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	state, err := ch.QueueInspect(q.deadLetterQueue())
	if err != nil {
		return 0, fmt.Errorf("failed to inspect dead letters of %s: %w", q.name, err)
	}
	return state.Messages, nil
}

// Redrive republishes dead letters to the main queue with a fresh delivery count
func (q *AMQPQueue) Redrive(ctx context.Context, ids []string, limit int) (int, error) {
	ch, err := q.broker.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	drainLimit := limit
	if len(ids) > 0 {
		drainLimit = 0
	}
	deliveries, err := q.drainDeadLetters(ch, drainLimit)
	if err != nil {
		for _, d := range deliveries {
			_ = d.Nack(false, true)
		}
		return 0, err
	}

	moved := 0
	for _, d := range deliveries {
		if len(ids) > 0 && !slices.Contains(ids, d.MessageId) {
			_ = d.Nack(false, true)
			continue
		}
		err := q.publish(ctx, 0, amqp.Publishing{
			MessageId: d.MessageId,
			Priority:  d.Priority,
			Timestamp: d.Timestamp,
			Body:      d.Body,
		})
		if err != nil {
			_ = d.Nack(false, true)
			continue
		}
		if err := d.Ack(false); err == nil {
			moved++
		}
	}

	middleware.ObserveQueueOp(q.name, "redrive", moved)
	return moved, nil
}

// Close returns held deliveries and closes the channels. The broker connection is closed by its owner.
func (q *AMQPQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	held := q.held
	q.held = make(map[string]*heldDelivery)
	q.mu.Unlock()

	for _, h := range held {
		h.timer.Stop()
		_ = h.delivery.Nack(false, true)
	}

	q.consumeMu.Lock()
	if q.consumeCh != nil {
		q.consumeCh.Close()
	}
	q.consumeMu.Unlock()

	q.pubMu.Lock()
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	q.pubMu.Unlock()
}
