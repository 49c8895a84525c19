// Package queue provides at-least-once work queues with visibility timeouts and dead-lettering
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReceiptHandleInvalid is returned when a receipt handle is unknown or was superseded by a redelivery
	ErrReceiptHandleInvalid = errors.New("receipt handle is invalid or expired")
	// ErrQueueClosed is returned by operations on a closed queue
	ErrQueueClosed = errors.New("queue is closed")
)

// Item is a received queue envelope
type Item struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	ReceiveCount  int             `json:"receive_count"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	VisibleAt     time.Time       `json:"visible_at"`
	ReceiptHandle string          `json:"-"`
}

// Decode unmarshals the payload into v
func (i Item) Decode(v any) error {
	if err := json.Unmarshal(i.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s item %s: %w", i.Queue, i.ID, err)
	}
	return nil
}

// EnqueueOptions tune a single enqueue. Lower priority values are received first.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// Options configure a queue backend
type Options struct {
	MaxReceiveCount int
	LongPollWait    time.Duration
	// PollInterval bounds how long a long-polling receiver sleeps between scans
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxReceiveCount <= 0 {
		o.MaxReceiveCount = 5
	}
	if o.LongPollWait < 0 {
		o.LongPollWait = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	return o
}

// Queue is one logical queue together with its dead-letter queue.
//
// An item received but not acked becomes receivable again once its visibility timeout
// elapses. An item that was received MaxReceiveCount times and whose visibility
// elapses again is moved to the dead-letter queue and never returns on its own.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, payload any, opts EnqueueOptions) (string, error)
	// Receive returns up to max visible items, blocking up to the long-poll wait when none are ready
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Item, error)
	Ack(ctx context.Context, receiptHandle string) error
	// Extend renews the lease of an item that is still being worked on. It fails with
	// ErrReceiptHandleInvalid once the item was handed to another receiver.
	Extend(ctx context.Context, receiptHandle string, timeout time.Duration) error
	// ChangeVisibility gives up the lease; the item becomes receivable again after timeout
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
	DeadLetters(ctx context.Context, limit int) ([]Item, error)
	// Redrive moves dead letters back to the main queue with a fresh receive count.
	// Empty ids moves up to limit items, oldest first.
	Redrive(ctx context.Context, ids []string, limit int) (int, error)
	DeadLetterCount(ctx context.Context) (int, error)
}

// Set groups the three logical queues of the engine
type Set struct {
	Inbound   Queue
	Outbound  Queue
	Analytics Queue
}

// ByName returns the queue with the given name
func (s Set) ByName(name string) (Queue, bool) {
	for _, q := range s.All() {
		if q != nil && q.Name() == name {
			return q, true
		}
	}
	return nil, false
}

// All returns the configured queues
func (s Set) All() []Queue {
	out := make([]Queue, 0, 3)
	for _, q := range []Queue{s.Inbound, s.Outbound, s.Analytics} {
		if q != nil {
			out = append(out, q)
		}
	}
	return out
}

// Backoff returns the visibility to apply after the receiveCount-th failed attempt:
// base * 2^(receiveCount-1), capped at max
func Backoff(base, max time.Duration, receiveCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if receiveCount < 1 {
		receiveCount = 1
	}
	d := base
	for i := 1; i < receiveCount; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
