package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	readyBucket      = "ready"
	deadLetterBucket = "dlq"
	// receiveScanFactor bounds how many visible rows one receive inspects per requested item
	receiveScanFactor = 4
)

// stormItem is the persisted envelope
type stormItem struct {
	ID           uint64 `storm:"id,increment"`
	Payload      []byte
	Priority     int   `storm:"index"`
	ReceiveCount int
	EnqueuedAt   int64
	VisibleAt    int64  `storm:"index"`
	Receipt      string `storm:"index"`
}

func (s stormItem) toItem(queue string) Item {
	return Item{
		ID:            strconv.FormatUint(s.ID, 10),
		Queue:         queue,
		Payload:       json.RawMessage(s.Payload),
		Priority:      s.Priority,
		ReceiveCount:  s.ReceiveCount,
		EnqueuedAt:    time.Unix(0, s.EnqueuedAt).UTC(),
		VisibleAt:     time.Unix(0, s.VisibleAt).UTC(),
		ReceiptHandle: s.Receipt,
	}
}

// OpenStormDB opens the embedded queue database
func OpenStormDB(path string) (*storm.DB, error) {
	db, err := storm.Open(path, storm.BoltOptions(0600, &bolt.Options{Timeout: 10 * time.Second}))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database %s: %w", path, err)
	}
	return db, nil
}

// StormQueue is a durable queue stored in a bbolt file. Every mutation runs in a bolt
// write transaction, and bolt allows one writer at a time, so a receive claims its
// items atomically across all goroutines of the process.
type StormQueue struct {
	name string
	node storm.Node
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	notify chan struct{}
	closed bool
}

// NewStormQueue creates the named queue inside db
func NewStormQueue(db *storm.DB, name string, opts Options) (*StormQueue, error) {
	node := db.From("queues", name)
	for _, bucket := range []string{readyBucket, deadLetterBucket} {
		if err := node.From(bucket).Init(&stormItem{}); err != nil {
			return nil, fmt.Errorf("failed to init queue %s/%s: %w", name, bucket, err)
		}
	}

	return &StormQueue{
		name:   name,
		node:   node,
		opts:   opts.withDefaults(),
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}, nil
}

func (s *StormQueue) Name() string { return s.name }

// Close wakes blocked receivers; the database itself is closed by its owner
func (s *StormQueue) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notify)
	}
}

func (s *StormQueue) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StormQueue) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue stores payload as JSON
func (s *StormQueue) Enqueue(ctx context.Context, payload any, opts EnqueueOptions) (string, error) {
	if s.isClosed() {
		return "", ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", s.name, err)
	}

	now := s.now()
	item := &stormItem{
		Payload:    data,
		Priority:   opts.Priority,
		EnqueuedAt: now.UnixNano(),
		VisibleAt:  now.Add(opts.Delay).UnixNano(),
	}
	if err := s.node.From(readyBucket).Save(item); err != nil {
		return "", fmt.Errorf("failed to enqueue into %s: %w", s.name, err)
	}

	middleware.ObserveQueueOp(s.name, "enqueue", 1)
	s.wake()
	return strconv.FormatUint(item.ID, 10), nil
}

// Receive claims up to max visible items, long-polling when none are ready
func (s *StormQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Item, error) {
	if max <= 0 {
		max = 1
	}

	deadline := s.now().Add(s.opts.LongPollWait)
	for {
		if s.isClosed() {
			return nil, ErrQueueClosed
		}

		items, err := s.receiveOnce(max, visibility)
		if err != nil || len(items) > 0 {
			return items, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		wait = min(wait, s.opts.PollInterval)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *StormQueue) receiveOnce(max int, visibility time.Duration) ([]Item, error) {
	now := s.now()

	tx, err := s.node.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("failed to begin receive on %s: %w", s.name, err)
	}
	defer tx.Rollback()

	ready := tx.From(readyBucket)
	dlq := tx.From(deadLetterBucket)

	var candidates []stormItem
	err = ready.Select(q.Lte("VisibleAt", now.UnixNano())).
		OrderBy("Priority", "ID").
		Limit(max * receiveScanFactor).
		Find(&candidates)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, fmt.Errorf("failed to scan %s: %w", s.name, err)
	}

	var (
		out         []Item
		deadLetters int
	)
	for i := range candidates {
		c := candidates[i]
		if c.ReceiveCount >= s.opts.MaxReceiveCount {
			if err := ready.DeleteStruct(&c); err != nil {
				return nil, fmt.Errorf("failed to remove exhausted item from %s: %w", s.name, err)
			}
			c.ID = 0
			c.Receipt = ""
			if err := dlq.Save(&c); err != nil {
				return nil, fmt.Errorf("failed to dead-letter item of %s: %w", s.name, err)
			}
			deadLetters++
			continue
		}
		if len(out) == max {
			continue
		}

		c.ReceiveCount++
		c.VisibleAt = now.Add(visibility).UnixNano()
		c.Receipt = uuid.NewString()
		if err := ready.Update(&c); err != nil {
			return nil, fmt.Errorf("failed to claim item of %s: %w", s.name, err)
		}
		out = append(out, c.toItem(s.name))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receive on %s: %w", s.name, err)
	}

	middleware.ObserveQueueOp(s.name, "receive", len(out))
	middleware.ObserveQueueOp(s.name, "dead_letter", deadLetters)
	return out, nil
}

func (s *StormQueue) byReceipt(node storm.Node, receiptHandle string) (*stormItem, error) {
	if receiptHandle == "" {
		return nil, ErrReceiptHandleInvalid
	}
	var item stormItem
	err := node.One("Receipt", receiptHandle, &item)
	if err != nil {
		if errors.Is(err, storm.ErrNotFound) {
			return nil, ErrReceiptHandleInvalid
		}
		return nil, fmt.Errorf("failed to look up receipt on %s: %w", s.name, err)
	}
	return &item, nil
}

// Ack deletes the item received with receiptHandle
func (s *StormQueue) Ack(ctx context.Context, receiptHandle string) error {
	tx, err := s.node.Begin(true)
	if err != nil {
		return fmt.Errorf("failed to begin ack on %s: %w", s.name, err)
	}
	defer tx.Rollback()

	ready := tx.From(readyBucket)
	item, err := s.byReceipt(ready, receiptHandle)
	if err != nil {
		return err
	}
	if err := ready.DeleteStruct(item); err != nil {
		return fmt.Errorf("failed to ack item of %s: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack on %s: %w", s.name, err)
	}

	middleware.ObserveQueueOp(s.name, "ack", 1)
	return nil
}

// Extend pushes the visibility of a received item to timeout from now
func (s *StormQueue) Extend(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	return s.setVisibility(receiptHandle, timeout)
}

// ChangeVisibility hides the item for timeout from now
func (s *StormQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if err := s.setVisibility(receiptHandle, timeout); err != nil {
		return err
	}
	middleware.ObserveQueueOp(s.name, "retry", 1)
	if timeout <= 0 {
		s.wake()
	}
	return nil
}

// setVisibility fails for a receipt superseded by a later receive, so a worker whose lease
// lapsed cannot reclaim an item another worker now holds
func (s *StormQueue) setVisibility(receiptHandle string, timeout time.Duration) error {
	tx, err := s.node.Begin(true)
	if err != nil {
		return fmt.Errorf("failed to begin visibility change on %s: %w", s.name, err)
	}
	defer tx.Rollback()

	ready := tx.From(readyBucket)
	item, err := s.byReceipt(ready, receiptHandle)
	if err != nil {
		return err
	}
	item.VisibleAt = s.now().Add(timeout).UnixNano()
	if err := ready.Update(item); err != nil {
		return fmt.Errorf("failed to change visibility on %s: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit visibility change on %s: %w", s.name, err)
	}
	return nil
}

// DeadLetters lists dead-lettered items, oldest first
func (s *StormQueue) DeadLetters(ctx context.Context, limit int) ([]Item, error) {
	var rows []stormItem
	query := s.node.From(deadLetterBucket).Select().OrderBy("ID")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows); err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, fmt.Errorf("failed to list dead letters of %s: %w", s.name, err)
	}

	out := make([]Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toItem(s.name))
	}
	return out, nil
}

// DeadLetterCount returns the size of the dead-letter queue
func (s *StormQueue) DeadLetterCount(ctx context.Context) (int, error) {
	n, err := s.node.From(deadLetterBucket).Count(&stormItem{})
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters of %s: %w", s.name, err)
	}
	return n, nil
}

// Redrive moves dead letters back to the ready bucket
func (s *StormQueue) Redrive(ctx context.Context, ids []string, limit int) (int, error) {
	tx, err := s.node.Begin(true)
	if err != nil {
		return 0, fmt.Errorf("failed to begin redrive on %s: %w", s.name, err)
	}
	defer tx.Rollback()

	ready := tx.From(readyBucket)
	dlq := tx.From(deadLetterBucket)

	var rows []stormItem
	if len(ids) > 0 {
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				continue
			}
			var row stormItem
			if err := dlq.One("ID", id, &row); err != nil {
				if errors.Is(err, storm.ErrNotFound) {
					continue
				}
				return 0, fmt.Errorf("failed to load dead letter %s of %s: %w", raw, s.name, err)
			}
			rows = append(rows, row)
		}
	} else {
		query := dlq.Select().OrderBy("ID")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if err := query.Find(&rows); err != nil && !errors.Is(err, storm.ErrNotFound) {
			return 0, fmt.Errorf("failed to list dead letters of %s: %w", s.name, err)
		}
	}

	now := s.now().UnixNano()
	for i := range rows {
		row := rows[i]
		if err := dlq.DeleteStruct(&row); err != nil {
			return 0, fmt.Errorf("failed to remove dead letter of %s: %w", s.name, err)
		}
		row.ID = 0
		row.ReceiveCount = 0
		row.Receipt = ""
		row.VisibleAt = now
		if err := ready.Save(&row); err != nil {
			return 0, fmt.Errorf("failed to requeue dead letter of %s: %w", s.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit redrive on %s: %w", s.name, err)
	}

	middleware.ObserveQueueOp(s.name, "redrive", len(rows))
	if len(rows) > 0 {
		s.wake()
	}
	return len(rows), nil
}
