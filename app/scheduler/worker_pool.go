package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amirphl/whatsapp-courier/app/queue"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/sirupsen/logrus"
)

// receiveErrorPause keeps a worker from spinning while its queue is unreachable
const receiveErrorPause = time.Second

// itemHandler processes one received item. It owns the ack: an item it neither acks
// nor reschedules becomes visible again when its visibility elapses.
type itemHandler func(ctx context.Context, item queue.Item)

// workerPool runs n goroutines that receive from one queue and hand each item to handle.
//
// Items of a batch are handled one after another, so each item after the first has its
// lease renewed right before its turn. An item whose lease was already taken over by
// another receiver is skipped. Cancelling the pool stops receiving; the item being
// handled runs to completion, bounded by one visibility.
type workerPool struct {
	name       string
	queue      queue.Queue
	workers    int
	batchSize  int
	visibility time.Duration
	handle     itemHandler
	logger     *logrus.Logger
}

// start launches the pool and returns a stop function that waits for in-flight items
func (p *workerPool) start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup

	workers := max(p.workers, 1)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *workerPool) loop(ctx context.Context, id int) {
	batch := max(p.batchSize, 1)
	for {
		if ctx.Err() != nil {
			return
		}

		items, err := p.queue.Receive(ctx, batch, p.visibility)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			config.LogError(p.logger, p.name, "loop", "receive", map[string]any{
				"queue":  p.queue.Name(),
				"worker": id,
			}, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveErrorPause):
			}
			continue
		}

		for i, item := range items {
			if ctx.Err() != nil {
				// the rest of the batch comes back when its lease runs out
				return
			}
			if i > 0 && !p.renew(ctx, id, item) {
				continue
			}
			p.handleOne(ctx, item)
		}
	}
}

// renew extends the lease of an item that waited behind earlier items of its batch
func (p *workerPool) renew(ctx context.Context, id int, item queue.Item) bool {
	err := p.queue.Extend(ctx, item.ReceiptHandle, p.visibility)
	if err == nil {
		return true
	}
	if errors.Is(err, queue.ErrReceiptHandleInvalid) {
		p.logger.WithFields(logrus.Fields{
			"module":  p.name,
			"queue":   item.Queue,
			"item_id": item.ID,
			"worker":  id,
		}).Warn("Lease lost before handling, skipping item")
		return false
	}
	config.LogError(p.logger, p.name, "renew", "extend lease", map[string]any{
		"queue":   item.Queue,
		"item_id": item.ID,
		"worker":  id,
	}, err)
	return false
}

// handleOne detaches the item from the pool's cancellation so a shutdown does not abort
// a send halfway through its bookkeeping
func (p *workerPool) handleOne(ctx context.Context, item queue.Item) {
	itemCtx := context.WithoutCancel(ctx)
	if p.visibility > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(itemCtx, p.visibility)
		defer cancel()
	}
	p.safely(itemCtx, item)
}

// safely isolates a panicking item; the item is left un-acked and comes back after its visibility
func (p *workerPool) safely(ctx context.Context, item queue.Item) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"module":  p.name,
				"queue":   item.Queue,
				"item_id": item.ID,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			}).Error("Worker panicked while handling item")
		}
	}()
	p.handle(ctx, item)
}
