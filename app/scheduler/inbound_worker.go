package scheduler

import (
	"context"
	"time"

	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/amirphl/whatsapp-courier/app/queue"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/sirupsen/logrus"
)

// InboundHandler applies one inbound event exactly once
type InboundHandler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent) (businessflow.InboundOutcome, error)
}

// InboundWorker drains the inbound queue
type InboundWorker struct {
	queue   queue.Queue
	handler InboundHandler
	cfg     config.DispatchConfig
	logger  *logrus.Logger
	pool    *workerPool
}

// NewInboundWorker creates the inbound worker pool
func NewInboundWorker(q queue.Queue, handler InboundHandler, cfg config.DispatchConfig, visibility time.Duration, logger *logrus.Logger) *InboundWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	w := &InboundWorker{queue: q, handler: handler, cfg: cfg, logger: logger}
	w.pool = &workerPool{
		name:       "inbound_worker",
		queue:      q,
		workers:    cfg.InboundWorkers,
		batchSize:  cfg.BatchSize,
		visibility: visibility,
		handle:     w.Handle,
		logger:     logger,
	}
	return w
}

// Start launches the workers and returns a stop function
func (w *InboundWorker) Start(parent context.Context) func() {
	return w.pool.start(parent)
}

// Handle processes one inbound event
func (w *InboundWorker) Handle(ctx context.Context, item queue.Item) {
	log := w.logger.WithFields(logrus.Fields{
		"module":        "inbound_worker",
		"item_id":       item.ID,
		"receive_count": item.ReceiveCount,
	})

	var ev models.InboundEvent
	if err := item.Decode(&ev); err != nil {
		config.LogError(log, "inbound_worker", "Handle", "decode event", nil, err)
		w.ack(ctx, item, "poison")
		return
	}
	log = log.WithFields(logrus.Fields{"event_id": ev.EventID, "kind": ev.Kind})

	outcome, err := w.handler.HandleEvent(ctx, ev)
	switch {
	case err == nil:
		w.ack(ctx, item, string(outcome))
	case businessflow.IsInboundEventInvalid(err):
		config.LogError(log, "inbound_worker", "Handle", "invalid event", nil, err)
		w.ack(ctx, item, "invalid")
	default:
		// the claim was released; back off and let the event come round again
		backoff := queue.Backoff(w.cfg.BaseBackoff, w.cfg.MaxBackoff, item.ReceiveCount)
		if verr := w.queue.ChangeVisibility(ctx, item.ReceiptHandle, backoff); verr != nil {
			config.LogError(log, "inbound_worker", "Handle", "reschedule event", nil, verr)
		}
		middleware.ObserveQueueOp(w.queue.Name(), "retry", 1)
		log.WithFields(logrus.Fields{"backoff": backoff.String(), "error": err.Error()}).Warn("Inbound event not applied, retrying later")
	}
}

func (w *InboundWorker) ack(ctx context.Context, item queue.Item, outcome string) {
	middleware.ObserveQueueOp(w.queue.Name(), outcome, 1)
	if err := w.queue.Ack(ctx, item.ReceiptHandle); err != nil {
		config.LogError(w.logger, "inbound_worker", "ack", "ack event", map[string]any{"item_id": item.ID, "outcome": outcome}, err)
	}
}
