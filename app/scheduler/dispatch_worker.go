package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/amirphl/whatsapp-courier/app/queue"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/sirupsen/logrus"
)

const (
	markSentAttempts = 3
	markSentPause    = 200 * time.Millisecond
)

// DispatchWorker drains the outbound queue into the WhatsApp transport
type DispatchWorker struct {
	queue     queue.Queue
	delivery  businessflow.DeliveryFlow
	transport Transport
	cfg       config.DispatchConfig
	logger    *logrus.Logger
	now       func() time.Time
	pool      *workerPool
}

// NewDispatchWorker creates the outbound worker pool. visibility is the initial lease of a received job.
func NewDispatchWorker(
	q queue.Queue,
	delivery businessflow.DeliveryFlow,
	transport Transport,
	cfg config.DispatchConfig,
	visibility time.Duration,
	logger *logrus.Logger,
) *DispatchWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = 15 * time.Second
	}

	w := &DispatchWorker{
		queue:     q,
		delivery:  delivery,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		now:       utils.UTCNow,
	}
	w.pool = &workerPool{
		name:       "dispatch_worker",
		queue:      q,
		workers:    cfg.OutboundWorkers,
		batchSize:  cfg.BatchSize,
		visibility: visibility,
		handle:     w.Handle,
		logger:     logger,
	}
	return w
}

// Start launches the workers and returns a stop function
func (w *DispatchWorker) Start(parent context.Context) func() {
	return w.pool.start(parent)
}

// Handle sends one outbound job
func (w *DispatchWorker) Handle(ctx context.Context, item queue.Item) {
	log := w.logger.WithFields(logrus.Fields{
		"module":        "dispatch_worker",
		"item_id":       item.ID,
		"receive_count": item.ReceiveCount,
	})

	var job models.OutboundJob
	if err := item.Decode(&job); err != nil {
		config.LogError(log, "dispatch_worker", "Handle", "decode job", nil, err)
		w.ack(ctx, item, "poison")
		return
	}
	log = log.WithFields(logrus.Fields{"kind": job.Kind, "campaign_id": job.CampaignID, "recipient_id": job.RecipientID, "message_id": job.MessageID})

	target, err := w.delivery.Resolve(ctx, job)
	if err != nil {
		// storage trouble: let the lease expire and try again
		config.LogError(log, "dispatch_worker", "Handle", "resolve job", nil, err)
		return
	}
	if target == nil || target.Status != models.DeliveryStatusQueued {
		w.ack(ctx, item, "skipped")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.TransportTimeout)
	started := time.Now()
	providerID, sendErr := w.transport.Send(sendCtx, target.PhoneNumber, target.Payload)
	cancel()
	middleware.ObserveTransportLatency(time.Since(started))

	switch {
	case sendErr == nil:
		if err := w.markSent(ctx, target, providerID); err != nil {
			config.LogError(log, "dispatch_worker", "Handle", "record sent", map[string]any{"provider_message_id": providerID}, err)
		}
		w.ack(ctx, item, "sent")

	case IsRetryable(sendErr):
		if err := w.delivery.RecordRetry(ctx, target.Kind, target.ID, sendErr.Error()); err != nil {
			config.LogError(log, "dispatch_worker", "Handle", "record retry", nil, err)
		}
		backoff := queue.Backoff(w.cfg.BaseBackoff, w.cfg.MaxBackoff, item.ReceiveCount)
		if err := w.queue.ChangeVisibility(ctx, item.ReceiptHandle, backoff); err != nil {
			config.LogError(log, "dispatch_worker", "Handle", "reschedule job", map[string]any{"backoff": backoff.String()}, err)
		}
		middleware.ObserveDispatchResult("retry")
		log.WithFields(logrus.Fields{"backoff": backoff.String(), "error": sendErr.Error()}).Warn("Send failed, retrying later")

	default:
		if _, err := w.delivery.MarkFailed(ctx, target.Kind, target.ID, sendErr.Error(), w.now()); err != nil {
			// not acked: the failure is recorded on the next attempt
			config.LogError(log, "dispatch_worker", "Handle", "record failure", nil, err)
			return
		}
		w.ack(ctx, item, "failed")
		log.WithField("error", sendErr.Error()).Warn("Send failed permanently")
	}
}

// markSent retries the bookkeeping; the job is acked whatever the outcome
func (w *DispatchWorker) markSent(ctx context.Context, target *businessflow.OutboundTarget, providerID string) error {
	var err error
	for attempt := 0; attempt < markSentAttempts; attempt++ {
		if _, err = w.delivery.MarkSent(ctx, target.Kind, target.ID, providerID, w.now()); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(markSentPause):
		}
	}
	return err
}

func (w *DispatchWorker) ack(ctx context.Context, item queue.Item, result string) {
	middleware.ObserveDispatchResult(result)
	if err := w.queue.Ack(ctx, item.ReceiptHandle); err != nil {
		config.LogError(w.logger, "dispatch_worker", "ack", "ack job", map[string]any{"item_id": item.ID, "result": result}, err)
	}
}
