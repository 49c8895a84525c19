package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/whatsapp-courier/app/queue"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/sirupsen/logrus"
)

// CampaignCompleter closes campaigns with nothing left to send
type CampaignCompleter interface {
	CompleteIfDone(ctx context.Context, campaignID uint) (bool, error)
}

// AnalyticsWorker consumes status events. An event that takes a recipient out of
// queued may be the campaign's last one, so the campaign is checked for completion.
type AnalyticsWorker struct {
	queue      queue.Queue
	completer  CampaignCompleter
	batchSize  int
	visibility time.Duration
	logger     *logrus.Logger
}

// NewAnalyticsWorker creates the single analytics consumer
func NewAnalyticsWorker(q queue.Queue, completer CampaignCompleter, batchSize int, visibility time.Duration, logger *logrus.Logger) *AnalyticsWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AnalyticsWorker{
		queue:      q,
		completer:  completer,
		batchSize:  max(batchSize, 1),
		visibility: visibility,
		logger:     logger,
	}
}

// Start launches the consumer and returns a stop function
func (w *AnalyticsWorker) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				config.LogError(w.logger, "analytics_worker", "Start", "consume status events", nil, err)
				select {
				case <-ctx.Done():
				case <-time.After(receiveErrorPause):
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce receives one batch, checks each touched campaign once and acks the batch
func (w *AnalyticsWorker) RunOnce(ctx context.Context) error {
	items, err := w.queue.Receive(ctx, w.batchSize, w.visibility)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	// a received batch is finished even when the worker is stopping
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.visibility)
	defer cancel()

	campaigns := make(map[uint]struct{})
	for _, item := range items {
		var ev models.StatusEvent
		if err := item.Decode(&ev); err != nil {
			config.LogError(w.logger, "analytics_worker", "RunOnce", "decode status event", map[string]any{"item_id": item.ID}, err)
			w.ack(ctx, item)
			continue
		}

		w.logger.WithFields(logrus.Fields{
			"module":      "analytics_worker",
			"target":      ev.Target,
			"target_id":   ev.TargetID,
			"campaign_id": ev.CampaignID,
			"from":        ev.From,
			"to":          ev.To,
		}).Debug("Status transition")

		if ev.Target == models.OutboundJobRecipient && ev.CampaignID != 0 && ev.From == models.DeliveryStatusQueued {
			campaigns[ev.CampaignID] = struct{}{}
		}
	}

	if w.completer != nil {
		for id := range campaigns {
			completed, err := w.completer.CompleteIfDone(ctx, id)
			if err != nil {
				// the periodic reconciliation catches it; the events are still acked
				config.LogError(w.logger, "analytics_worker", "RunOnce", "complete campaign", map[string]any{"campaign_id": id}, err)
				continue
			}
			if completed {
				w.logger.WithFields(logrus.Fields{"module": "analytics_worker", "campaign_id": id}).Info("Campaign completed")
			}
		}
	}

	for _, item := range items {
		w.ack(ctx, item)
	}
	return nil
}

func (w *AnalyticsWorker) ack(ctx context.Context, item queue.Item) {
	if err := w.queue.Ack(ctx, item.ReceiptHandle); err != nil && !errors.Is(err, queue.ErrReceiptHandleInvalid) {
		config.LogError(w.logger, "analytics_worker", "ack", "ack status event", map[string]any{"item_id": item.ID}, err)
	}
}
