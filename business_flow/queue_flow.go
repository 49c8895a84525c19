package businessflow

import (
	"context"
	"encoding/json"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/amirphl/whatsapp-courier/app/queue"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
	defaultRedriveLimit    = 100
)

// QueueFlow exposes dead-letter inspection and redrive to operators
type QueueFlow interface {
	ListDeadLetters(ctx context.Context, queueName string, limit int) (*dto.ListDeadLettersResponse, error)
	RedriveDeadLetters(ctx context.Context, queueName string, req *dto.RedriveDeadLettersRequest, metadata *ClientMetadata) (*dto.RedriveDeadLettersResponse, error)
	// RefreshDeadLetterGauges publishes the current depth of every dead-letter queue
	RefreshDeadLetterGauges(ctx context.Context) error
}

// QueueFlowImpl implements QueueFlow
type QueueFlowImpl struct {
	queues queue.Set
}

// NewQueueFlow creates a new queue flow
func NewQueueFlow(queues queue.Set) QueueFlow {
	return &QueueFlowImpl{queues: queues}
}

func (f *QueueFlowImpl) ListDeadLetters(ctx context.Context, queueName string, limit int) (*dto.ListDeadLettersResponse, error) {
	q, ok := f.queues.ByName(queueName)
	if !ok {
		return nil, NewBusinessError("QUEUE_NOT_FOUND", "Queue not found", ErrQueueNotFound)
	}
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	limit = min(limit, maxDeadLetterLimit)

	items, err := q.DeadLetters(ctx, limit)
	if err != nil {
		return nil, NewBusinessError("DEAD_LETTERS_LIST_FAILED", "Failed to list dead letters", err)
	}

	resp := &dto.ListDeadLettersResponse{Queue: q.Name(), Items: make([]dto.DeadLetterItem, 0, len(items))}
	for _, item := range items {
		var payload any
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			payload = string(item.Payload)
		}
		resp.Items = append(resp.Items, dto.DeadLetterItem{
			ID:           item.ID,
			Queue:        item.Queue,
			Payload:      payload,
			Priority:     item.Priority,
			ReceiveCount: item.ReceiveCount,
			EnqueuedAt:   item.EnqueuedAt,
		})
	}
	return resp, nil
}

func (f *QueueFlowImpl) RedriveDeadLetters(ctx context.Context, queueName string, req *dto.RedriveDeadLettersRequest, metadata *ClientMetadata) (*dto.RedriveDeadLettersResponse, error) {
	q, ok := f.queues.ByName(queueName)
	if !ok {
		return nil, NewBusinessError("QUEUE_NOT_FOUND", "Queue not found", ErrQueueNotFound)
	}

	var ids []string
	limit := defaultRedriveLimit
	if req != nil {
		ids = req.IDs
		if req.Limit > 0 {
			limit = req.Limit
		}
	}

	moved, err := q.Redrive(ctx, ids, limit)
	if err != nil {
		return nil, NewBusinessError("DEAD_LETTERS_REDRIVE_FAILED", "Failed to redrive dead letters", err)
	}

	if n, err := q.DeadLetterCount(ctx); err == nil {
		middleware.SetDeadLetterDepth(q.Name(), n)
	}

	return &dto.RedriveDeadLettersResponse{Message: "Dead letters redriven", Moved: moved}, nil
}

func (f *QueueFlowImpl) RefreshDeadLetterGauges(ctx context.Context) error {
	for _, q := range f.queues.All() {
		n, err := q.DeadLetterCount(ctx)
		if err != nil {
			return err
		}
		middleware.SetDeadLetterDepth(q.Name(), n)
	}
	return nil
}
