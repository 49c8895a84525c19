package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/app/queue"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, name string, maxReceive int) queue.Queue {
	t.Helper()

	db, err := queue.OpenStormDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := queue.NewStormQueue(db, name, queue.Options{MaxReceiveCount: maxReceive})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

// newPollingQueue long-polls briefly so running pools do not spin on an empty queue
func newPollingQueue(t *testing.T, name string, maxReceive int) queue.Queue {
	t.Helper()

	db, err := queue.OpenStormDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := queue.NewStormQueue(db, name, queue.Options{
		MaxReceiveCount: maxReceive,
		LongPollWait:    20 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeDelivery keeps recipient state in memory
type fakeDelivery struct {
	mu       sync.Mutex
	status   map[uint]models.DeliveryStatus
	provider map[uint]string
	errInfo  map[uint]string
	retries  map[uint]int
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{
		status:   make(map[uint]models.DeliveryStatus),
		provider: make(map[uint]string),
		errInfo:  make(map[uint]string),
		retries:  make(map[uint]int),
	}
}

func (f *fakeDelivery) get(id uint) models.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

func (f *fakeDelivery) Resolve(_ context.Context, job models.OutboundJob) (*businessflow.OutboundTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[job.RecipientID]
	if !ok {
		return nil, nil
	}
	return &businessflow.OutboundTarget{
		Kind:        job.Kind,
		ID:          job.RecipientID,
		CampaignID:  job.CampaignID,
		PhoneNumber: testPhone(job.RecipientID),
		Payload:     models.MessagePayload{Type: models.PayloadTypeText, Text: "hi"},
		Status:      st,
	}, nil
}

func (f *fakeDelivery) Apply(_ context.Context, _ models.OutboundJobKind, id uint, change businessflow.StatusChange) (businessflow.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := f.status[id]
	f.status[id] = change.Status
	if change.ProviderMessageID != "" {
		f.provider[id] = change.ProviderMessageID
	}
	if change.ErrorInfo != "" {
		f.errInfo[id] = change.ErrorInfo
	}
	return businessflow.Transition{From: from, To: change.Status, Changed: true}, nil
}

func (f *fakeDelivery) MarkSent(ctx context.Context, kind models.OutboundJobKind, id uint, providerID string, at time.Time) (businessflow.Transition, error) {
	return f.Apply(ctx, kind, id, businessflow.StatusChange{Status: models.DeliveryStatusSent, At: at, ProviderMessageID: providerID})
}

func (f *fakeDelivery) MarkFailed(ctx context.Context, kind models.OutboundJobKind, id uint, info string, at time.Time) (businessflow.Transition, error) {
	return f.Apply(ctx, kind, id, businessflow.StatusChange{Status: models.DeliveryStatusFailed, At: at, ErrorInfo: info})
}

func (f *fakeDelivery) RecordRetry(_ context.Context, _ models.OutboundJobKind, id uint, info string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[id]++
	f.errInfo[id] = info
	return nil
}

func (f *fakeDelivery) ApplyProviderStatus(context.Context, models.StatusUpdate) (businessflow.Transition, error) {
	return businessflow.Transition{}, businessflow.ErrProviderMessageUnknown
}

func testPhone(id uint) string {
	return fmt.Sprintf("4915100000%03d", id)
}

func dispatchCfg() config.DispatchConfig {
	return config.DispatchConfig{
		OutboundWorkers:  2,
		InboundWorkers:   2,
		BatchSize:        5,
		TransportTimeout: time.Second,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
	}
}

func enqueueJob(t *testing.T, q queue.Queue, recipientID uint) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), models.OutboundJob{Kind: models.OutboundJobRecipient, CampaignID: 1, RecipientID: recipientID}, queue.EnqueueOptions{})
	require.NoError(t, err)
}

func receiveOne(t *testing.T, q queue.Queue) (queue.Item, bool) {
	t.Helper()
	items, err := q.Receive(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	if len(items) == 0 {
		return queue.Item{}, false
	}
	return items[0], true
}

func TestDispatchWorker_SendsAndAcks(t *testing.T) {
	q := newTestQueue(t, "outbound", 3)
	delivery := newFakeDelivery()
	delivery.status[1] = models.DeliveryStatusQueued
	transport := NewMockTransport()
	w := NewDispatchWorker(q, delivery, transport, dispatchCfg(), time.Minute, quietLogger())

	enqueueJob(t, q, 1)
	item, ok := receiveOne(t, q)
	require.True(t, ok)
	w.Handle(context.Background(), item)

	assert.Equal(t, models.DeliveryStatusSent, delivery.get(1))
	assert.NotEmpty(t, delivery.provider[1])
	require.Len(t, transport.Sent, 1)
	assert.Equal(t, delivery.provider[1], transport.Sent[0].ProviderMessageID)

	n, err := q.DeadLetterCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, q.Ack(context.Background(), item.ReceiptHandle), queue.ErrReceiptHandleInvalid)
}

func TestDispatchWorker_SkipsNonQueued(t *testing.T) {
	q := newTestQueue(t, "outbound", 3)
	delivery := newFakeDelivery()
	delivery.status[1] = models.DeliveryStatusSent
	transport := NewMockTransport()
	w := NewDispatchWorker(q, delivery, transport, dispatchCfg(), time.Minute, quietLogger())

	enqueueJob(t, q, 1)
	enqueueJob(t, q, 99) // row is gone
	for i := 0; i < 2; i++ {
		item, ok := receiveOne(t, q)
		require.True(t, ok)
		w.Handle(context.Background(), item)
	}

	assert.Empty(t, transport.Sent)
	_, ok := receiveOne(t, q)
	assert.False(t, ok)
}

func TestDispatchWorker_RetryableLeavesItemForLater(t *testing.T) {
	q := newTestQueue(t, "outbound", 5)
	delivery := newFakeDelivery()
	delivery.status[1] = models.DeliveryStatusQueued
	transport := NewMockTransport()
	transport.Fail = func(string, int) error {
		return &TransportError{Retryable: true, StatusCode: 503, Message: "unavailable"}
	}
	cfg := dispatchCfg()
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	w := NewDispatchWorker(q, delivery, transport, cfg, time.Millisecond, quietLogger())

	enqueueJob(t, q, 1)
	item, ok := receiveOne(t, q)
	require.True(t, ok)
	w.Handle(context.Background(), item)

	assert.Equal(t, models.DeliveryStatusQueued, delivery.get(1))
	assert.Equal(t, 1, delivery.retries[1])

	// the visibility was raised to the backoff, so the item stays hidden
	time.Sleep(10 * time.Millisecond)
	_, ok = receiveOne(t, q)
	assert.False(t, ok)
}

func TestDispatchWorker_TerminalMarksFailed(t *testing.T) {
	q := newTestQueue(t, "outbound", 3)
	delivery := newFakeDelivery()
	delivery.status[1] = models.DeliveryStatusQueued
	transport := NewMockTransport()
	transport.Fail = func(string, int) error {
		return &TransportError{Retryable: false, StatusCode: 400, Code: 131026, Message: "recipient not on whatsapp"}
	}
	w := NewDispatchWorker(q, delivery, transport, dispatchCfg(), time.Minute, quietLogger())

	enqueueJob(t, q, 1)
	item, ok := receiveOne(t, q)
	require.True(t, ok)
	w.Handle(context.Background(), item)

	assert.Equal(t, models.DeliveryStatusFailed, delivery.get(1))
	assert.Contains(t, delivery.errInfo[1], "recipient not on whatsapp")
	assert.ErrorIs(t, q.Ack(context.Background(), item.ReceiptHandle), queue.ErrReceiptHandleInvalid)
}

func TestDispatchWorker_ExhaustedRetriesEndInDeadLetters(t *testing.T) {
	q := newTestQueue(t, "outbound", 3)
	delivery := newFakeDelivery()
	delivery.status[1] = models.DeliveryStatusQueued
	transport := NewMockTransport()
	transport.Fail = func(string, int) error {
		return &TransportError{Retryable: true, StatusCode: 429, Message: "throttled"}
	}
	w := NewDispatchWorker(q, delivery, transport, dispatchCfg(), time.Millisecond, quietLogger())

	enqueueJob(t, q, 1)
	ctx := context.Background()
	require.Eventually(t, func() bool {
		items, err := q.Receive(ctx, 1, time.Millisecond)
		require.NoError(t, err)
		for _, item := range items {
			w.Handle(ctx, item)
		}
		n, err := q.DeadLetterCount(ctx)
		require.NoError(t, err)
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, transport.Calls(testPhone(1)))
	assert.Equal(t, 3, delivery.retries[1])

	// never redelivered on its own
	time.Sleep(20 * time.Millisecond)
	_, ok := receiveOne(t, q)
	assert.False(t, ok)
}

func TestDispatchWorker_BatchOutlastingLeaseSendsEachOnce(t *testing.T) {
	q := newPollingQueue(t, "outbound", 5)
	delivery := newFakeDelivery()
	const jobs = 5
	for id := uint(1); id <= jobs; id++ {
		delivery.status[id] = models.DeliveryStatusQueued
		enqueueJob(t, q, id)
	}

	transport := NewMockTransport()
	transport.Latency = 150 * time.Millisecond
	cfg := dispatchCfg()
	cfg.OutboundWorkers = 2
	cfg.BatchSize = jobs
	cfg.TransportTimeout = 200 * time.Millisecond
	// one lease covers two sends while a batch needs five
	w := NewDispatchWorker(q, delivery, transport, cfg, 300*time.Millisecond, quietLogger())

	stop := w.Start(context.Background())
	require.Eventually(t, func() bool {
		for id := uint(1); id <= jobs; id++ {
			if delivery.get(id) != models.DeliveryStatusSent {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// long enough for a lapsed lease to surface as a second send
	time.Sleep(400 * time.Millisecond)
	stop()

	for id := uint(1); id <= jobs; id++ {
		assert.Len(t, transport.SentTo(testPhone(id)), 1, "recipient %d", id)
	}
	_, ok := receiveOne(t, q)
	assert.False(t, ok)
}

func TestDispatchWorker_StopFinishesInFlightSend(t *testing.T) {
	q := newPollingQueue(t, "outbound", 3)
	delivery := newFakeDelivery()
	delivery.status[1] = models.DeliveryStatusQueued
	enqueueJob(t, q, 1)

	transport := NewMockTransport()
	transport.Latency = 300 * time.Millisecond
	w := NewDispatchWorker(q, delivery, transport, dispatchCfg(), time.Minute, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stop := w.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()
	stop()

	assert.Equal(t, models.DeliveryStatusSent, delivery.get(1))
	assert.Len(t, transport.SentTo(testPhone(1)), 1)
	_, ok := receiveOne(t, q)
	assert.False(t, ok, "the job was acked before the worker returned")
}

func TestWorkerPool_SurvivesPanics(t *testing.T) {
	q := newTestQueue(t, "outbound", 3)
	var (
		mu      sync.Mutex
		handled []int
	)
	pool := &workerPool{
		name:       "test_pool",
		queue:      q,
		workers:    1,
		batchSize:  1,
		visibility: time.Minute,
		logger:     quietLogger(),
		handle: func(ctx context.Context, item queue.Item) {
			var job models.OutboundJob
			require.NoError(t, item.Decode(&job))
			if job.RecipientID == 1 {
				panic("boom")
			}
			mu.Lock()
			handled = append(handled, int(job.RecipientID))
			mu.Unlock()
			_ = q.Ack(ctx, item.ReceiptHandle)
		},
	}

	enqueueJob(t, q, 1)
	enqueueJob(t, q, 2)
	stop := pool.start(context.Background())
	defer stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{2}, handled)
}

type fakeInboundHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *fakeInboundHandler) HandleEvent(context.Context, models.InboundEvent) (businessflow.InboundOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return businessflow.InboundStored, h.err
}

func TestInboundWorker_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		payload   any
		err       error
		wantAcked bool
	}{
		{"stored", models.InboundEvent{EventID: "e1", Kind: models.InboundEventText}, nil, true},
		{"invalid event", models.InboundEvent{EventID: "e2", Kind: models.InboundEventText}, businessflow.ErrInboundEventInvalid, true},
		{"transient failure", models.InboundEvent{EventID: "e3", Kind: models.InboundEventStatus}, businessflow.ErrProviderMessageUnknown, false},
		{"poison payload", "not an event", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, "inbound", 3)
			handler := &fakeInboundHandler{err: tt.err}
			cfg := dispatchCfg()
			cfg.BaseBackoff = time.Hour
			w := NewInboundWorker(q, handler, cfg, time.Minute, quietLogger())

			_, err := q.Enqueue(context.Background(), tt.payload, queue.EnqueueOptions{})
			require.NoError(t, err)
			item, ok := receiveOne(t, q)
			require.True(t, ok)
			w.Handle(context.Background(), item)

			ackErr := q.Ack(context.Background(), item.ReceiptHandle)
			if tt.wantAcked {
				assert.ErrorIs(t, ackErr, queue.ErrReceiptHandleInvalid)
			} else {
				assert.NoError(t, ackErr, "a retried event still holds its lease")
			}
		})
	}
}

type fakeCompleter struct {
	mu  sync.Mutex
	ids []uint
	err error
}

func (c *fakeCompleter) CompleteIfDone(_ context.Context, id uint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return c.err == nil, c.err
}

func TestAnalyticsWorker_ChecksEachCampaignOncePerBatch(t *testing.T) {
	q := newTestQueue(t, "analytics", 3)
	completer := &fakeCompleter{err: errors.New("db down")}
	w := NewAnalyticsWorker(q, completer, 10, time.Minute, quietLogger())
	ctx := context.Background()

	events := []models.StatusEvent{
		{Target: models.OutboundJobRecipient, TargetID: 1, CampaignID: 7, From: models.DeliveryStatusQueued, To: models.DeliveryStatusSent},
		{Target: models.OutboundJobRecipient, TargetID: 2, CampaignID: 7, From: models.DeliveryStatusQueued, To: models.DeliveryStatusFailed},
		{Target: models.OutboundJobRecipient, TargetID: 1, CampaignID: 7, From: models.DeliveryStatusSent, To: models.DeliveryStatusDelivered},
		{Target: models.OutboundJobMessage, TargetID: 3, From: models.DeliveryStatusQueued, To: models.DeliveryStatusSent},
	}
	for _, ev := range events {
		_, err := q.Enqueue(ctx, ev, queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, w.RunOnce(ctx))
	assert.Equal(t, []uint{7}, completer.ids)

	// completion errors do not hold the events back
	_, ok := receiveOne(t, q)
	assert.False(t, ok)
}
