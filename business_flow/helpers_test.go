package businessflow

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/app/queue"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	testingutil "github.com/amirphl/whatsapp-courier/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type flowEnv struct {
	db            *testingutil.TestDB
	fixtures      *testingutil.TestFixtures
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.RecipientRepository
	messageRepo   repository.MessageRepository
	ledgerRepo    repository.DailyQuotaLedgerRepository
	queues        queue.Set
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()

	tdb := testingutil.RequireDB(t)
	return &flowEnv{
		db:            tdb,
		fixtures:      testingutil.NewTestFixtures(tdb),
		campaignRepo:  repository.NewCampaignRepository(tdb.DB),
		recipientRepo: repository.NewRecipientRepository(tdb.DB),
		messageRepo:   repository.NewMessageRepository(tdb.DB),
		ledgerRepo:    repository.NewDailyQuotaLedgerRepository(tdb.DB),
		queues:        newQueueSet(t),
	}
}

func newQueueSet(t *testing.T) queue.Set {
	t.Helper()

	db, err := queue.OpenStormDB(filepath.Join(t.TempDir(), "queues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	open := func(name string) queue.Queue {
		q, err := queue.NewStormQueue(db, name, queue.Options{MaxReceiveCount: 3})
		require.NoError(t, err)
		t.Cleanup(q.Close)
		return q
	}
	return queue.Set{Inbound: open("inbound"), Outbound: open("outbound"), Analytics: open("analytics")}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// failingQueue rejects every enqueue after the first `allow` ones
type failingQueue struct {
	queue.Queue
	mu    sync.Mutex
	allow int
}

func (q *failingQueue) Enqueue(ctx context.Context, payload any, opts queue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	if q.allow <= 0 {
		q.mu.Unlock()
		return "", errors.New("broker unavailable")
	}
	q.allow--
	q.mu.Unlock()
	return q.Queue.Enqueue(ctx, payload, opts)
}

// memDedup is an in-memory DedupStore
type memDedup struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemDedup() *memDedup {
	return &memDedup{owners: make(map[string]string)}
}

func (d *memDedup) Claim(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.owners[key]; ok {
		return false, nil
	}
	d.owners[key] = owner
	return true, nil
}

func (d *memDedup) Release(_ context.Context, key, owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owners[key] == owner {
		delete(d.owners, key)
	}
	return nil
}

func (d *memDedup) held(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.owners[key]
	return ok
}

// recordingPublisher collects published status events
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (p *recordingPublisher) Publish(ev models.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []models.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StatusEvent(nil), p.events...)
}

func drainJobs(t *testing.T, q queue.Queue) []models.OutboundJob {
	t.Helper()

	var jobs []models.OutboundJob
	for {
		items, err := q.Receive(context.Background(), 100, time.Minute)
		require.NoError(t, err)
		if len(items) == 0 {
			return jobs
		}
		for _, item := range items {
			var job models.OutboundJob
			require.NoError(t, item.Decode(&job))
			jobs = append(jobs, job)
			require.NoError(t, q.Ack(context.Background(), item.ReceiptHandle))
		}
	}
}
