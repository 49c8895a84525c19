package businessflow

import (
	"math/rand"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// record is an in-memory row driven only through ApplyStatus, used to check counter idempotence
type record struct {
	status   models.DeliveryStatus
	ts       StatusTimestamps
	counters repository.CampaignCounterDelta
}

func (r *record) apply(incoming models.DeliveryStatus, at time.Time) Transition {
	t := ApplyStatus(r.status, r.ts, incoming, at)
	if !t.Changed {
		return t
	}
	r.status = t.To
	if t.Set.QueuedAt != nil {
		r.ts.QueuedAt = t.Set.QueuedAt
	}
	if t.Set.SentAt != nil {
		r.ts.SentAt = t.Set.SentAt
	}
	if t.Set.DeliveredAt != nil {
		r.ts.DeliveredAt = t.Set.DeliveredAt
	}
	if t.Set.ReadAt != nil {
		r.ts.ReadAt = t.Set.ReadAt
	}
	if t.Set.FailedAt != nil {
		r.ts.FailedAt = t.Set.FailedAt
	}
	d := CounterDelta(t)
	r.counters.Pending += d.Pending
	r.counters.Queued += d.Queued
	r.counters.Sent += d.Sent
	r.counters.Delivered += d.Delivered
	r.counters.Read += d.Read
	r.counters.Failed += d.Failed
	r.counters.Cancelled += d.Cancelled
	return t
}

func TestApplyStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		current    models.DeliveryStatus
		incoming   models.DeliveryStatus
		wantTo     models.DeliveryStatus
		changed    bool
		milestones []Milestone
	}{
		{"pending to queued", models.DeliveryStatusPending, models.DeliveryStatusQueued, models.DeliveryStatusQueued, true, nil},
		{"queued to sent", models.DeliveryStatusQueued, models.DeliveryStatusSent, models.DeliveryStatusSent, true, []Milestone{MilestoneSent}},
		{"sent to read skips delivered", models.DeliveryStatusSent, models.DeliveryStatusRead, models.DeliveryStatusRead, true, []Milestone{MilestoneDelivered, MilestoneRead}},
		{"queued to read", models.DeliveryStatusQueued, models.DeliveryStatusRead, models.DeliveryStatusRead, true, []Milestone{MilestoneSent, MilestoneDelivered, MilestoneRead}},
		{"replay is a no-op", models.DeliveryStatusDelivered, models.DeliveryStatusDelivered, models.DeliveryStatusDelivered, false, nil},
		{"lower status is a no-op", models.DeliveryStatusRead, models.DeliveryStatusSent, models.DeliveryStatusRead, false, nil},
		{"failed before delivered", models.DeliveryStatusSent, models.DeliveryStatusFailed, models.DeliveryStatusFailed, true, []Milestone{MilestoneFailed}},
		{"failed from queued", models.DeliveryStatusQueued, models.DeliveryStatusFailed, models.DeliveryStatusFailed, true, []Milestone{MilestoneFailed}},
		{"failed after delivered ignored", models.DeliveryStatusDelivered, models.DeliveryStatusFailed, models.DeliveryStatusDelivered, false, nil},
		{"failed is absorbing", models.DeliveryStatusFailed, models.DeliveryStatusRead, models.DeliveryStatusFailed, false, nil},
		{"failed replay", models.DeliveryStatusFailed, models.DeliveryStatusFailed, models.DeliveryStatusFailed, false, nil},
		{"cancel pending", models.DeliveryStatusPending, models.DeliveryStatusCancelled, models.DeliveryStatusCancelled, true, nil},
		{"cancel queued ignored", models.DeliveryStatusQueued, models.DeliveryStatusCancelled, models.DeliveryStatusQueued, false, nil},
		{"cancelled is absorbing", models.DeliveryStatusCancelled, models.DeliveryStatusQueued, models.DeliveryStatusCancelled, false, nil},
		{"unknown status ignored", models.DeliveryStatusSent, models.DeliveryStatus("bogus"), models.DeliveryStatusSent, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyStatus(tt.current, StatusTimestamps{}, tt.incoming, at)
			assert.Equal(t, tt.wantTo, got.To)
			assert.Equal(t, tt.changed, got.Changed)
			assert.Equal(t, tt.milestones, got.Milestones)
		})
	}
}

func TestApplyStatus_BackfillsSkippedTimestamps(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	readAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	got := ApplyStatus(models.DeliveryStatusSent, StatusTimestamps{SentAt: &sentAt}, models.DeliveryStatusRead, readAt)

	require.True(t, got.Changed)
	assert.Nil(t, got.Set.SentAt, "existing sent_at must not be overwritten")
	require.NotNil(t, got.Set.DeliveredAt)
	require.NotNil(t, got.Set.ReadAt)
	assert.Equal(t, readAt, *got.Set.DeliveredAt)
	assert.Equal(t, readAt, *got.Set.ReadAt)

	updates := got.Updates()
	assert.Equal(t, models.DeliveryStatusRead, updates["status"])
	assert.Equal(t, readAt, updates["delivered_at"])
	_, hasSent := updates["sent_at"]
	assert.False(t, hasSent)
}

func TestApplyStatus_AnyOrderCountsEachMilestoneOnce(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []models.DeliveryStatus{
		models.DeliveryStatusSent, models.DeliveryStatusDelivered, models.DeliveryStatusRead,
		models.DeliveryStatusSent, models.DeliveryStatusRead, models.DeliveryStatusDelivered,
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		shuffled := append([]models.DeliveryStatus(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		r := &record{status: models.DeliveryStatusQueued}
		for j, s := range shuffled {
			r.apply(s, base.Add(time.Duration(j)*time.Minute))
		}

		require.Equal(t, models.DeliveryStatusRead, r.status, "order %v", shuffled)
		assert.Equal(t, int64(1), r.counters.Sent)
		assert.Equal(t, int64(1), r.counters.Delivered)
		assert.Equal(t, int64(1), r.counters.Read)
		assert.Equal(t, int64(-1), r.counters.Queued)
		assert.Zero(t, r.counters.Failed)
		require.NotNil(t, r.ts.SentAt)
		require.NotNil(t, r.ts.DeliveredAt)
		require.NotNil(t, r.ts.ReadAt)
		assert.False(t, r.ts.DeliveredAt.After(*r.ts.ReadAt))
	}
}

func TestApplyStatus_FailedAfterSentKeepsSentMilestone(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &record{status: models.DeliveryStatusQueued}

	r.apply(models.DeliveryStatusSent, at)
	r.apply(models.DeliveryStatusFailed, at.Add(time.Minute))
	r.apply(models.DeliveryStatusFailed, at.Add(2*time.Minute))
	r.apply(models.DeliveryStatusDelivered, at.Add(3*time.Minute))

	assert.Equal(t, models.DeliveryStatusFailed, r.status)
	assert.Equal(t, int64(1), r.counters.Sent)
	assert.Equal(t, int64(1), r.counters.Failed)
	assert.Zero(t, r.counters.Delivered)
	assert.Nil(t, r.ts.DeliveredAt)
}

func TestCounterDelta(t *testing.T) {
	at := time.Now()

	d := CounterDelta(ApplyStatus(models.DeliveryStatusPending, StatusTimestamps{}, models.DeliveryStatusQueued, at))
	assert.Equal(t, repository.CampaignCounterDelta{Pending: -1, Queued: 1}, d)

	d = CounterDelta(ApplyStatus(models.DeliveryStatusPending, StatusTimestamps{}, models.DeliveryStatusCancelled, at))
	assert.Equal(t, repository.CampaignCounterDelta{Pending: -1, Cancelled: 1}, d)

	d = CounterDelta(ApplyStatus(models.DeliveryStatusQueued, StatusTimestamps{}, models.DeliveryStatusFailed, at))
	assert.Equal(t, repository.CampaignCounterDelta{Queued: -1, Failed: 1}, d)

	d = CounterDelta(ApplyStatus(models.DeliveryStatusRead, StatusTimestamps{}, models.DeliveryStatusRead, at))
	assert.True(t, d.IsZero())
}
