package businessflow

import (
	"time"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
)

// Milestone is a counted step of a delivery's lifecycle
type Milestone string

const (
	MilestoneSent      Milestone = "sent"
	MilestoneDelivered Milestone = "delivered"
	MilestoneRead      Milestone = "read"
	MilestoneFailed    Milestone = "failed"
)

// StatusTimestamps are the lifecycle timestamps of a message or recipient
type StatusTimestamps struct {
	QueuedAt    *time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time
}

// Transition is the result of merging an incoming status into the current one
type Transition struct {
	From    models.DeliveryStatus
	To      models.DeliveryStatus
	Changed bool
	// Set holds only the timestamps that must be written
	Set        StatusTimestamps
	Milestones []Milestone
}

// Reached reports whether m is among the newly reached milestones
func (t Transition) Reached(m Milestone) bool {
	for _, got := range t.Milestones {
		if got == m {
			return true
		}
	}
	return false
}

// Updates returns the column updates that persist the transition
func (t Transition) Updates() map[string]any {
	if !t.Changed {
		return nil
	}
	updates := map[string]any{"status": t.To}
	if t.Set.QueuedAt != nil {
		updates["queued_at"] = *t.Set.QueuedAt
	}
	if t.Set.SentAt != nil {
		updates["sent_at"] = *t.Set.SentAt
	}
	if t.Set.DeliveredAt != nil {
		updates["delivered_at"] = *t.Set.DeliveredAt
	}
	if t.Set.ReadAt != nil {
		updates["read_at"] = *t.Set.ReadAt
	}
	if t.Set.FailedAt != nil {
		updates["failed_at"] = *t.Set.FailedAt
	}
	return updates
}

var progressChain = []models.DeliveryStatus{
	models.DeliveryStatusPending,
	models.DeliveryStatusQueued,
	models.DeliveryStatusSent,
	models.DeliveryStatusDelivered,
	models.DeliveryStatusRead,
}

// ApplyStatus merges incoming into current. The progress statuses form a chain and
// the merge keeps the maximum; failed and cancelled absorb everything after them.
// Failed is ignored once delivered is reached and cancelled only applies to pending.
// Every status skipped on the way up gets its timestamp backfilled with at, so a read
// that arrives first also records delivered and sent.
func ApplyStatus(current models.DeliveryStatus, existing StatusTimestamps, incoming models.DeliveryStatus, at time.Time) Transition {
	noop := Transition{From: current, To: current}

	if current == models.DeliveryStatusFailed || current == models.DeliveryStatusCancelled {
		return noop
	}

	switch incoming {
	case models.DeliveryStatusFailed:
		if current.Rank() >= models.DeliveryStatusDelivered.Rank() {
			return noop
		}
		t := Transition{From: current, To: incoming, Changed: true, Milestones: []Milestone{MilestoneFailed}}
		if existing.FailedAt == nil {
			t.Set.FailedAt = &at
		}
		return t
	case models.DeliveryStatusCancelled:
		if current != models.DeliveryStatusPending {
			return noop
		}
		return Transition{From: current, To: incoming, Changed: true}
	}

	if incoming.Rank() <= current.Rank() {
		return noop
	}

	t := Transition{From: current, To: incoming, Changed: true}
	for _, s := range progressChain[current.Rank()+1 : incoming.Rank()+1] {
		switch s {
		case models.DeliveryStatusQueued:
			if existing.QueuedAt == nil {
				t.Set.QueuedAt = &at
			}
		case models.DeliveryStatusSent:
			if existing.SentAt == nil {
				t.Set.SentAt = &at
			}
			t.Milestones = append(t.Milestones, MilestoneSent)
		case models.DeliveryStatusDelivered:
			if existing.DeliveredAt == nil {
				t.Set.DeliveredAt = &at
			}
			t.Milestones = append(t.Milestones, MilestoneDelivered)
		case models.DeliveryStatusRead:
			if existing.ReadAt == nil {
				t.Set.ReadAt = &at
			}
			t.Milestones = append(t.Milestones, MilestoneRead)
		}
	}

	return t
}

// CounterDelta translates a transition into campaign counter adjustments
func CounterDelta(t Transition) repository.CampaignCounterDelta {
	var d repository.CampaignCounterDelta
	if !t.Changed {
		return d
	}

	switch t.From {
	case models.DeliveryStatusPending:
		d.Pending--
	case models.DeliveryStatusQueued:
		d.Queued--
	}
	switch t.To {
	case models.DeliveryStatusPending:
		d.Pending++
	case models.DeliveryStatusQueued:
		d.Queued++
	case models.DeliveryStatusCancelled:
		d.Cancelled++
	}

	for _, m := range t.Milestones {
		switch m {
		case MilestoneSent:
			d.Sent++
		case MilestoneDelivered:
			d.Delivered++
		case MilestoneRead:
			d.Read++
		case MilestoneFailed:
			d.Failed++
		}
	}

	return d
}

func recipientTimestamps(r *models.Recipient) StatusTimestamps {
	return StatusTimestamps{
		QueuedAt:    r.QueuedAt,
		SentAt:      r.SentAt,
		DeliveredAt: r.DeliveredAt,
		ReadAt:      r.ReadAt,
		FailedAt:    r.FailedAt,
	}
}

func messageTimestamps(m *models.Message) StatusTimestamps {
	return StatusTimestamps{
		QueuedAt:    m.QueuedAt,
		SentAt:      m.SentAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		FailedAt:    m.FailedAt,
	}
}
