package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestStatusEventBus_SubscribersReceiveEvents(t *testing.T) {
	bus := NewStatusEventBus(4)
	t.Cleanup(bus.Close)

	a := bus.Subscribe()
	b := bus.Subscribe()

	ev := models.StatusEvent{Target: models.OutboundJobRecipient, TargetID: 7, CampaignID: 3, From: models.DeliveryStatusQueued, To: models.DeliveryStatusSent}
	bus.Publish(ev)

	for _, ch := range []chan any{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, ev, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestStatusEventBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewStatusEventBus(1)
	bus.Close()
	bus.Close()
	bus.Publish(models.StatusEvent{TargetID: 1})
}

func TestStatusEventBus_ConcurrentPublishAndClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		bus := NewStatusEventBus(1)
		sub := bus.Subscribe()
		go func() {
			for range sub {
			}
		}()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id uint) {
				defer wg.Done()
				for n := 0; n < 20; n++ {
					bus.Publish(models.StatusEvent{TargetID: id})
				}
			}(uint(i))
		}
		bus.Close()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("publishers blocked after Close in round %d", round)
		}
	}
}

func TestStatusEventBus_UnsubscribeAndSubscribeAfterClose(t *testing.T) {
	bus := NewStatusEventBus(1)
	sub := bus.Subscribe()
	bus.Close()

	done := make(chan struct{})
	go func() {
		bus.Unsubscribe(sub)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe blocked after Close")
	}

	_, open := <-bus.Subscribe()
	assert.False(t, open)
}

func TestStatusEventBus_Forward(t *testing.T) {
	bus := NewStatusEventBus(8)
	t.Cleanup(bus.Close)

	got := make(chan models.StatusEvent, 2)
	sink := func(_ context.Context, ev models.StatusEvent) error {
		got <- ev
		if ev.TargetID == 12 {
			return errors.New("analytics queue unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	wait := bus.Forward(ctx, sink, logger)

	bus.Publish(models.StatusEvent{Target: models.OutboundJobMessage, TargetID: 12, To: models.DeliveryStatusFailed})
	bus.Publish(models.StatusEvent{Target: models.OutboundJobMessage, TargetID: 11, To: models.DeliveryStatusDelivered})

	// a failing sink does not stop the forwarder
	for _, want := range []uint{12, 11} {
		select {
		case ev := <-got:
			assert.Equal(t, want, ev.TargetID)
		case <-time.After(time.Second):
			t.Fatalf("event %d was not forwarded", want)
		}
	}

	cancel()
	wait()
}
