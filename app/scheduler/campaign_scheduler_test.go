package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/amirphl/whatsapp-courier/app/dto"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, asOf time.Time) (*dto.RunDailyDispatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, asOf)
	if f.err != nil {
		return nil, f.err
	}
	return &dto.RunDailyDispatchResponse{AsOf: asOf.Format(time.DateOnly), Released: 1}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeHousekeeping struct {
	mu         sync.Mutex
	reconciled int
	swept      int
	refreshed  int
	sweepErr   error
	panicOnce  bool
}

func (f *fakeHousekeeping) ReconcileCounters(context.Context) (businessflow.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled++
	if f.panicOnce {
		f.panicOnce = false
		panic("boom")
	}
	return businessflow.ReconcileResult{Campaigns: 2, Completed: 1}, nil
}

func (f *fakeHousekeeping) Sweep(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept++
	return 3, f.sweepErr
}

func (f *fakeHousekeeping) RefreshDeadLetterGauges(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return nil
}

func TestCampaignScheduler_RunDispatchUsesConfiguredDay(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s := NewCampaignScheduler(dispatcher, nil, nil, nil, nil, config.SchedulerConfig{Timezone: "Asia/Tehran"}, quietLogger())
	s.now = func() time.Time { return time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC) }

	s.runDispatch(context.Background())

	require.Equal(t, 1, dispatcher.count())
	// 22:00 UTC is already the next day in Tehran
	assert.Equal(t, "2026-03-11", dispatcher.calls[0].Format(time.DateOnly))
}

func TestCampaignScheduler_RunDispatchSurvivesErrors(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("db down")}
	s := NewCampaignScheduler(dispatcher, nil, nil, nil, nil, config.SchedulerConfig{}, quietLogger())

	assert.NotPanics(t, func() { s.runDispatch(context.Background()) })
	assert.Equal(t, 1, dispatcher.count())
}

func TestCampaignScheduler_HousekeepingWithoutLocker(t *testing.T) {
	hk := &fakeHousekeeping{sweepErr: errors.New("sweep failed")}
	s := NewCampaignScheduler(nil, hk, hk, hk, nil, config.SchedulerConfig{}, quietLogger())

	s.runHousekeeping(context.Background())

	assert.Equal(t, 1, hk.reconciled)
	assert.Equal(t, 1, hk.swept)
	assert.Equal(t, 1, hk.refreshed, "a failed sweep must not skip the gauges")
}

func TestCampaignScheduler_OptionalJobsMayBeNil(t *testing.T) {
	s := NewCampaignScheduler(nil, nil, nil, nil, nil, config.SchedulerConfig{}, quietLogger())
	assert.NotPanics(t, func() { s.runHousekeeping(context.Background()) })
}

func TestCampaignScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	hk := &fakeHousekeeping{panicOnce: true}
	s := NewCampaignScheduler(dispatcher, hk, nil, nil, nil, config.SchedulerConfig{
		DailyDispatchEnabled:  true,
		DailyDispatchInterval: 20 * time.Millisecond,
		ReconcileInterval:     20 * time.Millisecond,
	}, quietLogger())

	stop := s.Start(context.Background())

	assert.Eventually(t, func() bool { return dispatcher.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		hk.mu.Lock()
		defer hk.mu.Unlock()
		return hk.reconciled >= 2
	}, 2*time.Second, 5*time.Millisecond, "a panicking round must not end the loop")

	stop()
	after := dispatcher.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, dispatcher.count())
}

func TestCampaignScheduler_DispatchDisabled(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s := NewCampaignScheduler(dispatcher, nil, nil, nil, nil, config.SchedulerConfig{
		DailyDispatchInterval: 10 * time.Millisecond,
		ReconcileInterval:     10 * time.Millisecond,
	}, quietLogger())

	stop := s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Zero(t, dispatcher.count())
}
