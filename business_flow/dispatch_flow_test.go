package businessflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDispatchFlow pins the flow's clock to 09:00 UTC on today
func newDispatchFlow(env *flowEnv, today string) *DispatchFlowImpl {
	flow := NewDispatchFlow(env.campaignRepo, env.recipientRepo, env.ledgerRepo, env.db.DB,
		env.queues.Outbound, time.UTC, quietLogger()).(*DispatchFlowImpl)
	flow.now = func() time.Time { return day(today).Add(9 * time.Hour) }
	return flow
}

func TestDispatch_ReleasesAtMostQuotaPerDay(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 3, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 10, &start)
	require.NoError(t, err)

	flow := newDispatchFlow(env, "2026-05-04")

	first, err := flow.Dispatch(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Released)

	again, err := flow.Dispatch(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Released, "second run on the same day must not exceed the quota")

	jobs := drainJobs(t, env.queues.Outbound)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, models.OutboundJobRecipient, job.Kind)
		assert.Equal(t, campaign.ID, job.CampaignID)
	}

	ledger, err := env.ledgerRepo.ByCampaignAndDay(ctx, campaign.ID, start)
	require.NoError(t, err)
	require.NotNil(t, ledger)
	assert.Equal(t, 3, ledger.SentCount)

	reloaded, err := env.fixtures.ReloadCampaign(campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), reloaded.PendingCount)
	assert.Equal(t, int64(3), reloaded.QueuedCount)
}

func TestDispatch_ConcurrentRunsRespectQuota(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 5, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 50, &start)
	require.NoError(t, err)

	flow := newDispatchFlow(env, "2026-05-04")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := flow.Dispatch(ctx, start)
			if err != nil {
				return
			}
			mu.Lock()
			total += resp.Released
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, total)
	assert.Len(t, drainJobs(t, env.queues.Outbound), 5)
}

func TestDispatch_CatchUpReleasesOldestFirst(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 2, 10)
	require.NoError(t, err)
	recipients, err := env.fixtures.CreateTestRecipients(campaign, 8, &start)
	require.NoError(t, err)

	flow := newDispatchFlow(env, "2026-05-07")

	// three days were missed; the run on day four still releases one quota's worth
	resp, err := flow.Dispatch(ctx, start.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Released)

	jobs := drainJobs(t, env.queues.Outbound)
	require.Len(t, jobs, 2)
	ids := []uint{jobs[0].RecipientID, jobs[1].RecipientID}
	assert.ElementsMatch(t, []uint{recipients[0].ID, recipients[1].ID}, ids)
}

func TestDispatch_SkipsFutureAndInactive(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	future, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 5, 10)
	require.NoError(t, err)
	later := start.AddDate(0, 0, 7)
	_, err = env.fixtures.CreateTestRecipients(future, 3, &later)
	require.NoError(t, err)

	paused, err := env.fixtures.CreateTestCampaign(models.CampaignStatusPaused, 5, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(paused, 3, &start)
	require.NoError(t, err)

	resp, err := newDispatchFlow(env, "2026-05-04").Dispatch(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Released)
	require.Len(t, resp.Campaigns, 1)
	assert.Equal(t, future.ID, resp.Campaigns[0].CampaignID)
}

func TestDispatch_PriorityOrder(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	low, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 5, 50)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(low, 1, &start)
	require.NoError(t, err)

	high, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 5, 1)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(high, 1, &start)
	require.NoError(t, err)

	resp, err := newDispatchFlow(env, "2026-05-04").Dispatch(ctx, start)
	require.NoError(t, err)
	require.Len(t, resp.Campaigns, 2)
	assert.Equal(t, high.ID, resp.Campaigns[0].CampaignID)
	assert.Equal(t, low.ID, resp.Campaigns[1].CampaignID)
}

func TestDispatch_EnqueueFailureIsCompensated(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 4, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 4, &start)
	require.NoError(t, err)

	flow := newDispatchFlow(env, "2026-05-04")
	flow.outbound = &failingQueue{Queue: env.queues.Outbound, allow: 1}

	resp, err := flow.Dispatch(ctx, start)
	require.NoError(t, err)
	require.Len(t, resp.Campaigns, 1)
	result := resp.Campaigns[0]
	assert.Equal(t, 4, result.Claimed)
	assert.Equal(t, 1, result.Enqueued)
	assert.Equal(t, 3, result.Remaining)
	assert.NotEmpty(t, result.Error)

	ledger, err := env.ledgerRepo.ByCampaignAndDay(ctx, campaign.ID, start)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.SentCount)

	reloaded, err := env.fixtures.ReloadCampaign(campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), reloaded.PendingCount)
	assert.Equal(t, int64(1), reloaded.QueuedCount)

	// the returned recipients go out on the next run
	flow.outbound = env.queues.Outbound
	retry, err := flow.Dispatch(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 3, retry.Released)
}

func TestRunDailyDispatch_InvalidDate(t *testing.T) {
	flow := &DispatchFlowImpl{loc: time.UTC, now: time.Now}

	_, err := flow.RunDailyDispatch(context.Background(), &dto.RunDailyDispatchRequest{AsOf: "04/05/2026"}, nil)
	require.Error(t, err)
	assert.True(t, IsDispatchDateInvalid(err))

	var be *BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "DISPATCH_VALIDATION_FAILED", be.Code)
}

func TestRunDailyDispatch_RejectsFutureDate(t *testing.T) {
	flow := &DispatchFlowImpl{loc: time.UTC, now: func() time.Time { return day("2026-05-04").Add(23 * time.Hour) }}

	_, err := flow.RunDailyDispatch(context.Background(), &dto.RunDailyDispatchRequest{AsOf: "2026-05-05"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchDateInFuture)
	assert.True(t, IsDispatchDateInvalid(err))

	var be *BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "DISPATCH_VALIDATION_FAILED", be.Code)
}

func TestRunDailyDispatch_PastDatesShareTodaysQuota(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 2, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 6, &start)
	require.NoError(t, err)

	flow := newDispatchFlow(env, "2026-05-06")

	released := 0
	for _, asOf := range []string{"2026-05-04", "2026-05-05", ""} {
		resp, err := flow.RunDailyDispatch(ctx, &dto.RunDailyDispatchRequest{AsOf: asOf}, nil)
		require.NoError(t, err, "as_of %q", asOf)
		released += resp.Released
	}
	assert.Equal(t, 2, released, "one real day releases one quota whatever as_of says")

	today, err := env.ledgerRepo.ByCampaignAndDay(ctx, campaign.ID, day("2026-05-06"))
	require.NoError(t, err)
	require.NotNil(t, today)
	assert.Equal(t, 2, today.SentCount)

	backdated, err := env.ledgerRepo.ByCampaignAndDay(ctx, campaign.ID, start)
	require.NoError(t, err)
	assert.Nil(t, backdated)

	assert.Len(t, drainJobs(t, env.queues.Outbound), 2)
}
