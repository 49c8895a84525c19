package businessflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/models"
	testingutil "github.com/amirphl/whatsapp-courier/testing"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCampaignFlow(env *flowEnv, today string) *CampaignFlowImpl {
	flow := NewCampaignFlow(env.campaignRepo, env.recipientRepo, env.db.DB, time.UTC, "DE").(*CampaignFlowImpl)
	flow.now = func() time.Time { return day(today).Add(9 * time.Hour) }
	return flow
}

func requireBusinessCode(t *testing.T, err error, code string) {
	t.Helper()
	var be *BusinessError
	require.True(t, errors.As(err, &be), "expected a BusinessError, got %v", err)
	assert.Equal(t, code, be.Code)
}

func TestCampaignFlow_CreateCampaignValidation(t *testing.T) {
	flow := NewCampaignFlow(nil, nil, nil, time.UTC, "")
	template := dto.TemplatePayload{Type: "template", TemplateName: "spring_sale", TemplateLanguage: "en"}

	cases := []struct {
		name string
		req  dto.CreateCampaignRequest
		want error
	}{
		{"blank name", dto.CreateCampaignRequest{Name: "  ", DailyQuota: 10, Template: template}, ErrCampaignNameRequired},
		{"zero quota", dto.CreateCampaignRequest{Name: "spring", Template: template}, ErrCampaignQuotaInvalid},
		{"negative priority", dto.CreateCampaignRequest{Name: "spring", DailyQuota: 1, Priority: utils.ToPtr(-1), Template: template}, ErrCampaignPriorityInvalid},
		{"template without language", dto.CreateCampaignRequest{Name: "spring", DailyQuota: 1, Template: dto.TemplatePayload{Type: "template", TemplateName: "x"}}, ErrCampaignTemplateInvalid},
		{"unknown payload type", dto.CreateCampaignRequest{Name: "spring", DailyQuota: 1, Template: dto.TemplatePayload{Type: "sticker"}}, ErrCampaignTemplateInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			_, err := flow.CreateCampaign(context.Background(), &req, nil)
			requireBusinessCode(t, err, "CAMPAIGN_VALIDATION_FAILED")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCampaignFlow_AddRecipientsSkipsDuplicatesAndInvalid(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	flow := newCampaignFlow(env, "2026-05-04")

	created, err := flow.CreateCampaign(ctx, &dto.CreateCampaignRequest{
		Name:       "spring",
		DailyQuota: 2,
		Template:   dto.TemplatePayload{Type: "text", Text: "hello"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusDraft.String(), created.Status)

	phone := "+" + testingutil.TestPhoneNumber(1)
	resp, err := flow.AddRecipients(ctx, &dto.AddRecipientsRequest{
		CampaignID:   created.ID,
		PhoneNumbers: []string{phone, "00" + phone[1:], "+" + testingutil.TestPhoneNumber(2), "not-a-number"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.AddedCount)
	assert.Equal(t, int64(1), resp.SkippedDuplicateCount)
	assert.Equal(t, int64(1), resp.InvalidCount)
	assert.Equal(t, []string{"not-a-number"}, resp.InvalidNumbers)

	again, err := flow.AddRecipients(ctx, &dto.AddRecipientsRequest{CampaignID: created.ID, PhoneNumbers: []string{phone}}, nil)
	require.NoError(t, err)
	assert.Zero(t, again.AddedCount)
	assert.Equal(t, int64(1), again.SkippedDuplicateCount)

	stats, err := flow.GetStats(ctx, &dto.GetCampaignStatsRequest{CampaignID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Pending)

	_, err = flow.AddRecipients(ctx, &dto.AddRecipientsRequest{CampaignID: created.ID + 1000, PhoneNumbers: []string{phone}}, nil)
	requireBusinessCode(t, err, "CAMPAIGN_NOT_FOUND")

	_, err = flow.AddRecipients(ctx, &dto.AddRecipientsRequest{CampaignID: created.ID}, nil)
	requireBusinessCode(t, err, "RECIPIENT_LIST_EMPTY")
}

func TestCampaignFlow_ActivateSchedulesByQuota(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	flow := newCampaignFlow(env, "2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusDraft, 2, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 5, nil)
	require.NoError(t, err)

	_, err = flow.Activate(ctx, &dto.ActivateCampaignRequest{CampaignID: campaign.ID, StartDate: "2026-05-03"}, nil)
	requireBusinessCode(t, err, "CAMPAIGN_VALIDATION_FAILED")

	resp, err := flow.Activate(ctx, &dto.ActivateCampaignRequest{CampaignID: campaign.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-04", resp.StartDate)
	assert.Equal(t, "2026-05-06", resp.EstimatedCompletionDate)
	assert.Equal(t, int64(5), resp.ScheduledCount)

	_, err = flow.Activate(ctx, &dto.ActivateCampaignRequest{CampaignID: campaign.ID}, nil)
	requireBusinessCode(t, err, "CAMPAIGN_STATE_CONFLICT")

	// late additions continue the sequence on the same schedule
	_, err = flow.AddRecipients(ctx, &dto.AddRecipientsRequest{
		CampaignID:   campaign.ID,
		PhoneNumbers: []string{"+" + testingutil.TestPhoneNumber(100), "+" + testingutil.TestPhoneNumber(101)},
	}, nil)
	require.NoError(t, err)

	list, err := flow.ListRecipients(ctx, &dto.ListRecipientsRequest{CampaignID: campaign.ID, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, list.Items, 7)
	assert.Equal(t, int64(7), list.TotalItems)

	want := []string{"2026-05-04", "2026-05-04", "2026-05-05", "2026-05-05", "2026-05-06", "2026-05-06", "2026-05-07"}
	for i, item := range list.Items {
		assert.Equal(t, int64(i), item.Sequence)
		require.NotNil(t, item.ScheduledDate)
		assert.Equal(t, want[i], *item.ScheduledDate, "sequence %d", i)
	}

	stats, err := flow.GetStats(ctx, &dto.GetCampaignStatsRequest{CampaignID: campaign.ID})
	require.NoError(t, err)
	require.NotNil(t, stats.EstimatedCompletionDate)
	assert.Equal(t, "2026-05-07", *stats.EstimatedCompletionDate)
}

func TestCampaignFlow_ActivateRequiresRecipients(t *testing.T) {
	env := newFlowEnv(t)
	flow := newCampaignFlow(env, "2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusDraft, 2, 10)
	require.NoError(t, err)

	_, err = flow.Activate(context.Background(), &dto.ActivateCampaignRequest{CampaignID: campaign.ID}, nil)
	requireBusinessCode(t, err, "CAMPAIGN_STATE_CONFLICT")
	assert.ErrorIs(t, err, ErrCampaignHasNoRecipients)
}

func TestCampaignFlow_PauseResumeCancel(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	flow := newCampaignFlow(env, "2026-05-04")
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 2, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 4, &start)
	require.NoError(t, err)

	action := &dto.CampaignActionRequest{CampaignID: campaign.ID}

	_, err = flow.Resume(ctx, action, nil)
	requireBusinessCode(t, err, "CAMPAIGN_STATE_CONFLICT")

	paused, err := flow.Pause(ctx, action, nil)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusPaused.String(), paused.Status)

	_, err = flow.Pause(ctx, action, nil)
	requireBusinessCode(t, err, "CAMPAIGN_STATE_CONFLICT")

	_, err = flow.Resume(ctx, action, nil)
	require.NoError(t, err)

	cancelled, err := flow.Cancel(ctx, action, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cancelled.CancelledCount)

	_, err = flow.Cancel(ctx, action, nil)
	requireBusinessCode(t, err, "CAMPAIGN_STATE_CONFLICT")

	reloaded, err := env.fixtures.ReloadCampaign(campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCancelled, reloaded.Status)
	assert.Zero(t, reloaded.PendingCount)
	assert.Equal(t, int64(4), reloaded.CancelledCount)

	_, err = flow.Pause(ctx, &dto.CampaignActionRequest{CampaignID: campaign.ID + 1000}, nil)
	requireBusinessCode(t, err, "CAMPAIGN_NOT_FOUND")
}

func TestCampaignFlow_ListRecipientsFiltersAndPages(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	flow := newCampaignFlow(env, "2026-05-04")
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 5, 10)
	require.NoError(t, err)
	recipients, err := env.fixtures.CreateTestRecipients(campaign, 5, &start)
	require.NoError(t, err)

	require.NoError(t, env.db.DB.Model(&models.Recipient{}).Where("id = ?", recipients[0].ID).
		Updates(map[string]any{"status": models.DeliveryStatusFailed, "error_info": "131026: undeliverable"}).Error)

	failed := models.DeliveryStatusFailed.String()
	list, err := flow.ListRecipients(ctx, &dto.ListRecipientsRequest{CampaignID: campaign.ID, Status: &failed})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.NotNil(t, list.Items[0].ErrorInfo)
	assert.Equal(t, "131026: undeliverable", *list.Items[0].ErrorInfo)
	assert.Equal(t, defaultRecipientPageSize, list.PageSize)

	page, err := flow.ListRecipients(ctx, &dto.ListRecipientsRequest{CampaignID: campaign.ID, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalItems)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(2), page.Items[0].Sequence)

	_, err = flow.ListRecipients(ctx, &dto.ListRecipientsRequest{CampaignID: campaign.ID, PageSize: maxRecipientPageSize + 1})
	requireBusinessCode(t, err, "RECIPIENT_LIST_VALIDATION_FAILED")

	_, err = flow.ListRecipients(ctx, &dto.ListRecipientsRequest{CampaignID: campaign.ID + 1000})
	requireBusinessCode(t, err, "CAMPAIGN_NOT_FOUND")
}
