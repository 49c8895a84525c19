package businessflow

import (
	"context"
	"testing"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_RepairsDriftedCounters(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 10, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 4, &start)
	require.NoError(t, err)

	require.NoError(t, env.db.DB.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]any{"pending_count": 99, "sent_count": 7}).Error)

	flow := NewReconcileFlow(env.campaignRepo, env.recipientRepo, env.db.DB, quietLogger())
	result, err := flow.ReconcileCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Campaigns)
	assert.Equal(t, 0, result.Completed)

	c, err := env.fixtures.ReloadCampaign(campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.PendingCount)
	assert.Equal(t, int64(0), c.SentCount)
	assert.Equal(t, int64(4), c.RecipientCount)
	assert.Equal(t, models.CampaignStatusActive, c.Status)
}

func TestReconcile_CompletesFinishedCampaign(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	start := day("2026-05-04")

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusActive, 10, 10)
	require.NoError(t, err)
	recipients, err := env.fixtures.CreateTestRecipients(campaign, 2, &start)
	require.NoError(t, err)

	_, err = newDispatchFlow(env, "2026-05-04").Dispatch(ctx, start)
	require.NoError(t, err)

	delivery := newDeliveryFlow(env, nil)
	_, err = delivery.MarkSent(ctx, models.OutboundJobRecipient, recipients[0].ID, "wamid.R1", utils.UTCNow())
	require.NoError(t, err)

	flow := NewReconcileFlow(env.campaignRepo, env.recipientRepo, env.db.DB, quietLogger())

	completed, err := flow.ReconcileCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.False(t, completed, "one recipient is still queued")

	_, err = delivery.MarkFailed(ctx, models.OutboundJobRecipient, recipients[1].ID, "invalid recipient", utils.UTCNow())
	require.NoError(t, err)

	completed, err = flow.ReconcileCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.True(t, completed)

	c, err := env.fixtures.ReloadCampaign(campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
}

func TestReconcile_LeavesPausedCampaignOpen(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()

	campaign, err := env.fixtures.CreateTestCampaign(models.CampaignStatusPaused, 10, 10)
	require.NoError(t, err)
	_, err = env.fixtures.CreateTestRecipients(campaign, 1, nil)
	require.NoError(t, err)
	require.NoError(t, env.db.DB.Model(&models.Recipient{}).Where("campaign_id = ?", campaign.ID).
		Update("status", models.DeliveryStatusFailed).Error)

	completed, err := NewReconcileFlow(env.campaignRepo, env.recipientRepo, env.db.DB, quietLogger()).
		ReconcileCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.False(t, completed)

	c, err := env.fixtures.ReloadCampaign(campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusPaused, c.Status)
	assert.Equal(t, int64(1), c.FailedCount)
	assert.Equal(t, int64(0), c.PendingCount)
}

func TestReconcile_UnknownCampaign(t *testing.T) {
	env := newFlowEnv(t)

	_, err := NewReconcileFlow(env.campaignRepo, env.recipientRepo, env.db.DB, quietLogger()).
		ReconcileCampaign(context.Background(), 424242)
	require.Error(t, err)
	assert.True(t, IsCampaignNotFound(err))
}
