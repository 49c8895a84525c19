// Package testing provides test utilities and database setup for Postgres-backed tests
package testing

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/google/uuid"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// TestTemplate is the payload every fixture campaign sends
func TestTemplate() models.MessagePayload {
	return models.MessagePayload{
		Type:             models.PayloadTypeTemplate,
		TemplateName:     "spring_sale",
		TemplateLanguage: "en",
		TemplateParams:   []string{"20%"},
	}
}

// CreateTestCampaign creates a campaign in the given status
func (tf *TestFixtures) CreateTestCampaign(status models.CampaignStatus, dailyQuota, priority int) (*models.Campaign, error) {
	campaign := &models.Campaign{
		UUID:       uuid.New(),
		Name:       fmt.Sprintf("campaign-%d", rand.Intn(1000000)),
		DailyQuota: dailyQuota,
		Priority:   priority,
		Status:     status,
		Template:   TestTemplate(),
	}

	if err := tf.DB.DB.Create(campaign).Error; err != nil {
		return nil, fmt.Errorf("failed to create test campaign: %w", err)
	}

	return campaign, nil
}

// TestPhoneNumber returns a distinct, valid mobile number for index i in the stored form (E.164 without +)
func TestPhoneNumber(i int) string {
	return fmt.Sprintf("4915%09d", 100000000+i)
}

// CreateTestRecipients inserts n pending recipients with sequences continuing from the campaign's count,
// scheduled on start + floor(sequence / quota) when start is set, and keeps the campaign counters in step
func (tf *TestFixtures) CreateTestRecipients(campaign *models.Campaign, n int, start *time.Time) ([]*models.Recipient, error) {
	recipients := make([]*models.Recipient, 0, n)
	base := campaign.RecipientCount
	for i := 0; i < n; i++ {
		seq := base + int64(i)
		r := &models.Recipient{
			CampaignID:  campaign.ID,
			PhoneNumber: TestPhoneNumber(int(campaign.ID)*1000000 + int(seq)),
			Sequence:    seq,
			Status:      models.DeliveryStatusPending,
		}
		if start != nil {
			r.ScheduledDate = utils.ToPtr(utils.AddDays(*start, int(seq)/campaign.DailyQuota))
		}
		recipients = append(recipients, r)
	}

	if err := tf.DB.DB.CreateInBatches(recipients, 500).Error; err != nil {
		return nil, fmt.Errorf("failed to create test recipients: %w", err)
	}

	updates := map[string]any{
		"recipient_count": campaign.RecipientCount + int64(n),
		"pending_count":   campaign.PendingCount + int64(n),
	}
	if start != nil {
		updates["scheduled_count"] = campaign.ScheduledCount + int64(n)
	}
	if err := tf.DB.DB.Model(campaign).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update test campaign counters: %w", err)
	}
	campaign.RecipientCount += int64(n)
	campaign.PendingCount += int64(n)
	if start != nil {
		campaign.ScheduledCount += int64(n)
	}

	return recipients, nil
}

// CreateTestOutboundMessage creates a queued outbound conversational message
func (tf *TestFixtures) CreateTestOutboundMessage(phone string) (*models.Message, error) {
	message := &models.Message{
		Direction:   models.MessageDirectionOutbound,
		PhoneNumber: phone,
		Payload:     models.MessagePayload{Type: models.PayloadTypeText, Text: "hello"},
		Status:      models.DeliveryStatusQueued,
		QueuedAt:    utils.UTCNowPtr(),
	}

	if err := tf.DB.DB.Create(message).Error; err != nil {
		return nil, fmt.Errorf("failed to create test message: %w", err)
	}

	return message, nil
}

// ReloadCampaign reads the campaign row again
func (tf *TestFixtures) ReloadCampaign(id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := tf.DB.DB.First(&campaign, id).Error; err != nil {
		return nil, fmt.Errorf("failed to reload campaign %d: %w", id, err)
	}
	return &campaign, nil
}

// ReloadRecipient reads the recipient row again
func (tf *TestFixtures) ReloadRecipient(id uint) (*models.Recipient, error) {
	var recipient models.Recipient
	if err := tf.DB.DB.First(&recipient, id).Error; err != nil {
		return nil, fmt.Errorf("failed to reload recipient %d: %w", id, err)
	}
	return &recipient, nil
}
