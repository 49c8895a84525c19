// Package businessflow contains the core business logic and use cases of the delivery engine
package businessflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultRecipientPageSize = 50
	maxRecipientPageSize     = 500
)

// CampaignFlow handles the campaign lifecycle: creation, recipients, activation and the pause/resume/cancel controls
type CampaignFlow interface {
	CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest, metadata *ClientMetadata) (*dto.CreateCampaignResponse, error)
	AddRecipients(ctx context.Context, req *dto.AddRecipientsRequest, metadata *ClientMetadata) (*dto.AddRecipientsResponse, error)
	Activate(ctx context.Context, req *dto.ActivateCampaignRequest, metadata *ClientMetadata) (*dto.ActivateCampaignResponse, error)
	Pause(ctx context.Context, req *dto.CampaignActionRequest, metadata *ClientMetadata) (*dto.CampaignActionResponse, error)
	Resume(ctx context.Context, req *dto.CampaignActionRequest, metadata *ClientMetadata) (*dto.CampaignActionResponse, error)
	Cancel(ctx context.Context, req *dto.CampaignActionRequest, metadata *ClientMetadata) (*dto.CampaignActionResponse, error)
	GetStats(ctx context.Context, req *dto.GetCampaignStatsRequest) (*dto.CampaignStatsResponse, error)
	ListRecipients(ctx context.Context, req *dto.ListRecipientsRequest) (*dto.ListRecipientsResponse, error)
}

// CampaignFlowImpl implements the campaign business flow
type CampaignFlowImpl struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.RecipientRepository
	db            *gorm.DB
	loc           *time.Location
	phoneRegion   string
	now           func() time.Time
}

// NewCampaignFlow creates a new campaign flow instance. Calendar days are evaluated in loc.
func NewCampaignFlow(
	campaignRepo repository.CampaignRepository,
	recipientRepo repository.RecipientRepository,
	db *gorm.DB,
	loc *time.Location,
	phoneRegion string,
) CampaignFlow {
	if loc == nil {
		loc = time.UTC
	}
	if phoneRegion == "" {
		phoneRegion = utils.DefaultRegion
	}
	return &CampaignFlowImpl{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		db:            db,
		loc:           loc,
		phoneRegion:   phoneRegion,
		now:           utils.UTCNow,
	}
}

// CreateCampaign stores a new draft campaign
func (s *CampaignFlowImpl) CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest, metadata *ClientMetadata) (*dto.CreateCampaignResponse, error) {
	if err := validateCreateCampaignRequest(req); err != nil {
		return nil, NewBusinessError("CAMPAIGN_VALIDATION_FAILED", "Campaign validation failed", err)
	}

	priority := 100
	if req.Priority != nil {
		priority = *req.Priority
	}

	campaign := &models.Campaign{
		UUID:       uuid.New(),
		Name:       strings.TrimSpace(req.Name),
		DailyQuota: req.DailyQuota,
		Priority:   priority,
		Status:     models.CampaignStatusDraft,
		Template:   ToMessagePayload(req.Template),
	}
	if err := s.campaignRepo.Save(ctx, campaign); err != nil {
		return nil, NewBusinessError("CAMPAIGN_CREATION_FAILED", "Campaign creation failed", err)
	}

	return &dto.CreateCampaignResponse{
		Message:   "Campaign created successfully",
		ID:        campaign.ID,
		UUID:      campaign.UUID.String(),
		Status:    campaign.Status.String(),
		CreatedAt: campaign.CreatedAt.Format(time.RFC3339),
	}, nil
}

func validateCreateCampaignRequest(req *dto.CreateCampaignRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return ErrCampaignNameRequired
	}
	if req.DailyQuota <= 0 {
		return ErrCampaignQuotaInvalid
	}
	if req.Priority != nil && *req.Priority < 0 {
		return ErrCampaignPriorityInvalid
	}
	if err := ValidatePayload(ToMessagePayload(req.Template)); err != nil {
		return fmt.Errorf("%w: %v", ErrCampaignTemplateInvalid, err)
	}
	return nil
}

// AddRecipients appends numbers to a campaign. Numbers already on the campaign or repeated in
// the request are skipped; unparsable numbers are reported. When the campaign is already
// scheduled the new recipients are scheduled with the same formula, continuing the sequence.
func (s *CampaignFlowImpl) AddRecipients(ctx context.Context, req *dto.AddRecipientsRequest, metadata *ClientMetadata) (*dto.AddRecipientsResponse, error) {
	if len(req.PhoneNumbers) == 0 {
		return nil, NewBusinessError("RECIPIENT_LIST_EMPTY", "Recipient list is empty", ErrRecipientListEmpty)
	}

	normalized, invalid, inRequestDuplicates := s.normalizePhones(req.PhoneNumbers)

	var added, skipped int64
	err := repository.WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		// serializes sequence allocation per campaign
		campaign, err := s.campaignRepo.ByIDForUpdate(txCtx, req.CampaignID)
		if err != nil {
			return err
		}
		if campaign == nil {
			return ErrCampaignNotFound
		}
		if !campaign.Status.AcceptsRecipients() {
			return ErrCampaignClosed
		}

		existing, err := s.recipientRepo.ExistingPhones(txCtx, campaign.ID, normalized)
		if err != nil {
			return err
		}

		fresh := make([]string, 0, len(normalized))
		for _, phone := range normalized {
			if _, ok := existing[phone]; ok {
				skipped++
				continue
			}
			fresh = append(fresh, phone)
		}
		if len(fresh) == 0 {
			return nil
		}

		nextSeq, err := s.recipientRepo.NextSequence(txCtx, campaign.ID)
		if err != nil {
			return err
		}

		recipients := make([]*models.Recipient, 0, len(fresh))
		for i, phone := range fresh {
			recipients = append(recipients, &models.Recipient{
				CampaignID:  campaign.ID,
				PhoneNumber: phone,
				Sequence:    nextSeq + int64(i),
				Status:      models.DeliveryStatusPending,
			})
		}

		inserted, err := s.recipientRepo.InsertIgnoreDuplicates(txCtx, recipients)
		if err != nil {
			return err
		}
		added = inserted
		skipped += int64(len(fresh)) - inserted

		delta := repository.CampaignCounterDelta{Recipient: inserted, Pending: inserted}

		if campaign.StartDate != nil && campaign.Status != models.CampaignStatusDraft {
			start := utils.DayIn(*campaign.StartDate, s.loc)
			scheduled, err := s.recipientRepo.AssignSchedule(txCtx, campaign.ID, start, campaign.DailyQuota, nextSeq)
			if err != nil {
				return err
			}
			delta.Scheduled = scheduled

			total := campaign.RecipientCount + inserted
			if err := s.campaignRepo.UpdateSchedule(txCtx, campaign.ID, start, EstimatedCompletionDate(start, total, campaign.DailyQuota)); err != nil {
				return err
			}
		}

		return s.campaignRepo.AdjustCounters(txCtx, campaign.ID, delta)
	})
	if err != nil {
		return nil, campaignError("RECIPIENTS_ADD_FAILED", "Failed to add recipients", err)
	}

	return &dto.AddRecipientsResponse{
		Message:               "Recipients added successfully",
		AddedCount:            added,
		SkippedDuplicateCount: skipped + inRequestDuplicates,
		InvalidCount:          int64(len(invalid)),
		InvalidNumbers:        invalid,
	}, nil
}

// normalizePhones returns the unique normalized numbers in request order, the numbers that
// failed to parse and how many valid numbers repeated an earlier one
func (s *CampaignFlowImpl) normalizePhones(raw []string) ([]string, []string, int64) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	var invalid []string
	var dups int64

	for _, r := range raw {
		phone, err := utils.NormalizePhoneNumber(r, s.phoneRegion)
		if err != nil {
			invalid = append(invalid, r)
			continue
		}
		if _, ok := seen[phone]; ok {
			dups++
			continue
		}
		seen[phone] = struct{}{}
		out = append(out, phone)
	}

	return out, invalid, dups
}

// Activate schedules every recipient of a draft campaign and starts it.
// Recipient with sequence s is due on start + floor(s / daily_quota).
func (s *CampaignFlowImpl) Activate(ctx context.Context, req *dto.ActivateCampaignRequest, metadata *ClientMetadata) (*dto.ActivateCampaignResponse, error) {
	today := utils.TruncateToDay(s.now(), s.loc)
	start := today
	if req.StartDate != "" {
		parsed, err := utils.ParseDay(req.StartDate, s.loc)
		if err != nil {
			return nil, NewBusinessError("CAMPAIGN_VALIDATION_FAILED", "Invalid start date", ErrStartDateInvalid)
		}
		start = parsed
	}
	if start.Before(today) {
		return nil, NewBusinessError("CAMPAIGN_VALIDATION_FAILED", "Start date is in the past", ErrStartDateInPast)
	}

	var (
		scheduled  int64
		estimated  time.Time
		campaignID = req.CampaignID
	)
	err := repository.WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		campaign, err := s.campaignRepo.ByIDForUpdate(txCtx, campaignID)
		if err != nil {
			return err
		}
		if campaign == nil {
			return ErrCampaignNotFound
		}
		if campaign.Status != models.CampaignStatusDraft {
			return ErrCampaignNotDraft
		}
		if campaign.RecipientCount == 0 {
			return ErrCampaignHasNoRecipients
		}

		scheduled, err = s.recipientRepo.AssignSchedule(txCtx, campaign.ID, start, campaign.DailyQuota, 0)
		if err != nil {
			return err
		}
		estimated = EstimatedCompletionDate(start, campaign.RecipientCount, campaign.DailyQuota)

		if err := s.campaignRepo.UpdateSchedule(txCtx, campaign.ID, start, estimated); err != nil {
			return err
		}
		ok, err := s.campaignRepo.CompareAndSetStatus(txCtx, campaign.ID,
			[]models.CampaignStatus{models.CampaignStatusDraft}, models.CampaignStatusActive,
			map[string]any{"activated_at": s.now(), "scheduled_count": scheduled})
		if err != nil {
			return err
		}
		if !ok {
			return ErrCampaignStatusChangedRace
		}
		return nil
	})
	if err != nil {
		return nil, campaignError("CAMPAIGN_ACTIVATION_FAILED", "Campaign activation failed", err)
	}

	return &dto.ActivateCampaignResponse{
		Message:                 "Campaign activated successfully",
		StartDate:               start.Format(time.DateOnly),
		EstimatedCompletionDate: estimated.Format(time.DateOnly),
		ScheduledCount:          scheduled,
	}, nil
}

// Pause stops daily releases; recipients already queued are still delivered
func (s *CampaignFlowImpl) Pause(ctx context.Context, req *dto.CampaignActionRequest, metadata *ClientMetadata) (*dto.CampaignActionResponse, error) {
	if err := s.transition(ctx, req.CampaignID, models.CampaignStatusActive, models.CampaignStatusPaused, ErrCampaignNotActive); err != nil {
		return nil, campaignError("CAMPAIGN_PAUSE_FAILED", "Campaign pause failed", err)
	}
	return &dto.CampaignActionResponse{Message: "Campaign paused successfully", Status: models.CampaignStatusPaused.String()}, nil
}

// Resume restarts daily releases; days missed while paused are caught up within the daily quota
func (s *CampaignFlowImpl) Resume(ctx context.Context, req *dto.CampaignActionRequest, metadata *ClientMetadata) (*dto.CampaignActionResponse, error) {
	if err := s.transition(ctx, req.CampaignID, models.CampaignStatusPaused, models.CampaignStatusActive, ErrCampaignNotPaused); err != nil {
		return nil, campaignError("CAMPAIGN_RESUME_FAILED", "Campaign resume failed", err)
	}
	return &dto.CampaignActionResponse{Message: "Campaign resumed successfully", Status: models.CampaignStatusActive.String()}, nil
}

func (s *CampaignFlowImpl) transition(ctx context.Context, id uint, from, to models.CampaignStatus, wrongState error) error {
	ok, err := s.campaignRepo.CompareAndSetStatus(ctx, id, []models.CampaignStatus{from}, to, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	campaign, err := s.campaignRepo.ByID(ctx, id)
	if err != nil {
		return err
	}
	if campaign == nil {
		return ErrCampaignNotFound
	}
	return wrongState
}

// Cancel stops the campaign for good. Pending recipients are cancelled; queued ones complete.
func (s *CampaignFlowImpl) Cancel(ctx context.Context, req *dto.CampaignActionRequest, metadata *ClientMetadata) (*dto.CampaignActionResponse, error) {
	var cancelled int64
	err := repository.WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		campaign, err := s.campaignRepo.ByIDForUpdate(txCtx, req.CampaignID)
		if err != nil {
			return err
		}
		if campaign == nil {
			return ErrCampaignNotFound
		}

		open := []models.CampaignStatus{models.CampaignStatusDraft, models.CampaignStatusActive, models.CampaignStatusPaused}
		ok, err := s.campaignRepo.CompareAndSetStatus(txCtx, campaign.ID, open, models.CampaignStatusCancelled,
			map[string]any{"cancelled_at": s.now()})
		if err != nil {
			return err
		}
		if !ok {
			return ErrCampaignClosed
		}

		cancelled, err = s.recipientRepo.CancelPending(txCtx, campaign.ID)
		if err != nil {
			return err
		}
		return s.campaignRepo.AdjustCounters(txCtx, campaign.ID, repository.CampaignCounterDelta{
			Pending:   -cancelled,
			Cancelled: cancelled,
		})
	})
	if err != nil {
		return nil, campaignError("CAMPAIGN_CANCEL_FAILED", "Campaign cancellation failed", err)
	}

	return &dto.CampaignActionResponse{
		Message:        "Campaign cancelled successfully",
		Status:         models.CampaignStatusCancelled.String(),
		CancelledCount: cancelled,
	}, nil
}

// GetStats returns the cached counters of a campaign
func (s *CampaignFlowImpl) GetStats(ctx context.Context, req *dto.GetCampaignStatsRequest) (*dto.CampaignStatsResponse, error) {
	campaign, err := s.campaignRepo.ByID(ctx, req.CampaignID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to lookup campaign", err)
	}
	if campaign == nil {
		return nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}

	return ToCampaignStatsResponse(campaign), nil
}

// ToCampaignStatsResponse converts a campaign to its stats view
func ToCampaignStatsResponse(c *models.Campaign) *dto.CampaignStatsResponse {
	resp := &dto.CampaignStatsResponse{
		ID:                 c.ID,
		UUID:               c.UUID.String(),
		Name:               c.Name,
		Status:             c.Status.String(),
		DailyQuota:         c.DailyQuota,
		Priority:           c.Priority,
		Total:              c.RecipientCount,
		Scheduled:          c.ScheduledCount,
		Pending:            c.PendingCount,
		Queued:             c.QueuedCount,
		Sent:               c.SentCount,
		Delivered:          c.DeliveredCount,
		Read:               c.ReadCount,
		Failed:             c.FailedCount,
		Cancelled:          c.CancelledCount,
		ProgressPercentage: ProgressPercentage(c.RecipientCount, c.PendingCount, c.QueuedCount, c.CancelledCount),
	}
	if c.StartDate != nil {
		resp.StartDate = utils.ToPtr(c.StartDate.Format(time.DateOnly))
	}
	if c.EstimatedCompletionDate != nil {
		resp.EstimatedCompletionDate = utils.ToPtr(c.EstimatedCompletionDate.Format(time.DateOnly))
	}
	return resp
}

// ListRecipients returns a page of a campaign's recipients in sequence order
func (s *CampaignFlowImpl) ListRecipients(ctx context.Context, req *dto.ListRecipientsRequest) (*dto.ListRecipientsResponse, error) {
	page, pageSize := req.Page, req.PageSize
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = defaultRecipientPageSize
	}
	if page < 1 {
		return nil, NewBusinessError("RECIPIENT_LIST_VALIDATION_FAILED", "Invalid page", ErrInvalidPage)
	}
	if pageSize < 1 || pageSize > maxRecipientPageSize {
		return nil, NewBusinessError("RECIPIENT_LIST_VALIDATION_FAILED", "Invalid page size", ErrInvalidPageSize)
	}

	exists, err := s.campaignRepo.Exists(ctx, models.CampaignFilter{ID: &req.CampaignID})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to lookup campaign", err)
	}
	if !exists {
		return nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}

	filter := models.RecipientFilter{CampaignID: &req.CampaignID}
	if req.Status != nil {
		status := models.DeliveryStatus(*req.Status)
		filter.Status = &status
	}

	total, err := s.recipientRepo.Count(ctx, filter)
	if err != nil {
		return nil, NewBusinessError("RECIPIENT_LIST_FAILED", "Failed to count recipients", err)
	}
	rows, err := s.recipientRepo.ByFilter(ctx, filter, "sequence ASC", pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, NewBusinessError("RECIPIENT_LIST_FAILED", "Failed to list recipients", err)
	}

	items := make([]dto.RecipientItem, 0, len(rows))
	for _, r := range rows {
		item := dto.RecipientItem{
			ID:                r.ID,
			PhoneNumber:       r.PhoneNumber,
			Sequence:          r.Sequence,
			Status:            r.Status.String(),
			ProviderMessageID: r.ProviderMessageID,
			ErrorInfo:         r.ErrorInfo,
			RetryCount:        r.RetryCount,
			QueuedAt:          r.QueuedAt,
			SentAt:            r.SentAt,
			DeliveredAt:       r.DeliveredAt,
			ReadAt:            r.ReadAt,
			FailedAt:          r.FailedAt,
		}
		if r.ScheduledDate != nil {
			item.ScheduledDate = utils.ToPtr(r.ScheduledDate.Format(time.DateOnly))
		}
		items = append(items, item)
	}

	return &dto.ListRecipientsResponse{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
	}, nil
}

// campaignError wraps err with the code of its sentinel so handlers can map it to a status
func campaignError(code, message string, err error) error {
	var be *BusinessError
	if errors.As(err, &be) {
		return be
	}
	switch {
	case errors.Is(err, ErrCampaignNotFound):
		return NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", err)
	case IsCampaignStateConflict(err):
		return NewBusinessError("CAMPAIGN_STATE_CONFLICT", message, err)
	case IsCampaignValidation(err):
		return NewBusinessError("CAMPAIGN_VALIDATION_FAILED", message, err)
	}
	return NewBusinessError(code, message, err)
}
