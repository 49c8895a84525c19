package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/xuri/excelize/v2"
)

const maxRollupDays = 366

const rollupSheet = "Daily"

// AnalyticsFlow computes per-day delivery rollups of a campaign
type AnalyticsFlow interface {
	DailyRollup(ctx context.Context, req *dto.CampaignAnalyticsRequest) (*dto.CampaignAnalyticsResponse, error)
	// ExportDailyRollup renders the rollup as an xlsx workbook
	ExportDailyRollup(ctx context.Context, req *dto.CampaignAnalyticsRequest) ([]byte, string, error)
}

// AnalyticsFlowImpl implements AnalyticsFlow
type AnalyticsFlowImpl struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.RecipientRepository
	loc           *time.Location
	now           func() time.Time
}

// NewAnalyticsFlow creates a new analytics flow. Days are bucketed in loc.
func NewAnalyticsFlow(campaignRepo repository.CampaignRepository, recipientRepo repository.RecipientRepository, loc *time.Location) AnalyticsFlow {
	if loc == nil {
		loc = time.UTC
	}
	return &AnalyticsFlowImpl{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		loc:           loc,
		now:           utils.UTCNow,
	}
}

func (f *AnalyticsFlowImpl) DailyRollup(ctx context.Context, req *dto.CampaignAnalyticsRequest) (*dto.CampaignAnalyticsResponse, error) {
	campaign, from, to, err := f.resolveRange(ctx, req)
	if err != nil {
		return nil, err
	}

	stats, err := f.recipientRepo.DailyRollup(ctx, campaign.ID, from, to)
	if err != nil {
		return nil, NewBusinessError("ANALYTICS_FAILED", "Failed to compute daily rollup", err)
	}

	resp := &dto.CampaignAnalyticsResponse{
		CampaignID: campaign.ID,
		From:       from.Format(time.DateOnly),
		To:         to.Format(time.DateOnly),
		Days:       make([]dto.DailyStatsItem, 0, len(stats)),
	}
	for _, s := range stats {
		resp.Days = append(resp.Days, toDailyStatsItem(s))
	}
	return resp, nil
}

func (f *AnalyticsFlowImpl) ExportDailyRollup(ctx context.Context, req *dto.CampaignAnalyticsRequest) ([]byte, string, error) {
	rollup, err := f.DailyRollup(ctx, req)
	if err != nil {
		return nil, "", err
	}

	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName("Sheet1", rollupSheet); err != nil {
		return nil, "", NewBusinessError("ANALYTICS_EXPORT_FAILED", "Failed to build workbook", err)
	}

	header := []any{"Day", "Released", "Sent", "Delivered", "Read", "Failed"}
	if err := file.SetSheetRow(rollupSheet, "A1", &header); err != nil {
		return nil, "", NewBusinessError("ANALYTICS_EXPORT_FAILED", "Failed to build workbook", err)
	}
	for i, d := range rollup.Days {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, "", NewBusinessError("ANALYTICS_EXPORT_FAILED", "Failed to build workbook", err)
		}
		row := []any{d.Day, d.Released, d.Sent, d.Delivered, d.Read, d.Failed}
		if err := file.SetSheetRow(rollupSheet, cell, &row); err != nil {
			return nil, "", NewBusinessError("ANALYTICS_EXPORT_FAILED", "Failed to build workbook", err)
		}
	}

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, "", NewBusinessError("ANALYTICS_EXPORT_FAILED", "Failed to write workbook", err)
	}

	name := fmt.Sprintf("campaign-%d-%s-%s.xlsx", rollup.CampaignID, rollup.From, rollup.To)
	return buf.Bytes(), name, nil
}

// resolveRange defaults from to the campaign start (or creation) day and to to today
func (f *AnalyticsFlowImpl) resolveRange(ctx context.Context, req *dto.CampaignAnalyticsRequest) (*models.Campaign, time.Time, time.Time, error) {
	if req == nil {
		return nil, time.Time{}, time.Time{}, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}

	campaign, err := f.campaignRepo.ByID(ctx, req.CampaignID)
	if err != nil {
		return nil, time.Time{}, time.Time{}, NewBusinessError("ANALYTICS_FAILED", "Failed to load campaign", err)
	}
	if campaign == nil {
		return nil, time.Time{}, time.Time{}, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}

	to := utils.TruncateToDay(f.now(), f.loc)
	if req.To != "" {
		if to, err = utils.ParseDay(req.To, f.loc); err != nil {
			return nil, time.Time{}, time.Time{}, NewBusinessError("ANALYTICS_VALIDATION_FAILED", "Analytics validation failed", ErrStartDateInvalid)
		}
	}

	var from time.Time
	switch {
	case req.From != "":
		if from, err = utils.ParseDay(req.From, f.loc); err != nil {
			return nil, time.Time{}, time.Time{}, NewBusinessError("ANALYTICS_VALIDATION_FAILED", "Analytics validation failed", ErrStartDateInvalid)
		}
	case campaign.StartDate != nil:
		from = utils.DayIn(*campaign.StartDate, f.loc)
	default:
		from = utils.TruncateToDay(campaign.CreatedAt, f.loc)
	}

	if from.After(to) {
		return nil, time.Time{}, time.Time{}, NewBusinessError("ANALYTICS_VALIDATION_FAILED", "Analytics validation failed", ErrStartDateAfterEndDate)
	}
	if utils.DaysBetween(from, to) >= maxRollupDays {
		return nil, time.Time{}, time.Time{}, NewBusinessError("ANALYTICS_VALIDATION_FAILED", "Analytics validation failed", ErrDateRangeTooLarge)
	}

	return campaign, from, to, nil
}

func toDailyStatsItem(s models.CampaignDailyStats) dto.DailyStatsItem {
	return dto.DailyStatsItem{
		Day:       s.Day.Format(time.DateOnly),
		Released:  s.Released,
		Sent:      s.Sent,
		Delivered: s.Delivered,
		Read:      s.Read,
		Failed:    s.Failed,
	}
}
