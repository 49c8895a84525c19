package handlers

import (
	"github.com/amirphl/whatsapp-courier/app/dto"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AnalyticsHandlerInterface defines the contract for analytics handlers
type AnalyticsHandlerInterface interface {
	DailyRollup(c fiber.Ctx) error
	ExportDailyRollup(c fiber.Ctx) error
}

// AnalyticsHandler serves per-day campaign rollups
type AnalyticsHandler struct {
	baseHandler
	analyticsFlow businessflow.AnalyticsFlow
}

var analyticsErrorStatuses = map[string]int{
	"ANALYTICS_VALIDATION_FAILED": fiber.StatusBadRequest,
	"CAMPAIGN_NOT_FOUND":          fiber.StatusNotFound,
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(analyticsFlow businessflow.AnalyticsFlow, logger *logrus.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		baseHandler:   newBaseHandler("analytics_handler", logger),
		analyticsFlow: analyticsFlow,
	}
}

func (h *AnalyticsHandler) parseRequest(c fiber.Ctx) (*dto.CampaignAnalyticsRequest, bool, error) {
	campaignID, err := campaignIDParam(c)
	if err != nil {
		return nil, false, h.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID is invalid", "INVALID_CAMPAIGN_ID", err.Error())
	}

	req := &dto.CampaignAnalyticsRequest{
		CampaignID: campaignID,
		From:       c.Query("from"),
		To:         c.Query("to"),
	}
	if ok, err := h.validate(c, req); !ok {
		return nil, false, err
	}
	return req, true, nil
}

// DailyRollup returns released, sent, delivered, read and failed counts per day
// @Summary Campaign Daily Rollup
// @Tags Analytics
// @Produce json
// @Param id path int true "Campaign ID"
// @Param from query string false "First day (YYYY-MM-DD), defaults to the campaign start"
// @Param to query string false "Last day (YYYY-MM-DD), defaults to today"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignAnalyticsResponse} "Rollup"
// @Failure 400 {object} dto.APIResponse "Invalid range"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Router /api/v1/campaigns/{id}/analytics [get]
func (h *AnalyticsHandler) DailyRollup(c fiber.Ctx) error {
	req, ok, err := h.parseRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.analyticsFlow.DailyRollup(ctx, req)
	if err != nil {
		return h.businessError(c, "DailyRollup", err, analyticsErrorStatuses, "Failed to build rollup", "ANALYTICS_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Campaign analytics retrieved successfully", result)
}

// ExportDailyRollup downloads the rollup as an Excel workbook
// @Summary Export Campaign Daily Rollup
// @Tags Analytics
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path int true "Campaign ID"
// @Param from query string false "First day (YYYY-MM-DD)"
// @Param to query string false "Last day (YYYY-MM-DD)"
// @Success 200 {file} file "Workbook"
// @Failure 400 {object} dto.APIResponse "Invalid range"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Router /api/v1/campaigns/{id}/analytics/export [get]
func (h *AnalyticsHandler) ExportDailyRollup(c fiber.Ctx) error {
	req, ok, err := h.parseRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	data, filename, err := h.analyticsFlow.ExportDailyRollup(ctx, req)
	if err != nil {
		return h.businessError(c, "ExportDailyRollup", err, analyticsErrorStatuses, "Failed to export rollup", "ANALYTICS_EXPORT_FAILED")
	}

	c.Set("Content-Type", xlsxContentType)
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Send(data)
}
