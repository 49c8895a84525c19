package handlers

import (
	"context"
	"strconv"

	"github.com/amirphl/whatsapp-courier/app/dto"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// CampaignHandlerInterface defines the contract for campaign handlers
type CampaignHandlerInterface interface {
	CreateCampaign(c fiber.Ctx) error
	AddRecipients(c fiber.Ctx) error
	ListRecipients(c fiber.Ctx) error
	Activate(c fiber.Ctx) error
	Pause(c fiber.Ctx) error
	Resume(c fiber.Ctx) error
	Cancel(c fiber.Ctx) error
	GetStats(c fiber.Ctx) error
}

// CampaignHandler handles campaign-related HTTP requests
type CampaignHandler struct {
	baseHandler
	campaignFlow businessflow.CampaignFlow
}

var campaignErrorStatuses = map[string]int{
	"CAMPAIGN_VALIDATION_FAILED":       fiber.StatusBadRequest,
	"RECIPIENT_LIST_EMPTY":             fiber.StatusBadRequest,
	"RECIPIENT_LIST_VALIDATION_FAILED": fiber.StatusBadRequest,
	"CAMPAIGN_NOT_FOUND":               fiber.StatusNotFound,
	"CAMPAIGN_STATE_CONFLICT":          fiber.StatusConflict,
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignFlow businessflow.CampaignFlow, logger *logrus.Logger) *CampaignHandler {
	return &CampaignHandler{
		baseHandler:  newBaseHandler("campaign_handler", logger),
		campaignFlow: campaignFlow,
	}
}

// CreateCampaign handles campaign creation
// @Summary Create Campaign
// @Description Create a draft campaign with a daily quota, priority and message template
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param request body dto.CreateCampaignRequest true "Campaign creation data"
// @Success 201 {object} dto.APIResponse{data=dto.CreateCampaignResponse} "Campaign created successfully"
// @Failure 400 {object} dto.APIResponse "Validation error or invalid request"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/campaigns [post]
func (h *CampaignHandler) CreateCampaign(c fiber.Ctx) error {
	var req dto.CreateCampaignRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.campaignFlow.CreateCampaign(ctx, &req, h.metadata(c))
	if err != nil {
		return h.businessError(c, "CreateCampaign", err, campaignErrorStatuses, "Campaign creation failed", "CAMPAIGN_CREATION_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusCreated, "Campaign created successfully", result)
}

// AddRecipients appends phone numbers to a campaign
// @Summary Add Recipients
// @Description Append phone numbers to a campaign; duplicates are skipped and invalid numbers reported
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param request body dto.AddRecipientsRequest true "Phone numbers"
// @Success 200 {object} dto.APIResponse{data=dto.AddRecipientsResponse} "Recipients added"
// @Failure 400 {object} dto.APIResponse "Validation error or invalid request"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 409 {object} dto.APIResponse "Campaign is closed"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/campaigns/{id}/recipients [post]
func (h *CampaignHandler) AddRecipients(c fiber.Ctx) error {
	campaignID, err := campaignIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID is invalid", "INVALID_CAMPAIGN_ID", err.Error())
	}

	var req dto.AddRecipientsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.CampaignID = campaignID
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.campaignFlow.AddRecipients(ctx, &req, h.metadata(c))
	if err != nil {
		return h.businessError(c, "AddRecipients", err, campaignErrorStatuses, "Failed to add recipients", "RECIPIENTS_ADD_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// ListRecipients returns one page of a campaign's recipients
// @Summary List Recipients
// @Description List the recipients of a campaign with their delivery status and error reason
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Param status query string false "Filter by status"
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Items per page (max 500)" default(50)
// @Success 200 {object} dto.APIResponse{data=dto.ListRecipientsResponse} "Recipients retrieved"
// @Failure 400 {object} dto.APIResponse "Invalid filter"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/campaigns/{id}/recipients [get]
func (h *CampaignHandler) ListRecipients(c fiber.Ctx) error {
	campaignID, err := campaignIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID is invalid", "INVALID_CAMPAIGN_ID", err.Error())
	}

	req := dto.ListRecipientsRequest{CampaignID: campaignID}
	if status := c.Query("status"); status != "" {
		req.Status = &status
	}
	if pageStr := c.Query("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Page must be a number", "INVALID_PAGE", nil)
		}
		req.Page = page
	}
	if pageSizeStr := c.Query("page_size"); pageSizeStr != "" {
		pageSize, err := strconv.Atoi(pageSizeStr)
		if err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Page size must be a number", "INVALID_PAGE_SIZE", nil)
		}
		req.PageSize = pageSize
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.campaignFlow.ListRecipients(ctx, &req)
	if err != nil {
		return h.businessError(c, "ListRecipients", err, campaignErrorStatuses, "Failed to list recipients", "RECIPIENT_LIST_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Recipients retrieved successfully", result)
}

// Activate schedules every recipient and makes the campaign dispatchable
// @Summary Activate Campaign
// @Description Assign scheduled days to all recipients starting at start_date (default today) and activate the campaign
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param request body dto.ActivateCampaignRequest false "Activation options"
// @Success 200 {object} dto.APIResponse{data=dto.ActivateCampaignResponse} "Campaign activated"
// @Failure 400 {object} dto.APIResponse "Invalid start date"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 409 {object} dto.APIResponse "Campaign is not in draft or has no recipients"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/campaigns/{id}/activate [post]
func (h *CampaignHandler) Activate(c fiber.Ctx) error {
	campaignID, err := campaignIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID is invalid", "INVALID_CAMPAIGN_ID", err.Error())
	}

	var req dto.ActivateCampaignRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}
	req.CampaignID = campaignID
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.campaignFlow.Activate(ctx, &req, h.metadata(c))
	if err != nil {
		return h.businessError(c, "Activate", err, campaignErrorStatuses, "Campaign activation failed", "CAMPAIGN_ACTIVATION_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// Pause stops releasing recipients of an active campaign
// @Summary Pause Campaign
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignActionResponse} "Campaign paused"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 409 {object} dto.APIResponse "Campaign is not active"
// @Router /api/v1/campaigns/{id}/pause [post]
func (h *CampaignHandler) Pause(c fiber.Ctx) error {
	return h.action(c, "Pause", h.campaignFlow.Pause, "Campaign pause failed", "CAMPAIGN_PAUSE_FAILED")
}

// Resume makes a paused campaign dispatchable again
// @Summary Resume Campaign
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignActionResponse} "Campaign resumed"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 409 {object} dto.APIResponse "Campaign is not paused"
// @Router /api/v1/campaigns/{id}/resume [post]
func (h *CampaignHandler) Resume(c fiber.Ctx) error {
	return h.action(c, "Resume", h.campaignFlow.Resume, "Campaign resume failed", "CAMPAIGN_RESUME_FAILED")
}

// Cancel cancels a campaign and every recipient not yet queued
// @Summary Cancel Campaign
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignActionResponse} "Campaign cancelled"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 409 {object} dto.APIResponse "Campaign is already closed"
// @Router /api/v1/campaigns/{id}/cancel [post]
func (h *CampaignHandler) Cancel(c fiber.Ctx) error {
	return h.action(c, "Cancel", h.campaignFlow.Cancel, "Campaign cancellation failed", "CAMPAIGN_CANCEL_FAILED")
}

type campaignActionFunc func(ctx context.Context, req *dto.CampaignActionRequest, metadata *businessflow.ClientMetadata) (*dto.CampaignActionResponse, error)

func (h *CampaignHandler) action(c fiber.Ctx, function string, fn campaignActionFunc, failMessage, failCode string) error {
	campaignID, err := campaignIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID is invalid", "INVALID_CAMPAIGN_ID", err.Error())
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := fn(ctx, &dto.CampaignActionRequest{CampaignID: campaignID}, h.metadata(c))
	if err != nil {
		return h.businessError(c, function, err, campaignErrorStatuses, failMessage, failCode)
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// GetStats returns the counters and progress of a campaign
// @Summary Campaign Stats
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignStatsResponse} "Campaign stats"
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/campaigns/{id}/stats [get]
func (h *CampaignHandler) GetStats(c fiber.Ctx) error {
	campaignID, err := campaignIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID is invalid", "INVALID_CAMPAIGN_ID", err.Error())
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.campaignFlow.GetStats(ctx, &dto.GetCampaignStatsRequest{CampaignID: campaignID})
	if err != nil {
		return h.businessError(c, "GetStats", err, campaignErrorStatuses, "Failed to read campaign stats", "CAMPAIGN_STATS_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Campaign stats retrieved successfully", result)
}
