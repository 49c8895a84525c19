package handlers

import (
	"github.com/amirphl/whatsapp-courier/app/dto"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// DispatchHandlerInterface defines the contract for dispatch handlers
type DispatchHandlerInterface interface {
	RunDailyDispatch(c fiber.Ctx) error
}

// DispatchHandler lets operators trigger a dispatch pass outside the scheduler's cadence
type DispatchHandler struct {
	baseHandler
	dispatchFlow businessflow.DispatchFlow
}

var dispatchErrorStatuses = map[string]int{
	"DISPATCH_VALIDATION_FAILED": fiber.StatusBadRequest,
}

// NewDispatchHandler creates a new dispatch handler
func NewDispatchHandler(dispatchFlow businessflow.DispatchFlow, logger *logrus.Logger) *DispatchHandler {
	return &DispatchHandler{
		baseHandler:  newBaseHandler("dispatch_handler", logger),
		dispatchFlow: dispatchFlow,
	}
}

// RunDailyDispatch releases each active campaign's quota for a day
// @Summary Run Daily Dispatch
// @Description Release up to the daily quota of every active campaign for as_of (default today). Running twice for the same day releases nothing new.
// @Tags Dispatch
// @Accept json
// @Produce json
// @Param request body dto.RunDailyDispatchRequest false "Dispatch day"
// @Success 200 {object} dto.APIResponse{data=dto.RunDailyDispatchResponse} "Dispatch completed"
// @Failure 400 {object} dto.APIResponse "Invalid day"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/dispatch/run [post]
func (h *DispatchHandler) RunDailyDispatch(c fiber.Ctx) error {
	var req dto.RunDailyDispatchRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.dispatchFlow.RunDailyDispatch(ctx, &req, h.metadata(c))
	if err != nil {
		return h.businessError(c, "RunDailyDispatch", err, dispatchErrorStatuses, "Daily dispatch failed", "DISPATCH_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}
