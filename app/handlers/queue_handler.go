package handlers

import (
	"strconv"

	"github.com/amirphl/whatsapp-courier/app/dto"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

const defaultDeadLetterLimit = 100

// QueueHandlerInterface defines the contract for dead-letter handlers
type QueueHandlerInterface interface {
	ListDeadLetters(c fiber.Ctx) error
	RedriveDeadLetters(c fiber.Ctx) error
}

// QueueHandler exposes dead-letter inspection and redrive to operators
type QueueHandler struct {
	baseHandler
	queueFlow businessflow.QueueFlow
}

var queueErrorStatuses = map[string]int{
	"QUEUE_NOT_FOUND": fiber.StatusNotFound,
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(queueFlow businessflow.QueueFlow, logger *logrus.Logger) *QueueHandler {
	return &QueueHandler{
		baseHandler: newBaseHandler("queue_handler", logger),
		queueFlow:   queueFlow,
	}
}

// ListDeadLetters returns the items parked in a queue's DLQ
// @Summary List Dead Letters
// @Tags Queues
// @Produce json
// @Param queue path string true "Queue name (inbound, outbound, analytics)"
// @Param limit query int false "Maximum items" default(100)
// @Success 200 {object} dto.APIResponse{data=dto.ListDeadLettersResponse} "Dead letters"
// @Failure 404 {object} dto.APIResponse "Queue not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/queues/{queue}/dead-letters [get]
func (h *QueueHandler) ListDeadLetters(c fiber.Ctx) error {
	limit := defaultDeadLetterLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v < 1 || v > 1000 {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Limit must be between 1 and 1000", "INVALID_LIMIT", nil)
		}
		limit = v
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.queueFlow.ListDeadLetters(ctx, c.Params("queue"), limit)
	if err != nil {
		return h.businessError(c, "ListDeadLetters", err, queueErrorStatuses, "Failed to list dead letters", "DEAD_LETTERS_LIST_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Dead letters retrieved successfully", result)
}

// RedriveDeadLetters moves dead letters back to their main queue
// @Summary Redrive Dead Letters
// @Tags Queues
// @Accept json
// @Produce json
// @Param queue path string true "Queue name (inbound, outbound, analytics)"
// @Param request body dto.RedriveDeadLettersRequest false "Items to move"
// @Success 200 {object} dto.APIResponse{data=dto.RedriveDeadLettersResponse} "Items moved"
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Failure 404 {object} dto.APIResponse "Queue not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/queues/{queue}/dead-letters/redrive [post]
func (h *QueueHandler) RedriveDeadLetters(c fiber.Ctx) error {
	var req dto.RedriveDeadLettersRequest
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

	result, err := h.queueFlow.RedriveDeadLetters(ctx, c.Params("queue"), &req, h.metadata(c))
	if err != nil {
		return h.businessError(c, "RedriveDeadLetters", err, queueErrorStatuses, "Failed to redrive dead letters", "DEAD_LETTERS_REDRIVE_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}
