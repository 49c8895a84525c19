package handlers

import (
	"github.com/amirphl/whatsapp-courier/app/dto"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// MessageHandlerInterface defines the contract for conversational message handlers
type MessageHandlerInterface interface {
	SendMessage(c fiber.Ctx) error
	IngestInboundEvents(c fiber.Ctx) error
}

// MessageHandler handles one-off outbound sends and inbound event ingestion
type MessageHandler struct {
	baseHandler
	messageFlow businessflow.MessageFlow
	inboundFlow businessflow.InboundFlow
}

var messageErrorStatuses = map[string]int{
	"MESSAGE_VALIDATION_FAILED": fiber.StatusBadRequest,
	"INBOUND_VALIDATION_FAILED": fiber.StatusBadRequest,
	"MESSAGE_ENQUEUE_FAILED":    fiber.StatusServiceUnavailable,
	"INBOUND_ENQUEUE_FAILED":    fiber.StatusServiceUnavailable,
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messageFlow businessflow.MessageFlow, inboundFlow businessflow.InboundFlow, logger *logrus.Logger) *MessageHandler {
	return &MessageHandler{
		baseHandler: newBaseHandler("message_handler", logger),
		messageFlow: messageFlow,
		inboundFlow: inboundFlow,
	}
}

// SendMessage queues a conversational message to one phone number
// @Summary Send Message
// @Description Store a queued outbound message and hand it to the dispatch workers
// @Tags Messages
// @Accept json
// @Produce json
// @Param request body dto.SendMessageRequest true "Message"
// @Success 202 {object} dto.APIResponse{data=dto.SendMessageResponse} "Message queued"
// @Failure 400 {object} dto.APIResponse "Validation error or invalid request"
// @Failure 503 {object} dto.APIResponse "Outbound queue unavailable"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/messages [post]
func (h *MessageHandler) SendMessage(c fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.messageFlow.SendMessage(ctx, &req, h.metadata(c))
	if err != nil {
		return h.businessError(c, "SendMessage", err, messageErrorStatuses, "Failed to send message", "MESSAGE_CREATE_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusAccepted, result.Message, result)
}

// IngestInboundEvents queues normalized webhook events for the inbound workers
// @Summary Ingest Inbound Events
// @Description Queue inbound messages and status acknowledgements. Each event is applied at most once by its event_id.
// @Tags Messages
// @Accept json
// @Produce json
// @Param request body dto.IngestInboundEventsRequest true "Events"
// @Success 202 {object} dto.APIResponse{data=dto.IngestInboundEventsResponse} "Events queued"
// @Failure 400 {object} dto.APIResponse "Validation error or invalid request"
// @Failure 503 {object} dto.APIResponse "Inbound queue unavailable"
// @Router /api/v1/inbound/events [post]
func (h *MessageHandler) IngestInboundEvents(c fiber.Ctx) error {
	var req dto.IngestInboundEventsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.inboundFlow.IngestEvents(ctx, &req, h.metadata(c))
	if err != nil {
		return h.businessError(c, "IngestInboundEvents", err, messageErrorStatuses, "Failed to ingest events", "INBOUND_INGEST_FAILED")
	}

	return h.SuccessResponse(c, fiber.StatusAccepted, result.Message, result)
}
