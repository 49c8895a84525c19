// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/app/middleware"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

const defaultRequestTimeout = 30 * time.Second

// baseHandler carries the response helpers and validator shared by every handler
type baseHandler struct {
	validator *validator.Validate
	logger    *logrus.Logger
	module    string
}

func newBaseHandler(module string, logger *logrus.Logger) baseHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return baseHandler{
		validator: validator.New(),
		logger:    logger,
		module:    module,
	}
}

func (h *baseHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: &dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *baseHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// validate runs struct validation and writes the 400 response; it returns true when the request is valid
func (h *baseHandler) validate(c fiber.Ctx, req any) (bool, error) {
	err := h.validator.Struct(req)
	if err == nil {
		return true, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", err.Error())
	}
	validationErrors := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		validationErrors = append(validationErrors, getValidationErrorMessage(fe))
	}
	return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
}

// requestContext derives the flow context of a request; the caller must call cancel
func (h *baseHandler) requestContext(c fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context(), defaultRequestTimeout)
}

// metadata describes the operator request for audit logging
func (h *baseHandler) metadata(c fiber.Ctx) *businessflow.ClientMetadata {
	md := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	if requestID := c.Get(businessflow.RequestIDKey); requestID != "" {
		md.SetRequestID(requestID)
	}
	if operator, ok := middleware.GetOperatorFromContext(c); ok {
		md.SetOperator(operator)
	}
	return md
}

// businessError writes the response for err. statuses maps BusinessError codes to HTTP statuses;
// unmapped codes and foreign errors are logged and answered with fallbackCode.
func (h *baseHandler) businessError(c fiber.Ctx, function string, err error, statuses map[string]int, fallbackMessage, fallbackCode string) error {
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		if status, ok := statuses[be.Code]; ok {
			var details any
			if be.Err != nil {
				details = be.Err.Error()
			}
			return h.ErrorResponse(c, status, be.Message, be.Code, details)
		}
	}

	config.LogError(h.logger, h.module, function, fallbackMessage, map[string]any{"path": c.Path()}, err)
	return h.ErrorResponse(c, fiber.StatusInternalServerError, fallbackMessage, fallbackCode, nil)
}

func campaignIDParam(c fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid campaign id %q", c.Params("id"))
	}
	return uint(id), nil
}

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required", "required_if", "required_unless":
		return err.Field() + " is required"
	case "min":
		return err.Field() + " must be at least " + err.Param()
	case "max":
		return err.Field() + " must be at most " + err.Param()
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "datetime":
		return err.Field() + " must match the layout " + err.Param()
	case "url":
		return err.Field() + " must be a valid URL"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", err.Field(), err.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}
