// Package businessflow contains the business logic for the application.
package businessflow

import (
	"strings"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/models"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds information about the operator request behind an admin operation
type ClientMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id,omitempty"`
	Operator  string `json:"operator,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// SetOperator records who issued the request
func (cm *ClientMetadata) SetOperator(operator string) {
	cm.Operator = operator
}

// ToMessagePayload converts a request payload to the stored form
func ToMessagePayload(p dto.TemplatePayload) models.MessagePayload {
	return models.MessagePayload{
		Type:             models.PayloadType(strings.TrimSpace(p.Type)),
		Text:             p.Text,
		TemplateName:     strings.TrimSpace(p.TemplateName),
		TemplateLanguage: strings.TrimSpace(p.TemplateLanguage),
		TemplateParams:   p.TemplateParams,
		MediaURL:         strings.TrimSpace(p.MediaURL),
		MediaType:        strings.TrimSpace(p.MediaType),
		Caption:          p.Caption,
	}
}

// ValidatePayload checks that a payload carries the fields its type needs
func ValidatePayload(p models.MessagePayload) error {
	switch p.Type {
	case models.PayloadTypeText:
		if strings.TrimSpace(p.Text) == "" {
			return ErrPayloadInvalid
		}
	case models.PayloadTypeTemplate:
		if p.TemplateName == "" || p.TemplateLanguage == "" {
			return ErrPayloadInvalid
		}
	case models.PayloadTypeMedia:
		if p.MediaURL == "" {
			return ErrPayloadInvalid
		}
	default:
		return ErrPayloadInvalid
	}
	return nil
}
