package businessflow

import (
	"context"
	"testing"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFlow_SendMessageValidation(t *testing.T) {
	flow := NewMessageFlow(nil, nil, "DE")

	tests := []struct {
		name  string
		req   *dto.SendMessageRequest
		check func(error) bool
	}{
		{"nil request", nil, IsPayloadInvalid},
		{"bad phone", &dto.SendMessageRequest{PhoneNumber: "12", Payload: dto.TemplatePayload{Type: "text", Text: "x"}}, IsPhoneNumberInvalid},
		{"empty text", &dto.SendMessageRequest{PhoneNumber: "+4915123456789", Payload: dto.TemplatePayload{Type: "text"}}, IsPayloadInvalid},
		{"template without language", &dto.SendMessageRequest{PhoneNumber: "+4915123456789", Payload: dto.TemplatePayload{Type: "template", TemplateName: "t"}}, IsPayloadInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := flow.SendMessage(context.Background(), tt.req, nil)
			require.Error(t, err)
			assert.True(t, tt.check(err))

			var be *BusinessError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, "MESSAGE_VALIDATION_FAILED", be.Code)
		})
	}
}

func TestMessageFlow_SendMessageQueuesJob(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	flow := NewMessageFlow(env.messageRepo, env.queues.Outbound, "DE")

	resp, err := flow.SendMessage(ctx, &dto.SendMessageRequest{
		PhoneNumber: "0151 23456789",
		Payload:     dto.TemplatePayload{Type: "media", MediaURL: "https://cdn.example.com/a.jpg", MediaType: "image"},
		Attachments: []string{"https://cdn.example.com/a.jpg"},
	}, NewClientMetadata("127.0.0.1", "test"))
	require.NoError(t, err)
	assert.Equal(t, string(models.DeliveryStatusQueued), resp.Status)

	stored, err := env.messageRepo.ByID(ctx, resp.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "4915123456789", stored.PhoneNumber)
	assert.Equal(t, models.MessageDirectionOutbound, stored.Direction)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpg"}, []string(stored.Attachments))
	assert.NotNil(t, stored.QueuedAt)

	jobs := drainJobs(t, env.queues.Outbound)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.OutboundJob{Kind: models.OutboundJobMessage, MessageID: resp.ID}, jobs[0])
}

func TestMessageFlow_EnqueueFailureMarksFailed(t *testing.T) {
	env := newFlowEnv(t)
	ctx := context.Background()
	flow := NewMessageFlow(env.messageRepo, &failingQueue{Queue: env.queues.Outbound}, "DE")

	_, err := flow.SendMessage(ctx, &dto.SendMessageRequest{
		PhoneNumber: "+4915123456789",
		Payload:     dto.TemplatePayload{Type: "text", Text: "hi"},
	}, nil)
	require.Error(t, err)

	status := models.DeliveryStatusFailed
	n, err := env.messageRepo.Count(ctx, models.MessageFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
