package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *WhatsAppClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewWhatsAppClient(config.WhatsAppConfig{
		APIBaseURL:     srv.URL,
		APIVersion:     "v20.0",
		PhoneNumberID:  "12345",
		AccessToken:    "secret",
		RequestTimeout: 2 * time.Second,
	})
}

func TestWhatsAppClient_SendTemplate(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v20.0/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	})

	id, err := client.Send(context.Background(), "+4915100000001", models.MessagePayload{
		Type:             models.PayloadTypeTemplate,
		TemplateName:     "spring_sale",
		TemplateLanguage: "en",
		TemplateParams:   []string{"20%"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.ABC", id)

	assert.Equal(t, "4915100000001", got["to"])
	assert.Equal(t, "template", got["type"])
	tpl := got["template"].(map[string]any)
	assert.Equal(t, "spring_sale", tpl["name"])
}

func TestWhatsAppClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, `{"error":{"message":"upstream","code":2}}`, true},
		{"throttled", http.StatusTooManyRequests, `{"error":{"message":"slow down","code":130429}}`, true},
		{"throttling code on 400", http.StatusBadRequest, `{"error":{"message":"pair rate limit","code":131056}}`, true},
		{"invalid recipient", http.StatusBadRequest, `{"error":{"message":"not a whatsapp user","code":131026}}`, false},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad token","code":190}}`, false},
		{"non json body", http.StatusServiceUnavailable, `maintenance`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Send(context.Background(), "+4915100000001", models.MessagePayload{Type: models.PayloadTypeText, Text: "hi"})
			require.Error(t, err)

			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, tt.retryable, te.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestWhatsAppClient_TimeoutIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"messages":[{"id":"late"}]}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, "+4915100000001", models.MessagePayload{Type: models.PayloadTypeText, Text: "hi"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestWhatsAppClient_InvalidPayloadIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	})

	_, err := client.Send(context.Background(), "+4915100000001", models.MessagePayload{Type: models.PayloadTypeMedia})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestWhatsAppClient_MissingMessageID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	})

	_, err := client.Send(context.Background(), "+4915100000001", models.MessagePayload{Type: models.PayloadTypeText, Text: "hi"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestBuildCloudAPIMessage(t *testing.T) {
	msg, err := buildCloudAPIMessage("+4915100000001", models.MessagePayload{
		Type:      models.PayloadTypeMedia,
		MediaURL:  "https://cdn.example.com/a.jpg",
		MediaType: "image",
		Caption:   "look",
	})
	require.NoError(t, err)
	assert.Equal(t, "image", msg["type"])
	assert.Equal(t, map[string]any{"link": "https://cdn.example.com/a.jpg", "caption": "look"}, msg["image"])

	_, err = buildCloudAPIMessage("+1", models.MessagePayload{Type: "carousel"})
	assert.Error(t, err)
	_, err = buildCloudAPIMessage("+1", models.MessagePayload{Type: models.PayloadTypeText})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(&TransportError{Retryable: false, StatusCode: 400}))
}

func TestMockTransport(t *testing.T) {
	m := NewMockTransport()
	m.Fail = func(phone string, attempt int) error {
		if attempt == 1 {
			return &TransportError{Retryable: true, StatusCode: 503}
		}
		return nil
	}

	_, err := m.Send(context.Background(), "+1", models.MessagePayload{Type: models.PayloadTypeText, Text: "x"})
	require.Error(t, err)
	id, err := m.Send(context.Background(), "+1", models.MessagePayload{Type: models.PayloadTypeText, Text: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 2, m.Calls("+1"))
	assert.Len(t, m.SentTo("+1"), 1)
}
