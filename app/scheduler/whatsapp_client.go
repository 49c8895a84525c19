package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Transport hands one message to the WhatsApp provider and returns the provider's message id
type Transport interface {
	Send(ctx context.Context, phone string, payload models.MessagePayload) (string, error)
}

// TransportError is a provider failure classified for retry
type TransportError struct {
	Retryable  bool
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("whatsapp transport")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " http %d", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " code %d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt. Unclassified errors are
// treated as retryable: a dropped connection must not burn a recipient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// provider error codes that signal throttling even when the http status is 400
var throttlingCodes = map[int]bool{
	4:      true,
	80007:  true,
	130429: true,
	131048: true,
	131056: true,
}

// classifyStatus decides whether a non-2xx response may succeed on retry
func classifyStatus(statusCode, code int) bool {
	if throttlingCodes[code] {
		return true
	}
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout:
		return true
	case statusCode >= 500:
		return true
	default:
		return false
	}
}

type cloudAPIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Details struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

type cloudAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// WhatsAppClient sends messages through the WhatsApp Cloud API
type WhatsAppClient struct {
	cfg     config.WhatsAppConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWhatsAppClient(cfg config.WhatsAppConfig) *WhatsAppClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &WhatsAppClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *WhatsAppClient) endpoint() string {
	return fmt.Sprintf("%s/%s/%s/messages",
		strings.TrimRight(c.cfg.APIBaseURL, "/"), c.cfg.APIVersion, c.cfg.PhoneNumberID)
}

// buildCloudAPIMessage renders payload in the Cloud API request shape
func buildCloudAPIMessage(phone string, payload models.MessagePayload) (map[string]any, error) {
	msg := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                strings.TrimPrefix(phone, "+"),
	}

	switch payload.Type {
	case models.PayloadTypeText:
		if payload.Text == "" {
			return nil, errors.New("text payload without text")
		}
		msg["type"] = "text"
		msg["text"] = map[string]any{"body": payload.Text, "preview_url": false}
	case models.PayloadTypeTemplate:
		if payload.TemplateName == "" {
			return nil, errors.New("template payload without template name")
		}
		tpl := map[string]any{
			"name":     payload.TemplateName,
			"language": map[string]any{"code": payload.TemplateLanguage},
		}
		if len(payload.TemplateParams) > 0 {
			params := make([]map[string]any, 0, len(payload.TemplateParams))
			for _, p := range payload.TemplateParams {
				params = append(params, map[string]any{"type": "text", "text": p})
			}
			tpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
		}
		msg["type"] = "template"
		msg["template"] = tpl
	case models.PayloadTypeMedia:
		if payload.MediaURL == "" {
			return nil, errors.New("media payload without url")
		}
		kind := payload.MediaType
		if kind == "" {
			kind = "document"
		}
		media := map[string]any{"link": payload.MediaURL}
		if payload.Caption != "" && kind != "audio" && kind != "sticker" {
			media["caption"] = payload.Caption
		}
		msg["type"] = kind
		msg[kind] = media
	default:
		return nil, fmt.Errorf("unsupported payload type %q", payload.Type)
	}

	return msg, nil
}

// Send posts one message; every failure comes back as a *TransportError
func (c *WhatsAppClient) Send(ctx context.Context, phone string, payload models.MessagePayload) (string, error) {
	body, err := buildCloudAPIMessage(phone, payload)
	if err != nil {
		return "", &TransportError{Retryable: false, Message: "invalid payload", Err: err}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", &TransportError{Retryable: false, Message: "encode payload", Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &TransportError{Retryable: true, Message: "rate limiter", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(b))
	if err != nil {
		return "", &TransportError{Retryable: false, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransportError{Retryable: true, Message: networkErrorKind(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TransportError{Retryable: true, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr cloudAPIError
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if d := apiErr.Error.Details.Details; d != "" {
			msg += " (" + d + ")"
		}
		return "", &TransportError{
			Retryable:  classifyStatus(resp.StatusCode, apiErr.Error.Code),
			StatusCode: resp.StatusCode,
			Code:       apiErr.Error.Code,
			Message:    msg,
		}
	}

	var out cloudAPIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &TransportError{Retryable: true, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", &TransportError{Retryable: true, StatusCode: resp.StatusCode, Message: "response without message id"}
	}

	return out.Messages[0].ID, nil
}

func networkErrorKind(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "network"
}

// MockTransport accepts every message and invents provider ids. Fail, when set, decides per call.
type MockTransport struct {
	// Latency delays every call, like a provider round trip
	Latency time.Duration

	mu    sync.Mutex
	Fail  func(phone string, attempt int) error
	Sent  []MockSend
	calls map[string]int
}

// MockSend records one accepted message
type MockSend struct {
	Phone             string
	Payload           models.MessagePayload
	ProviderMessageID string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{calls: make(map[string]int)}
}

func (m *MockTransport) Send(ctx context.Context, phone string, payload models.MessagePayload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransportError{Retryable: true, Message: "timeout", Err: err}
	}
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return "", &TransportError{Retryable: true, Message: "timeout", Err: ctx.Err()}
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[phone]++
	if m.Fail != nil {
		if err := m.Fail(phone, m.calls[phone]); err != nil {
			return "", err
		}
	}

	id := "wamid.mock." + uuid.NewString()
	m.Sent = append(m.Sent, MockSend{Phone: phone, Payload: payload, ProviderMessageID: id})
	return id, nil
}

// Calls returns how many times phone was attempted
func (m *MockTransport) Calls(phone string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[phone]
}

// SentTo returns the accepted sends to phone
func (m *MockTransport) SentTo(phone string) []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockSend
	for _, s := range m.Sent {
		if s.Phone == phone {
			out = append(out, s)
		}
	}
	return out
}
