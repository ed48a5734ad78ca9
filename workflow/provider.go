package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/steepletech/flock_backend/models"
)

// OutboundMessage is a plain SMS, or an MMS when MediaUrl is set.
type OutboundMessage struct {
	TenantId string
	Phone    string
	Body     string
	MediaUrl string
}

// RichCardMessage goes through the provider's rich-messaging branch (RCS).
type RichCardMessage struct {
	TenantId string
	Phone    string
	Card     models.RichCard
}

// MessageProvider is the black-box messaging channel. Implementations submit
// one message and return the provider-assigned message id, or a terminal
// failure for this attempt.
type MessageProvider interface {
	SendText(ctx context.Context, msg OutboundMessage) (string, error)
	SendRichCard(ctx context.Context, msg RichCardMessage) (string, error)
}

// ProviderRejectedError is a rejection from the external channel. It drives
// the retry/exhaustion state machine; it is never a worker crash.
type ProviderRejectedError struct {
	StatusCode int
	Body       string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("provider rejected message (%d): %s", e.StatusCode, e.Body)
}

type httpProvider struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewHTTPProvider builds the production provider client from env:
// MESSAGING_API_BASE_URL, MESSAGING_API_KEY, MESSAGING_API_KEY_HEADER,
// MESSAGING_RATE_LIMIT_PER_MIN.
func NewHTTPProvider() (MessageProvider, error) {
	baseURL := strings.TrimSpace(os.Getenv("MESSAGING_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("MESSAGING_API_BASE_URL is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("MESSAGING_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("MESSAGING_API_KEY is required")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("MESSAGING_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(600)
	if v := strings.TrimSpace(os.Getenv("MESSAGING_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &httpProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type providerSendResponse struct {
	MessageId string `json:"message_id"`
}

func (c *httpProvider) SendText(ctx context.Context, msg OutboundMessage) (string, error) {
	payload := map[string]interface{}{
		"to":   msg.Phone,
		"body": msg.Body,
	}
	if msg.MediaUrl != "" {
		payload["media_url"] = msg.MediaUrl
	}
	return c.post(ctx, "/v1/messages", payload)
}

func (c *httpProvider) SendRichCard(ctx context.Context, msg RichCardMessage) (string, error) {
	payload := map[string]interface{}{
		"to":   msg.Phone,
		"card": msg.Card,
	}
	return c.post(ctx, "/v1/rich-messages", payload)
}

func (c *httpProvider) post(ctx context.Context, path string, payload interface{}) (string, error) {
	<-c.limiter

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderRejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed providerSendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.MessageId == "" {
		return "", errors.New("provider response missing message_id")
	}
	return parsed.MessageId, nil
}
