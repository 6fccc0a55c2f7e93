package tawk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/metrics"
)

const breakerName = "tawk-delivery"

// ErrNotConfigured is returned when delivery credentials are missing.
var ErrNotConfigured = errors.New("tawk credentials not configured")

// APIError is a non-2xx response from the chat API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tawk api returned %d: %s", e.StatusCode, e.Body)
}

// ClientConfig holds the delivery credentials.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	PropertyID string
	Timeout    time.Duration
}

// ConfigStatus reports which credentials are present.
type ConfigStatus struct {
	APIKeyConfigured     bool `json:"apiKeyConfigured"`
	PropertyIDConfigured bool `json:"propertyIdConfigured"`
	FullyConfigured      bool `json:"fullyConfigured"`
}

// Client posts agent replies back into a chat. Calls go through a circuit
// breaker so a failing chat API does not stall every webhook.
type Client struct {
	baseURL    string
	apiKey     string
	propertyID string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[struct{}]
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client-side rejections say nothing about the health of the API.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		propertyID: cfg.PropertyID,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
	}
}

func (c *Client) IsConfigured() bool {
	return c.apiKey != "" && c.propertyID != ""
}

func (c *Client) ConfigStatus() ConfigStatus {
	return ConfigStatus{
		APIKeyConfigured:     c.apiKey != "",
		PropertyIDConfigured: c.propertyID != "",
		FullyConfigured:      c.IsConfigured(),
	}
}

// SendMessage posts text to the chat as an agent message.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	if !c.IsConfigured() {
		metrics.DeliveryRequests.WithLabelValues("skipped").Inc()
		return ErrNotConfigured
	}

	body, err := json.Marshal(map[string]string{"message": text, "type": "agent"})
	if err != nil {
		return fmt.Errorf("encoding delivery body: %w", err)
	}
	endpoint := c.chatURL(chatID, "messages")

	_, err = c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPost, endpoint, body)
	})
	switch {
	case err == nil:
		metrics.DeliveryRequests.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.DeliveryRequests.WithLabelValues("rejected").Inc()
	default:
		metrics.DeliveryRequests.WithLabelValues("failure").Inc()
	}
	return err
}

// MarkChatAsRead flags the chat as read for the human agents' inbox.
func (c *Client) MarkChatAsRead(ctx context.Context, chatID string) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	endpoint := c.chatURL(chatID, "read")
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPut, endpoint, []byte("{}"))
	})
	return err
}

// chatURL builds a per-chat endpoint. The id comes from the webhook body and
// is escaped so it stays one path segment.
func (c *Client) chatURL(chatID, action string) string {
	return fmt.Sprintf("%s/chats/%s/%s", c.baseURL, url.PathEscape(chatID), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling tawk api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
