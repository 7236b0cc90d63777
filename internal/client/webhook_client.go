package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// WebhookClient delivers messages by POSTing them to an external send API
// that answers 202 with a messageId.
type WebhookClient struct {
	url    string
	client *http.Client
}

type Option func(*WebhookClient)

func WithTimeout(d time.Duration) Option {
	return func(c *WebhookClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

func NewWebhookClient(url string, opts ...Option) *WebhookClient {
	c := &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	ID             string   `json:"id"`
	To             string   `json:"to"`
	From           string   `json:"from,omitempty"`
	Subject        string   `json:"subject"`
	HTML           string   `json:"html"`
	BlacklistRules []string `json:"blacklistRules,omitempty"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Send returns the remote message id. Every failure is a *model.TransportError.
func (c *WebhookClient) Send(ctx context.Context, m model.Message) (string, error) {
	id, err := c.send(ctx, m)
	if err != nil {
		return "", &model.TransportError{Err: err, Timeout: isTimeout(err)}
	}
	return id, nil
}

func (c *WebhookClient) send(ctx context.Context, m model.Message) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		ID:             m.ID,
		To:             m.Recipient,
		From:           m.Sender,
		Subject:        m.Subject,
		HTML:           m.HTML,
		BlacklistRules: m.BlacklistRules,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
