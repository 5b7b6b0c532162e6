// Package hsapi is the HTTP client for the home-server endpoints this module
// needs: to-device message delivery and the encrypted session backup.
package hsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
)

// Client communicates with the home server's client-server REST API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a client for the given home server. The access token is
// sent as a bearer token on every request.
func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{},
	}
}

// apiError is the standard error body returned by the home server.
type apiError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	return c.httpClient.Do(req)
}

type sendToDeviceRequest struct {
	Messages map[string]map[string]any `json:"messages"`
}

// SendToDevice calls PUT /_matrix/client/v3/sendToDevice/{eventType}/{txnId}
// to deliver per-device messages. messages maps user id to device id to
// event content. The txnID makes retries idempotent on the server side.
func (c *Client) SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any, txnID string, logger *log.Logger) error {
	body, err := json.Marshal(sendToDeviceRequest{Messages: messages})
	if err != nil {
		return fmt.Errorf("hsapi: marshal to-device request: %w", err)
	}

	u := c.baseURL + "/_matrix/client/v3/sendToDevice/" +
		url.PathEscape(eventType) + "/" + url.PathEscape(txnID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("hsapi: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("hsapi: send to-device: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hsapi: send to-device: status %d: %s", resp.StatusCode, respBody)
	}
	logf(logger, "sent %s to %d user(s), txn %s", eventType, len(messages), txnID)
	return nil
}

// logf logs a formatted message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
