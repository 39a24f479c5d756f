// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/terminus-mobility/realtime/chat"
	"github.com/terminus-mobility/realtime/wire"
)

// maxResponseBytes bounds how much of a response body the client will
// read. History pages are the largest payload and stay far below this.
const maxResponseBytes = 10 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the backend origin (e.g., "https://api.terminus.example").
	BaseURL string
	// Token is the bearer token attached to every request. May be empty
	// for unauthenticated use in tests.
	Token string
	// HTTPClient overrides http.DefaultClient when set.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Client is a REST client for the Terminus chat backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Identity is the authenticated user as reported by the backend.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// NewClient creates a Client for the given backend origin.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("backend: BaseURL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// History returns the full ordered message list for a conversation.
// Each message bears its server-assigned id.
func (c *Client) History(ctx context.Context, conversationID string) ([]wire.ChatMessage, error) {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var response struct {
		Messages []wire.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("backend: decoding history response: %w", err)
	}
	return response.Messages, nil
}

// Compile-time check: the client serves the store's history needs.
var _ chat.HistoryFetcher = (*Client)(nil)

// Conversations returns the server-side conversation listing, including
// per-conversation unread aggregates. The client mirrors these, it does
// not recompute them.
func (c *Client) Conversations(ctx context.Context) ([]chat.Summary, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil)
	if err != nil {
		return nil, err
	}
	var response struct {
		Conversations []chat.Summary `json:"conversations"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("backend: decoding conversation listing: %w", err)
	}
	return response.Conversations, nil
}

// MarkRead records a read receipt for a conversation so the server-side
// unread aggregate resets too.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/read"
	_, err := c.doRequest(ctx, http.MethodPost, path, nil)
	return err
}

// WhoAmI returns the authenticated user's identity. The user id is the
// reconciliation dedup key for "my messages" and names the personal
// notification queue.
func (c *Client) WhoAmI(ctx context.Context) (Identity, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/users/me", nil)
	if err != nil {
		return Identity{}, err
	}
	var identity Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return Identity{}, fmt.Errorf("backend: decoding identity response: %w", err)
	}
	if identity.UserID == "" {
		return Identity{}, fmt.Errorf("backend: identity response missing user_id")
	}
	return identity, nil
}

// doRequest performs an HTTP request to the backend and returns the
// response body. On 2xx, returns the body. On 4xx/5xx, returns an
// *APIError. query may be omitted for endpoints without parameters.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("backend: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("backend: creating request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("backend: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("backend: reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All backend error responses share one JSON shape.
	var apiErr APIError
	if jsonErr := json.Unmarshal(responseBody, &apiErr); jsonErr != nil || apiErr.Code == "" {
		// Non-JSON error body, likely a proxy in the path. Fail loud
		// with the raw body.
		return nil, fmt.Errorf("backend: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	apiErr.StatusCode = response.StatusCode
	return responseBody, &apiErr
}
