package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/convo-chat/convo/internal/models"
)

// Client is a wrapper around the chat-store REST API, the external CRUD
// service that owns conversations, users and persisted messages. The fan-out
// core calls it as a black box: membership snapshots in, persisted messages
// and read-status updates out.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new chat-store client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// doRequest executes an HTTP request against the chat-store API.
// It adds authentication headers and decodes error responses.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	url := fmt.Sprintf("%s/internal/v1/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")
	// Request id for correlating chat-store logs with ours
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("chat store error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// GetConversation fetches the membership snapshot for a conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	data, err := c.doRequest(ctx, "GET", fmt.Sprintf("conversations/%s", conversationID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %s: %w", conversationID, err)
	}

	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// PersistMessage stores a message and returns the stored row with its
// server-assigned id and timestamp.
func (c *Client) PersistMessage(ctx context.Context, env *models.MessageEnvelope) (*models.StoredMessage, error) {
	data, err := c.doRequest(ctx, "POST", "messages", env)
	if err != nil {
		return nil, fmt.Errorf("failed to persist message %s: %w", env.TempID, err)
	}

	var stored models.StoredMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode stored message: %w", err)
	}
	return &stored, nil
}

// UpdateLastMessage points a conversation at its latest persisted message.
// The store rejects updates that would move the pointer to an older message,
// which keeps redelivered log entries from rewinding it.
func (c *Client) UpdateLastMessage(ctx context.Context, conversationID, messageID string) error {
	body := map[string]string{"last_message_id": messageID}
	endpoint := fmt.Sprintf("conversations/%s/last-message", conversationID)
	if _, err := c.doRequest(ctx, "PUT", endpoint, body); err != nil {
		return fmt.Errorf("failed to update last message for %s: %w", conversationID, err)
	}
	return nil
}

// MarkMessagesRead flips every unread message sent by others in the
// conversation to read for the given user, in one bulk update.
func (c *Client) MarkMessagesRead(ctx context.Context, conversationID, userID string) error {
	body := map[string]string{"user_id": userID}
	endpoint := fmt.Sprintf("conversations/%s/read", conversationID)
	if _, err := c.doRequest(ctx, "POST", endpoint, body); err != nil {
		return fmt.Errorf("failed to mark conversation %s read: %w", conversationID, err)
	}
	return nil
}
