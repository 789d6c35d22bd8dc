package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spamshield/platform/internal/domain"
)

const defaultTimeout = 10 * time.Second

// GroupMe provides typed access to the GroupMe REST API.
type GroupMe struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*GroupMe)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *GroupMe) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-call timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *GroupMe) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewGroupMe constructs a client pointing at the given API base URL.
func NewGroupMe(base, token string, opts ...Option) (*GroupMe, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "https://api.groupme.com/v3"
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid chat api base url: %w", err)
	}
	c := &GroupMe{
		baseURL:    strings.TrimRight(trimmed, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ Client = (*GroupMe)(nil)

type messagesEnvelope struct {
	Response struct {
		Messages []struct {
			ID          string `json:"id"`
			SenderID    string `json:"sender_id"`
			Name        string `json:"name"`
			Text        string `json:"text"`
			CreatedAt   int64  `json:"created_at"`
			Attachments []struct {
				Type string `json:"type"`
				URL  string `json:"url"`
			} `json:"attachments"`
		} `json:"messages"`
	} `json:"response"`
}

// ListRecent fetches the latest messages for a group, newest first. The
// cursor narrows the fetch to messages after the last seen id; callers must
// not assume strictly monotonic ordering from the remote API.
func (c *GroupMe) ListRecent(ctx context.Context, groupID string, limit int, cursor string) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	endpoint := fmt.Sprintf("%s/groups/%s/messages", c.baseURL, url.PathEscape(groupID))
	params := url.Values{"token": {c.token}, "limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		params.Set("since_id", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build messages request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer resp.Body.Close()

	// 304 means no messages past the cursor.
	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list messages: status %d", resp.StatusCode)
	}

	var envelope messagesEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	messages := make([]domain.Message, 0, len(envelope.Response.Messages))
	for _, m := range envelope.Response.Messages {
		msg := domain.Message{
			ID:         m.ID,
			GroupID:    groupID,
			SenderID:   m.SenderID,
			SenderName: m.Name,
			Text:       m.Text,
			CreatedAt:  time.Unix(m.CreatedAt, 0).UTC(),
		}
		for _, a := range m.Attachments {
			msg.Attachments = append(msg.Attachments, domain.Attachment{Type: a.Type, URL: a.URL})
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Remove deletes a message. A false return with nil error means the platform
// refused the deletion, typically for permission reasons.
func (c *GroupMe) Remove(ctx context.Context, groupID, messageID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages/%s?token=%s",
		c.baseURL, url.PathEscape(groupID), url.PathEscape(messageID), url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build delete request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNoContent:
		return true, nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("delete message: status %d", resp.StatusCode)
	}
}

type sendRequest struct {
	Message struct {
		SourceGUID string `json:"source_guid"`
		Text       string `json:"text"`
	} `json:"message"`
}

// Send posts a message to the group.
func (c *GroupMe) Send(ctx context.Context, groupID, text string) (bool, error) {
	var body sendRequest
	body.Message.SourceGUID = uuid.NewString()
	body.Message.Text = text
	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("encode send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/groups/%s/messages?token=%s", c.baseURL, url.PathEscape(groupID), url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK, nil
}
