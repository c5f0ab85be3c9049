package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/types"
)

// Client is a client for the notification REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption is a function that configures the client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the request timeout of the default HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient creates a new notification API client authenticated with a bearer token
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListNotifications fetches one page of the user's notifications
func (c *Client) ListNotifications(ctx context.Context, page, limit int) (*types.NotificationPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var result types.NotificationPage
	if err := c.do(ctx, http.MethodGet, "/notifications?"+q.Encode(), nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	if result.Notifications == nil {
		result.Notifications = []*types.Notification{}
	}
	return &result, nil
}

// MarkAsRead marks one notification as read. Already-read ids succeed.
func (c *Client) MarkAsRead(ctx context.Context, id int64) error {
	var result successResponse
	path := fmt.Sprintf("/notifications/%d/read", id)
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return fmt.Errorf("failed to mark notification as read: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("failed to mark notification as read: %s", orDefault(result.Message, "server reported failure"))
	}
	return nil
}

// MarkAllAsRead marks every notification of the user as read
func (c *Client) MarkAllAsRead(ctx context.Context) error {
	var result successResponse
	if err := c.do(ctx, http.MethodPost, "/notifications/mark-all-read", nil, &result); err != nil {
		return fmt.Errorf("failed to mark all notifications as read: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("failed to mark all notifications as read: %s", orDefault(result.Message, "server reported failure"))
	}
	return nil
}

// ExecuteAction performs the request a resource link describes. Relative links
// resolve against the API base URL; the method defaults to POST.
func (c *Client) ExecuteAction(ctx context.Context, link *types.ResourceLink, body interface{}) error {
	if link == nil || link.Href == "" {
		return apperrors.ValidationFailed("invalid resource link", "href is required")
	}
	method := strings.ToUpper(link.Method)
	if method == "" {
		method = http.MethodPost
	}

	if err := c.do(ctx, method, link.Href, body, nil); err != nil {
		return fmt.Errorf("failed to execute %s %s: %w", method, link.Href, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return statusError(resp.StatusCode, errResp.text())
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func statusError(status int, msg string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.AuthenticationFailed(orDefault(msg, http.StatusText(status)))
	case http.StatusNotFound:
		return apperrors.New(apperrors.NotFoundError, orDefault(msg, "Resource not found"), "")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperrors.ValidationFailed(orDefault(msg, "Invalid request"), "")
	default:
		return apperrors.New(apperrors.ServerError, fmt.Sprintf("request failed with status %d", status), msg)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
