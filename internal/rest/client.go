// Package rest is the HTTP client for the chat REST API: the current
// user, channels, message pages, message creation and attachment
// storage.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps JSON response reads. A full page of
	// messages with attachments stays well below this.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// maxAttachmentBytes caps attachment downloads used by retries.
	maxAttachmentBytes = 25 * 1024 * 1024
)

// Auth supplies the bearer token and is told about 401 responses.
type Auth interface {
	Token() (string, bool)
	OnUnauthorized()
}

// MessageQuery selects a page of channel history. Before is a message
// id cursor; the page holds messages strictly older than it.
type MessageQuery struct {
	Before string
	Limit  int
}

// UploadSlot is a pre-authorized storage location for one attachment.
// URL is where the content can be fetched once uploaded.
type UploadSlot struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	UploadURL string `json:"upload_url"`
	URL       string `json:"url"`
}

// Client talks to the chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       Auth
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks
// to a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. If httpClient is nil, a client with
// a 30-second timeout and same-host redirect policy is created. A
// requestsPerSecond of zero or less disables rate limiting.
func NewClient(baseURL string, auth Auth, httpClient *http.Client, requestsPerSecond float64, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	limit := rate.Inf
	burst := 1

	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = max(1, int(requestsPerSecond))
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		auth:       auth,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// do sends an authenticated API request. body, when non-nil, is sent as
// JSON; the response is decoded into result when result is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	if token, ok := c.auth.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}

		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("API rejected token", slog.String("endpoint", endpoint))
			c.auth.OnUnauthorized()
		}

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// errorMessage extracts a human readable message from an error body,
// preferring the JSON "message" or "error" field.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, field := range []string{"message", "error"} {
			if v := gjson.GetBytes(body, field); v.Type == gjson.String && v.Str != "" {
				return sanitizeResponseBody([]byte(v.Str))
			}
		}
	}

	return sanitizeResponseBody(body)
}

// GetCurrentUser returns the authenticated user.
func (c *Client) GetCurrentUser(ctx context.Context) (models.RawUser, error) {
	var u models.RawUser
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return models.RawUser{}, fmt.Errorf("getting current user: %w", err)
	}

	return u, nil
}

// ListChannels returns every channel visible to the user.
func (c *Client) ListChannels(ctx context.Context) ([]models.RawChannel, error) {
	var channels []models.RawChannel
	if err := c.do(ctx, http.MethodGet, "/channels", nil, &channels); err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}

	return channels, nil
}

// ListMessages returns one page of a channel's history.
func (c *Client) ListMessages(ctx context.Context, channelID string, q MessageQuery) ([]models.RawMessage, error) {
	params := url.Values{}
	if q.Before != "" {
		params.Set("before", q.Before)
	}

	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	endpoint := "/channels/" + url.PathEscape(channelID) + "/messages"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var msgs []models.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return msgs, nil
}

type createMessageRequest struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// CreateMessage posts a message to a channel.
func (c *Client) CreateMessage(ctx context.Context, channelID, content string, attachmentIDs []string) (models.RawMessage, error) {
	req := createMessageRequest{Content: content, AttachmentIDs: attachmentIDs}

	var msg models.RawMessage
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", req, &msg); err != nil {
		return models.RawMessage{}, fmt.Errorf("creating message: %w", err)
	}

	return msg, nil
}

type attachmentSpec struct {
	Filename    string `json:"filename"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

type createAttachmentsRequest struct {
	Files []attachmentSpec `json:"files"`
}

type createAttachmentsResponse struct {
	Attachments []UploadSlot `json:"attachments"`
}

// CreateAttachments reserves one upload slot per file, in order.
func (c *Client) CreateAttachments(ctx context.Context, channelID string, files []models.File) ([]UploadSlot, error) {
	req := createAttachmentsRequest{Files: make([]attachmentSpec, 0, len(files))}
	for _, f := range files {
		req.Files = append(req.Files, attachmentSpec{Filename: f.Name, Size: len(f.Data), ContentType: f.ContentType})
	}

	var resp createAttachmentsResponse
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/attachments", req, &resp); err != nil {
		return nil, fmt.Errorf("creating attachments: %w", err)
	}

	if len(resp.Attachments) != len(files) {
		return nil, fmt.Errorf("creating attachments: got %d slots for %d files", len(resp.Attachments), len(files))
	}

	return resp.Attachments, nil
}

// UploadToStorage PUTs file content to a pre-signed upload URL. The
// bearer token is not sent.
func (c *Client) UploadToStorage(ctx context.Context, uploadURL string, file models.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(file.Data))
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}

	if file.ContentType != "" {
		req.Header.Set("Content-Type", file.ContentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("uploading %s: %w", file.Name, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("uploading %s: status %d: %s", file.Name, resp.StatusCode, sanitizeResponseBody(body))

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	return nil
}

// DownloadAttachment fetches attachment content by URL. Signed URLs
// expire, so this can fail for old messages.
func (c *Client) DownloadAttachment(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("downloading attachment: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading attachment: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}

	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}

	return data, nil
}
