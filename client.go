// Package sanago is the offline-first data layer of the SanaGo hospital
// desktop client.
//
// It covers the secure key-value store, the network status monitor, the
// cache-then-revalidate sync engine and the real-time notification channel,
// plus the REST client they talk to.
//
// Example:
//
//	store := sanago.NewSecureStore(backend)
//	client := sanago.NewClient("https://hospital.example", sanago.WithTokenStore(store))
//
//	// Cache-first view of a resource
//	session := sanago.NewSyncSession(store, sanago.SyncOptions[[]Patient]{
//		Key:   "patients",
//		Fetch: func(ctx context.Context) ([]Patient, error) { ... },
//	})
//	session.Start(ctx)
//	defer session.Close()
package sanago

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

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxHistoryPages bounds the notification history walk.
	maxHistoryPages = 50
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote hospital API.
type Client struct {
	baseURL    string
	token      string
	tokens     Store
	httpClient *http.Client
}

type ClientOption func(*Client)

// WithToken sets a fixed bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTokenStore reads the bearer token from the store (TokenKey) on every
// request, so a login or logout elsewhere takes effect immediately.
func WithTokenStore(store Store) ClientOption {
	return func(c *Client) { c.tokens = store }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken replaces the fixed bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) bearer(ctx context.Context) string {
	if c.tokens != nil {
		if tok, ok := LoadJSON[string](ctx, c.tokens, TokenKey); ok && tok != "" {
			return tok
		}
	}
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (data []byte, err error) {
	ctx, span := tracer().Start(ctx, "api "+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("api request rejected")
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Generic reads
// ============================================================================

// GetRaw performs an authenticated GET and returns the body untouched.
func (c *Client) GetRaw(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(data), nil
}

// GetJSON performs an authenticated GET and decodes the body into T. It is
// the usual building block for a sync session's fetch operation.
func GetJSON[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	var zero T
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return zero, err
	}
	v, err := decodeJSON[T](data)
	if err != nil {
		return zero, err
	}
	return *v, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, &APIError{Status: http.StatusOK, Code: "NO_TOKEN", Message: "login response carried no token"}
	}
	return res, nil
}

// Logout revokes the current token on the server.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/logout", nil, nil)
	return err
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/user", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Notifications
// ============================================================================

// ListNotifications returns the full notification history, newest first as
// served. Paginated responses are walked page by page; records that cannot be
// normalized are skipped.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	for page := 1; page <= maxHistoryPages; page++ {
		data, err := c.doRequest(ctx, http.MethodGet, "/notifications", nil, url.Values{"page": {strconv.Itoa(page)}})
		if err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return nil, fmt.Errorf("decode notifications: %w", err)
			}
			return appendParsed(out, items), nil
		}

		p, err := decodeJSON[notificationPage](trimmed)
		if err != nil {
			return nil, err
		}
		out = appendParsed(out, p.Data)
		if p.LastPage == 0 || p.CurrentPage >= p.LastPage || len(p.Data) == 0 {
			break
		}
	}
	return out, nil
}

func appendParsed(out []Notification, items []json.RawMessage) []Notification {
	for _, raw := range items {
		n, err := ParseNotification(raw)
		if err != nil {
			log.Debug().Err(err).Msg("skipping malformed notification")
			continue
		}
		out = append(out, n)
	}
	return out
}

// UnreadCount returns the server's unread notification count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/notifications/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	res, err := decodeJSON[unreadCountResult](data)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/notifications/read-all", nil, nil)
	return err
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil)
	return err
}
