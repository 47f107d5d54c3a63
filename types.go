package sanago

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx answer from the hospital API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err carries an HTTP 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// ============================================================================
// Auth Types
// ============================================================================

// User is the signed-in staff member.
type User struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// LoginResult is the body returned by POST /login.
type LoginResult struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

// ID is an identifier the API may send as either a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Claims are the fields read from the bearer token.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token carried an expiry that has passed.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ============================================================================
// Notification Types
// ============================================================================

// Notification is a normalized notification record. ID is unique within the
// channel's list.
type Notification struct {
	ID        string           `json:"id"`
	Type      string           `json:"type,omitempty"`
	ReadAt    *time.Time       `json:"read_at"`
	CreatedAt time.Time        `json:"created_at"`
	Data      NotificationData `json:"data"`
}

// NotificationData is the display payload of a notification.
type NotificationData struct {
	Message     string         `json:"message"`
	Title       string         `json:"title,omitempty"`
	Link        string         `json:"link,omitempty"`
	SubjectName string         `json:"subject_name,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Unread reports whether the notification has not been read yet.
func (n Notification) Unread() bool {
	return n.ReadAt == nil
}

// notificationPage is the paginated envelope of GET /notifications.
type notificationPage struct {
	Data        []json.RawMessage `json:"data"`
	CurrentPage int               `json:"current_page"`
	LastPage    int               `json:"last_page"`
}

type unreadCountResult struct {
	Count int `json:"count"`
}
