package sanago

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Sanago-Signature"

// maxWebhookBody caps the accepted request body.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature checks an HMAC-SHA256 signature of body, hex
// encoded and optionally prefixed with "sha256=". The comparison is
// constant-time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the header value a sender puts in SignatureHeader.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// NotificationWebhook
// ============================================================================

// NotificationWebhook accepts signed notification pushes over HTTP and
// forwards them to a sink, usually NotificationChannel.HandlePush.
type NotificationWebhook struct {
	secret string
	sink   func(json.RawMessage) bool
}

// NewNotificationWebhook creates a webhook. sink reports whether the
// notification was new.
func NewNotificationWebhook(secret string, sink func(json.RawMessage) bool) (*NotificationWebhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if sink == nil {
		return nil, errors.New("webhook sink is required")
	}
	return &NotificationWebhook{secret: secret, sink: sink}, nil
}

func (w *NotificationWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies and dispatches one request body. It returns the status
// code and the JSON body for the caller to write.
func (w *NotificationWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	// Reject what the channel would drop anyway, so the sender sees it.
	if _, err := ParseNotification(json.RawMessage(body)); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	inserted := w.sink(json.RawMessage(body))
	return http.StatusOK, map[string]bool{"ok": true, "inserted": inserted}
}

// HTTPHandler returns an http.Handler serving POST requests.
//
// Example:
//
//	wh, _ := sanago.NewNotificationWebhook(secret, channel.HandlePush)
//	http.Handle("/webhook/notifications", wh.HTTPHandler())
func (w *NotificationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		status, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		if status != http.StatusOK {
			log.Warn().Int("status", status).Str("remote", r.RemoteAddr).Msg("webhook push rejected")
		}
		writeWebhookJSON(rw, status, data)
	})
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
