package sanago

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPush() string {
	b, _ := json.Marshal(map[string]any{
		"id":         "n-001",
		"type":       "lab_result",
		"created_at": "2026-01-01T00:00:00Z",
		"data": map[string]any{
			"message":      "Lab results ready",
			"patient_name": "A. Mensah",
		},
	})
	return string(b)
}

type pushRecorder struct {
	got []json.RawMessage
	ret bool
}

func (p *pushRecorder) sink(raw json.RawMessage) bool {
	p.got = append(p.got, raw)
	return p.ret
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPush()

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyWebhookSignature(body, SignWebhookBody(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignWebhookBody(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		if VerifyWebhookSignature(body, "sha256="+strings.Repeat("0", 64), testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifyWebhookSignature(body, SignWebhookBody(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifyWebhookSignature(body+"x", SignWebhookBody(body, testSecret), testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// NotificationWebhook
// ============================================================================

func TestNewNotificationWebhook(t *testing.T) {
	rec := &pushRecorder{}
	if _, err := NewNotificationWebhook("", rec.sink); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewNotificationWebhook(testSecret, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
	if wh, err := NewNotificationWebhook(testSecret, rec.sink); err != nil || wh == nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNotificationWebhookHandle(t *testing.T) {
	t.Run("forwards valid push", func(t *testing.T) {
		rec := &pushRecorder{ret: true}
		wh, _ := NewNotificationWebhook(testSecret, rec.sink)
		body := makeTestPush()

		status, data := wh.Handle(body, SignWebhookBody(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		m, ok := data.(map[string]bool)
		if !ok || !m["ok"] || !m["inserted"] {
			t.Fatalf("unexpected body: %v", data)
		}
		if len(rec.got) != 1 || string(rec.got[0]) != body {
			t.Fatalf("sink got %v", rec.got)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := &pushRecorder{}
		wh, _ := NewNotificationWebhook(testSecret, rec.sink)
		status, _ := wh.Handle(makeTestPush(), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if len(rec.got) != 0 {
			t.Fatal("sink must not be called")
		}
	})

	t.Run("missing id", func(t *testing.T) {
		rec := &pushRecorder{}
		wh, _ := NewNotificationWebhook(testSecret, rec.sink)
		body := `{"data":{"message":"no id"}}`
		status, _ := wh.Handle(body, SignWebhookBody(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
		if len(rec.got) != 0 {
			t.Fatal("sink must not be called")
		}
	})
}

func TestNotificationWebhookHTTPHandler(t *testing.T) {
	rec := &pushRecorder{ret: true}
	wh, _ := NewNotificationWebhook(testSecret, rec.sink)
	srv := httptest.NewServer(wh.HTTPHandler())
	defer srv.Close()

	t.Run("POST valid", func(t *testing.T) {
		body := makeTestPush()
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignWebhookBody(body, testSecret))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected application/json, got %s", ct)
		}
	})

	t.Run("GET not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})

	t.Run("into channel", func(t *testing.T) {
		ch := NewNotificationChannel(&fakeNotificationAPI{}, nil)
		defer ch.Close()
		wh, _ := NewNotificationWebhook(testSecret, ch.HandlePush)
		body := makeTestPush()
		status, _ := wh.Handle(body, SignWebhookBody(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if ch.UnreadCount() != 1 || ch.Notifications()[0].Data.SubjectName != "A. Mensah" {
			t.Fatalf("unexpected channel state: %+v", ch.Snapshot())
		}
	})
}
