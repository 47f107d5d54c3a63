package sanago

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		id      string
		message string
		subject string
		link    string
		read    bool
	}{
		{
			name:    "bare record",
			raw:     `{"id":"n1","type":"lab","created_at":"2026-01-02T03:04:05Z","read_at":null,"data":{"message":"Results ready","patient_name":"K. Asante"}}`,
			id:      "n1",
			message: "Results ready",
			subject: "K. Asante",
		},
		{
			name:    "numeric id and body alias",
			raw:     `{"id":42,"data":{"body":"Shift swapped","url":"/shifts/9"}}`,
			id:      "42",
			message: "Shift swapped",
			link:    "/shifts/9",
		},
		{
			name:    "payload envelope",
			raw:     `{"type":"notification","payload":{"id":"n2","data":{"message":"Admitted"}}}`,
			id:      "n2",
			message: "Admitted",
		},
		{
			name:    "notification envelope",
			raw:     `{"notification":{"id":"n3","message":"Top level only"}}`,
			id:      "n3",
			message: "Top level only",
		},
		{
			name:    "nested wins over top level",
			raw:     `{"id":"n4","message":"top","data":{"message":"nested"}}`,
			id:      "n4",
			message: "nested",
		},
		{
			name:    "data as encoded string",
			raw:     `{"id":"n5","data":"{\"message\":\"stringified\",\"subject_name\":\"Ward 3\"}"}`,
			id:      "n5",
			message: "stringified",
			subject: "Ward 3",
		},
		{
			name:    "read with sql timestamp",
			raw:     `{"id":"n6","read_at":"2026-01-02 10:00:00","data":{"message":"seen"}}`,
			id:      "n6",
			message: "seen",
			read:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseNotification(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n.ID != tt.id {
				t.Errorf("id = %q, want %q", n.ID, tt.id)
			}
			if n.Data.Message != tt.message {
				t.Errorf("message = %q, want %q", n.Data.Message, tt.message)
			}
			if n.Data.SubjectName != tt.subject {
				t.Errorf("subject = %q, want %q", n.Data.SubjectName, tt.subject)
			}
			if n.Data.Link != tt.link {
				t.Errorf("link = %q, want %q", n.Data.Link, tt.link)
			}
			if n.Unread() == tt.read {
				t.Errorf("unread = %v, want %v", n.Unread(), !tt.read)
			}
		})
	}
}

func TestParseNotificationTimes(t *testing.T) {
	n, err := ParseNotification(json.RawMessage(`{"id":"a","created_at":"2026-01-02T03:04:05.123Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 123000000, time.UTC)
	if !n.CreatedAt.Equal(want) {
		t.Fatalf("created_at = %v, want %v", n.CreatedAt, want)
	}

	before := time.Now().UTC().Add(-time.Second)
	n, _ = ParseNotification(json.RawMessage(`{"id":"b"}`))
	if n.CreatedAt.Before(before) {
		t.Fatalf("missing created_at should default to now, got %v", n.CreatedAt)
	}
}

func TestParseNotificationExtra(t *testing.T) {
	n, err := ParseNotification(json.RawMessage(`{"id":"a","data":{"message":"m","bed":"12B","priority":2}}`))
	if err != nil {
		t.Fatal(err)
	}
	if n.Data.Extra["bed"] != "12B" {
		t.Fatalf("expected extra bed field, got %v", n.Data.Extra)
	}
	if _, ok := n.Data.Extra["message"]; ok {
		t.Fatal("known fields must not be copied to extra")
	}
}

func TestParseNotificationRejects(t *testing.T) {
	for _, raw := range []string{
		`{"data":{"message":"no id"}}`,
		`{"id":"","data":{}}`,
		`[1,2,3]`,
		`null`,
		`garbage`,
	} {
		if _, err := ParseNotification(json.RawMessage(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}
