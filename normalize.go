package sanago

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Field aliases in lookup order.
var (
	messageKeys = []string{"message", "body"}
	titleKeys   = []string{"title"}
	linkKeys    = []string{"link", "url", "action_url"}
	subjectKeys = []string{"subject_name", "patient_name"}
)

var errMissingID = errors.New("notification payload has no id")

// timeLayouts are tried in order when parsing timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseNotification turns a loosely shaped payload into a Notification.
//
// Accepted shapes: a bare record, or an envelope carrying it under
// "payload" or "notification". Display fields are looked up in the nested
// "data" object first and fall back to the top level only when absent
// there. The id is required; a missing created_at defaults to now.
func ParseNotification(raw json.RawMessage) (Notification, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	m = unwrapEnvelope(m)

	id := scalarString(m["id"])
	if id == "" {
		return Notification{}, errMissingID
	}

	nested := nestedObject(m["data"])

	n := Notification{
		ID:   id,
		Type: strOr(m, "type", strOr(nested, "type", "")),
		Data: NotificationData{
			Message:     pick(nested, m, messageKeys),
			Title:       pick(nested, m, titleKeys),
			Link:        pick(nested, m, linkKeys),
			SubjectName: pick(nested, m, subjectKeys),
		},
	}
	if t, ok := parseTime(m["read_at"]); ok {
		n.ReadAt = &t
	}
	if t, ok := parseTime(m["created_at"]); ok {
		n.CreatedAt = t
	} else {
		n.CreatedAt = time.Now().UTC()
	}

	n.Data.Extra = extraFields(nested)
	return n, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("payload is not an object")
	}
	return m, nil
}

func unwrapEnvelope(m map[string]any) map[string]any {
	if _, ok := m["id"]; ok {
		return m
	}
	for _, k := range []string{"payload", "notification"} {
		if inner, ok := m[k].(map[string]any); ok {
			return unwrapEnvelope(inner)
		}
	}
	return m
}

// nestedObject returns v as an object. The data field sometimes arrives as
// a JSON-encoded string.
func nestedObject(v any) map[string]any {
	switch d := v.(type) {
	case map[string]any:
		return d
	case string:
		if m, err := decodeObject([]byte(d)); err == nil {
			return m
		}
	}
	return nil
}

// pick returns the first non-empty alias found in nested, then in top.
func pick(nested, top map[string]any, keys []string) string {
	for _, src := range []map[string]any{nested, top} {
		for _, k := range keys {
			if v := strOr(src, k, ""); v != "" {
				return v
			}
		}
	}
	return ""
}

func extraFields(nested map[string]any) map[string]any {
	known := map[string]bool{"type": true}
	for _, group := range [][]string{messageKeys, titleKeys, linkKeys, subjectKeys} {
		for _, k := range group {
			known[k] = true
		}
	}
	var extra map[string]any
	for k, v := range nested {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// scalarString renders a string or number field; anything else is empty.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	}
	return ""
}

func strOr(m map[string]any, key, fallback string) string {
	if v := scalarString(m[key]); v != "" {
		return v
	}
	return fallback
}
