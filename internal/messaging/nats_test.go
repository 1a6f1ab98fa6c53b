package messaging

import (
	"encoding/json"
	"testing"
)

func TestMessageSubject(t *testing.T) {
	if got := MessageSubject("abc-123"); got != "chat.message.abc-123" {
		t.Errorf("MessageSubject = %q, want %q", got, "chat.message.abc-123")
	}
}

func TestEventFieldNames(t *testing.T) {
	// Downstream consumers match on these key names; a rename is a breaking
	// change to every subscriber.
	data, err := json.Marshal(RequestEvent{
		SessionID:  "s1",
		UserName:   "Ana",
		Department: "Ventas",
		Timestamp:  42,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"session_id", "user_name", "department", "timestamp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("RequestEvent missing key %q, got %v", key, m)
		}
	}

	data, err = json.Marshal(MessageEvent{SessionID: "s1", User: "Ana", Text: "hola", Timestamp: 42})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	m = nil
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"session_id", "user", "text", "timestamp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("MessageEvent missing key %q, got %v", key, m)
		}
	}
}
