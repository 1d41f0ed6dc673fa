package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewID_UniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != len("evt_")+20 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if id[:4] != "evt_" {
			t.Fatalf("id missing evt_ prefix: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestPayload_MarshalUnmarshalToolRoundTrip(t *testing.T) {
	ctx := "read 3 files"
	project := "vibetea"
	ev := New("monitor-1", TypeTool, Payload{
		Kind: TypeTool,
		Tool: &ToolPayload{
			SessionID: "sess-1",
			Tool:      "Read",
			Status:    ToolStarted,
			Context:   &ctx,
			Project:   &project,
		},
	})

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Type != TypeTool {
		t.Fatalf("expected type tool, got %q", decoded.Type)
	}
	if decoded.Payload.Tool == nil || decoded.Payload.Tool.SessionID != "sess-1" {
		t.Fatalf("tool payload not round-tripped: %+v", decoded.Payload.Tool)
	}
	if got, ok := decoded.Payload.Project(); !ok || got != project {
		t.Fatalf("expected project %q, got %q (ok=%v)", project, got, ok)
	}
}

func TestPayload_UnmarshalActivityFallback(t *testing.T) {
	raw := []byte(`{"sessionId":"sess-2"}`)
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Kind != TypeActivity {
		t.Fatalf("expected activity fallback, got %q", p.Kind)
	}
	if p.Activity == nil || p.Activity.SessionID != "sess-2" {
		t.Fatalf("activity payload not populated: %+v", p.Activity)
	}
}

func TestPayload_UnmarshalUnknownShape(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"foo":"bar"}`), &p)
	if err == nil {
		t.Fatal("expected error for unmatched payload shape")
	}
}

func TestPayload_ProjectAbsentForTokenUsage(t *testing.T) {
	p := Payload{Kind: TypeTokenUsage, TokenUsage: &TokenUsagePayload{Model: "claude"}}
	if _, ok := p.Project(); ok {
		t.Fatal("expected no project for token usage payload")
	}
}

func TestPayload_MoreSpecificVariantShadowsActivity(t *testing.T) {
	raw := []byte(`{"sessionId":"sess-3","action":"started","project":"vibetea"}`)
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Kind != TypeSession {
		t.Fatalf("expected session to win over activity, got %q", p.Kind)
	}
	if p.Session == nil || p.Session.Project != "vibetea" {
		t.Fatalf("session payload not populated: %+v", p.Session)
	}
}

func TestNew_SetsTimestampAndID(t *testing.T) {
	before := time.Now().UTC()
	ev := New("src", TypeSession, Payload{Kind: TypeSession, Session: &SessionPayload{SessionID: "s", Action: SessionStarted, Project: "p"}})
	after := time.Now().UTC()

	if ev.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if ev.Timestamp.Before(before) || ev.Timestamp.After(after) {
		t.Fatalf("timestamp %v not within [%v, %v]", ev.Timestamp, before, after)
	}
}
