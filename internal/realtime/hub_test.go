package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/decision"
	"github.com/antifraudhub/antifraudhub/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func decisionEvent(email string, risk float64, d decision.Decision) *Event {
	return &Event{Type: EventDecision, Data: DecisionData{UserEmail: email, RiskScore: risk, Decision: d, Source: "realtime"}}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	if !shouldSend(client, &Event{Type: EventBatchCompleted, Data: BatchData{}}) {
		t.Error("AllEvents client should receive batch events")
	}
	if !shouldSend(client, decisionEvent("a@x.io", 0.1, decision.Allow)) {
		t.Error("AllEvents client should receive decisions")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{EventTypes: []EventType{EventBatchCompleted}}}

	if !shouldSend(client, &Event{Type: EventBatchCompleted, Data: BatchData{Returned: 3}}) {
		t.Error("should receive batch_completed")
	}
	if shouldSend(client, decisionEvent("a@x.io", 0.9, decision.Block)) {
		t.Error("should NOT receive decision events")
	}
}

func TestShouldSend_DecisionFilters(t *testing.T) {
	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"decision match", Subscription{Decisions: []decision.Decision{decision.Block}}, decisionEvent("a@x.io", 0.8, decision.Block), true},
		{"decision miss", Subscription{Decisions: []decision.Decision{decision.Block}}, decisionEvent("a@x.io", 0.2, decision.Review), false},
		{"email case-insensitive", Subscription{UserEmails: []string{"A@X.io"}}, decisionEvent("a@x.io", 0.2, decision.Review), true},
		{"email miss", Subscription{UserEmails: []string{"b@x.io"}}, decisionEvent("a@x.io", 0.2, decision.Review), false},
		{"min risk inclusive", Subscription{MinRisk: 0.5}, decisionEvent("a@x.io", 0.5, decision.Review), true},
		{"below min risk", Subscription{MinRisk: 0.5}, decisionEvent("a@x.io", 0.49, decision.Review), false},
		{"decision filter ignores batch", Subscription{Decisions: []decision.Decision{decision.Block}}, &Event{Type: EventBatchCompleted, Data: BatchData{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldSend(&Client{sub: tt.sub}, tt.event); got != tt.want {
				t.Errorf("shouldSend() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}

	h.register <- client
	time.Sleep(50 * time.Millisecond)
	if got := h.Stats()["connectedClients"].(int); got != 1 {
		t.Errorf("Expected 1 connected client, got %d", got)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)
	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishDecision(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{Decisions: []decision.Decision{decision.Block}}}
	h.register <- client

	h.PublishDecision(DecisionData{UserEmail: "ok@x.io", RiskScore: 0.01, Decision: decision.Allow, Source: "realtime"})
	h.PublishDecision(DecisionData{UserEmail: "bad@x.io", RiskScore: 0.97, Decision: decision.Block, Source: "realtime"})

	select {
	case msg := <-client.send:
		var got struct {
			Type EventType    `json:"type"`
			Data DecisionData `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != EventDecision || got.Data.UserEmail != "bad@x.io" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for BLOCK decision")
	}

	select {
	case msg := <-client.send:
		t.Errorf("filtered client got extra message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishBatchCounted(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.PublishBatch(BatchData{Returned: 2, Decisions: map[decision.Decision]int{decision.Block: 2}})
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats()["totalEvents"].(int64); got != 1 {
		t.Errorf("Expected 1 total event, got %d", got)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
