package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/autopayer/autopayer/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func escrowEvent(kind string, data escrowEventData) *Event {
	return &Event{Type: kind, Timestamp: time.Now(), Data: data}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, escrowEvent(EventEscrowCreated, escrowEventData{ID: "esc_1"})) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{EventEscrowVerified, EventEscrowResolved},
	}}

	if !h.shouldSend(client, escrowEvent(EventEscrowVerified, escrowEventData{})) {
		t.Error("Should receive escrow_verified events")
	}
	if !h.shouldSend(client, escrowEvent(EventEscrowResolved, escrowEventData{})) {
		t.Error("Should receive escrow_resolved events")
	}
	if h.shouldSend(client, escrowEvent(EventEscrowCreated, escrowEventData{})) {
		t.Error("Should NOT receive escrow_created events")
	}
}

func TestShouldSend_AddressFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Addresses: []string{"0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa"},
	}}

	asRequester := escrowEvent(EventEscrowCreated, escrowEventData{
		RequesterAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	})
	asPayer := escrowEvent(EventEscrowAccepted, escrowEventData{
		RequesterAddress: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		PayerAddress:     "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	})
	unrelated := escrowEvent(EventEscrowCreated, escrowEventData{
		RequesterAddress: "0xcccccccccccccccccccccccccccccccccccccccc",
	})

	if !h.shouldSend(client, asRequester) {
		t.Error("Should match requester address case-insensitively")
	}
	if !h.shouldSend(client, asPayer) {
		t.Error("Should match payer address")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated escrows")
	}
}

func TestShouldSend_EscrowIDFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{EscrowIDs: []string{"esc_watch"}}}

	if !h.shouldSend(client, escrowEvent(EventEscrowVerified, escrowEventData{ID: "esc_watch"})) {
		t.Error("Should match watched escrow id")
	}
	if h.shouldSend(client, escrowEvent(EventEscrowVerified, escrowEventData{ID: "esc_other"})) {
		t.Error("Should NOT match other escrow ids")
	}
}

func TestShouldSend_CurrencyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{Currencies: []string{"eur"}}}

	eur := &Event{Type: EventRateUpdated, Data: map[string]interface{}{"currency": "EUR"}}
	usd := &Event{Type: EventRateUpdated, Data: map[string]interface{}{"currency": "USD"}}
	created := escrowEvent(EventEscrowCreated, escrowEventData{FiatCurrency: "USD"})

	if !h.shouldSend(client, eur) {
		t.Error("Should receive EUR rate updates case-insensitively")
	}
	if h.shouldSend(client, usd) {
		t.Error("Should NOT receive USD rate updates")
	}
	if !h.shouldSend(client, created) {
		t.Error("Currency filter should only apply to rate updates")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, escrowEvent(EventEscrowCreated, escrowEventData{ID: "esc_1"})) {
		t.Error("Empty subscription should pass all events through")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
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
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_EmitEscrowEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.EmitEscrowEvent("escrow_created", &escrow.Request{
		ID:               "esc_live",
		Status:           escrow.StatusOpen,
		RequesterAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		TokenSymbol:      "USDT",
		TokenAmount:      "150000000000000000000",
		FiatAmount:       15000,
		FiatCurrency:     "EUR",
		BankDetails:      "IBAN DE89",
	})

	select {
	case msg := <-client.send:
		var event struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		if event.Type != "escrow_created" {
			t.Errorf("Expected escrow_created, got %s", event.Type)
		}
		if strings.Contains(string(event.Data), "IBAN") {
			t.Error("Bank details must not reach the wire")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for escrow event")
	}
}

func TestHub_EmitOracleEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic with no clients
	h.EmitOracleEvent(EventRateUpdated, map[string]interface{}{
		"currency": "EUR", "token": "0xdddd", "rate": "1.08",
	})
	time.Sleep(50 * time.Millisecond)

	if h.Stats()["totalEvents"].(int64) != 1 {
		t.Error("Oracle event should be counted")
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
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{EventEscrowDisputed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(escrowEvent(EventEscrowCreated, escrowEventData{ID: "esc_1"}))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow_created event")
	default:
		// Good - filtered out
	}

	h.Broadcast(escrowEvent(EventEscrowDisputed, escrowEventData{ID: "esc_1"}))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute event")
	}
}
