package api

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"lobster/internal/orderbook"
)

func TestHubEncodeFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	hub := NewHub(zap.New(core))

	client := &Client{hub: hub, send: make(chan []byte, 1)}
	if !hub.Register(client) {
		t.Fatal("Register refused a client on a running hub")
	}

	// encoding/json refuses timestamps past year 9999.
	hub.HandleTrade(orderbook.Trade{ID: "t1", Timestamp: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)})

	if n := len(client.send); n != 0 {
		t.Errorf("expected no frame queued, got %d", n)
	}
	if n := logs.FilterMessage("encode websocket message").Len(); n != 1 {
		t.Errorf("expected 1 encode error logged, got %d", n)
	}
}

func TestHubEncodeBook(t *testing.T) {
	hub := NewHub(nil)

	snap := orderbook.New().Snapshot(defaultDepth)
	data, ok := hub.encode(Message{Type: "book", Book: &snap})
	if !ok || len(data) == 0 {
		t.Fatalf("expected book frame, got ok=%v data=%q", ok, data)
	}
}
