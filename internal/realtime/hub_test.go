package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond) // allow registration

	hub.Notify("settlement_completed", map[string]interface{}{"userId": "usr_0123456789abcdef"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var event Event
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.Type != "settlement_completed" {
		t.Errorf("type = %s, want settlement_completed", event.Type)
	}
}

func TestHub_SubscriptionFilters(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)

	// Only interested in pool closes.
	if err := conn.WriteJSON(Subscription{EventTypes: []string{"pool_closed"}}); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	hub.Notify("charge_failed", map[string]interface{}{"userId": "usr_0123456789abcdef"})
	hub.Notify("pool_closed", map[string]interface{}{"week": "2026-03-02"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event Event
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.Type != "pool_closed" {
		t.Errorf("filtered client received %s", event.Type)
	}
}

func TestHub_ShutdownRejectsUpgrades(t *testing.T) {
	hub, srv, cancel := startHub(t)
	cancel()
	time.Sleep(50 * time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("resp = %+v, want 503", resp)
	}
	_ = hub
}
