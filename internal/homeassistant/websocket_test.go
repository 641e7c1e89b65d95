package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeWSServer speaks enough of the Home Assistant websocket protocol
// to authenticate, acknowledge subscriptions, and push one event.
func fakeWSServer(t *testing.T, token string, event *Event) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]string{"type": "auth_required"})

		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != token {
			conn.WriteJSON(map[string]string{"type": "auth_invalid"})
			return
		}
		conn.WriteJSON(map[string]string{"type": "auth_ok"})

		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			id := req["id"]
			if req["type"] != "subscribe_events" {
				conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": false,
					"error": map[string]string{"code": "unknown_command", "message": "nope"}})
				continue
			}
			conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": true})
			if event != nil {
				conn.WriteJSON(map[string]any{"type": "event", "event": event})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSClient_SubscribeReceivesEvents(t *testing.T) {
	raw, _ := json.Marshal(StateChangedData{
		EntityID: "input_text.gemini_prompt",
		NewState: &State{EntityID: "input_text.gemini_prompt", State: "hello"},
	})
	srv := fakeWSServer(t, "tok", &Event{Type: "state_changed", Data: raw})

	c := NewWSClient(srv.URL, "tok", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Type != "state_changed" {
			t.Errorf("event type = %q", ev.Type)
		}
		var data StateChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.NewState.State != "hello" {
			t.Errorf("event data = %s (%v)", ev.Data, err)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestWSClient_AuthInvalid(t *testing.T) {
	srv := fakeWSServer(t, "right", nil)

	c := NewWSClient(srv.URL, "wrong", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); !errors.Is(err, ErrAuthInvalid) {
		t.Errorf("Connect error = %v, want ErrAuthInvalid", err)
	}
}

func TestWSClient_ReconnectRestoresSubscriptions(t *testing.T) {
	raw, _ := json.Marshal(StateChangedData{EntityID: "input_text.x", NewState: &State{State: "again"}})
	srv := fakeWSServer(t, "tok", &Event{Type: "state_changed", Data: raw})

	c := NewWSClient(srv.URL, "tok", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	<-c.Events()

	if err := c.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect error: %v", err)
	}
	defer c.Close()

	select {
	case <-c.Events():
	case <-ctx.Done():
		t.Fatal("subscription was not restored after reconnect")
	}
	if len(c.subscriptions) != 1 {
		t.Errorf("subscriptions = %v, want exactly one", c.subscriptions)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"http://homeassistant.local:8123", "ws://homeassistant.local:8123/api/websocket"},
		{"https://ha.example.com/", "wss://ha.example.com/api/websocket"},
		{"http://supervisor/core", "ws://supervisor/core/websocket"},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.base)
		if err != nil {
			t.Fatalf("websocketURL(%q) error: %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
