package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrAuthInvalid is returned by Connect when Home Assistant rejects the
// access token.
var ErrAuthInvalid = errors.New("websocket authentication failed")

// WSClient is a Home Assistant websocket connection used to receive
// events. Subscriptions survive Reconnect.
type WSClient struct {
	baseURL string
	token   string
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	msgID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsMessage

	events chan Event

	subsMu        sync.Mutex
	subscriptions []string
}

// Event represents a Home Assistant event received via WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWSClient creates a websocket client for the same origin a REST
// [Client] would use.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		logger:  logger,
		pending: make(map[int64]chan wsMessage),
		events:  make(chan Event, 100),
	}
}

// websocketURL maps a REST origin to its websocket endpoint. The
// supervisor proxy serves it at /core/websocket, a direct instance at
// /api/websocket.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if strings.HasSuffix(u.Path, "/core") {
		u.Path += "/websocket"
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/api") + "/api/websocket"
	}
	return u.String(), nil
}

// Connect dials, authenticates, starts the read loop, and restores any
// earlier subscriptions.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return err
	}

	c.logger.Info("connecting to Home Assistant websocket", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)

	c.restoreSubscriptions(ctx)
	return nil
}

func (c *WSClient) authenticate(conn *websocket.Conn) error {
	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthInvalid
	default:
		return fmt.Errorf("unexpected auth response: %s", resp.Type)
	}
}

// Close closes the connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Reconnect drops the current connection and connects again. It is
// wired to the Home Assistant watcher's OnReady callback.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting websocket")
	c.Close()
	return c.Connect(ctx)
}

// Events returns the channel subscribed events are delivered on.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Subscribe subscribes to an event type and remembers it for
// Reconnect.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	if err := c.subscribe(ctx, eventType); err != nil {
		return err
	}

	c.subsMu.Lock()
	c.subscriptions = append(c.subscriptions, eventType)
	c.subsMu.Unlock()
	return nil
}

func (c *WSClient) subscribe(ctx context.Context, eventType string) error {
	id := c.msgID.Add(1)
	_, err := c.request(ctx, id, map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": eventType,
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}
	c.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}

// request sends msg and waits for the result frame carrying id.
func (c *WSClient) request(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, errors.New("websocket not connected")
	}
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.New("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("timeout waiting for response")
	}
}

// readLoop dispatches frames from conn until it fails. Reconnection is
// driven by the connection watcher, not from here.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("websocket closed")
			} else {
				c.logger.Warn("websocket read failed, connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- msg
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
			}

		case "pong":

		default:
			c.logger.Debug("unhandled websocket message", "type", msg.Type)
		}
	}
}

// restoreSubscriptions re-issues every remembered subscription on a
// fresh connection.
func (c *WSClient) restoreSubscriptions(ctx context.Context) {
	c.subsMu.Lock()
	subs := append([]string(nil), c.subscriptions...)
	c.subsMu.Unlock()

	for _, eventType := range subs {
		if err := c.subscribe(ctx, eventType); err != nil {
			c.logger.Error("failed to restore subscription", "event_type", eventType, "error", err)
		}
	}
}
