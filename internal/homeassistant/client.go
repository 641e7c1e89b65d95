// Package homeassistant provides clients for the Home Assistant API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/httpkit"
)

// MaxNotificationRunes bounds persistent notification messages. Home
// Assistant rejects or truncates very long notification bodies.
const MaxNotificationRunes = 4000

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	watcher    readyChecker // set via SetWatcher for health status
	logger     *slog.Logger
}

// readyChecker is satisfied by connwatch.Watcher. Defined here to avoid
// importing connwatch directly, keeping the dependency one-directional.
type readyChecker interface {
	IsReady() bool
}

// SetWatcher sets the connection watcher for health status queries.
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether Home Assistant is currently reachable.
// Returns true if no watcher is configured.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// NewClient creates a new Home Assistant client. baseURL is the origin
// the /api paths hang off: either the instance itself
// ("http://homeassistant.local:8123") or the supervisor proxy
// ("http://supervisor/core").
//
// LAN dials occasionally fail with "no route to host" while the ARP
// entry refreshes, so connection-level errors are retried briefly.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// BaseURL returns the origin this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError is returned for any non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: API error %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: API error %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsAuthOrNotFound reports whether err is a 401, 403 or 404 from Home
// Assistant. Those statuses mean the access path is wrong (bad token,
// proxy without the endpoint) rather than that the instance is down.
func IsAuthOrNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// IsNotFound reports whether err is a 404 from Home Assistant.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// State represents an entity state from Home Assistant. The same shape
// is used for history records.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the entity domain, the part of the id before the
// first dot.
func (s State) Domain() string {
	return Domain(s.EntityID)
}

// StringAttr returns a string attribute, or "" when absent or not a
// string.
func (s State) StringAttr(key string) string {
	v, _ := s.Attributes[key].(string)
	return v
}

// Domain returns the domain portion of an entity id.
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return ""
}

// Sentinel states Home Assistant reports when it has no real value.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// IsSentinel reports whether state carries no real value: empty,
// unknown, or unavailable.
func IsSentinel(state string) bool {
	switch state {
	case "", StateUnknown, StateUnavailable:
		return true
	}
	return false
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// Config represents basic HA configuration.
type Config struct {
	LocationName string `json:"location_name"`
	UnitSystem   struct {
		Temperature string `json:"temperature"`
	} `json:"unit_system"`
	TimeZone string `json:"time_zone"`
	Version  string `json:"version"`
}

// Location resolves the configured IANA time zone, falling back to UTC
// when it is empty or unknown to the local tz database.
func (cfg *Config) Location() *time.Location {
	if cfg == nil || cfg.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the Home Assistant configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+entityID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetHistory retrieves state history for the given entities in one
// request. Home Assistant returns one array per entity that has data,
// oldest record first; entities without data are omitted. A zero end
// leaves the period open up to now.
func (c *Client) GetHistory(ctx context.Context, start, end time.Time, entityIDs []string) ([][]State, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("filter_entity_id", strings.Join(entityIDs, ","))
	if !end.IsZero() {
		q.Set("end_time", end.UTC().Format(time.RFC3339))
	}
	path := "/api/history/period/" + url.PathEscape(start.UTC().Format(time.RFC3339)) + "?" + q.Encode()

	var series [][]State
	if err := c.get(ctx, path, &series); err != nil {
		return nil, err
	}
	return series, nil
}

// FireEvent fires a custom event on the Home Assistant event bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	return c.post(ctx, "/api/events/"+eventType, data, nil)
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	return c.post(ctx, path, data, nil)
}

// CreateNotification posts a persistent notification. Messages longer
// than [MaxNotificationRunes] are truncated.
func (c *Client) CreateNotification(ctx context.Context, title, message string) error {
	if r := []rune(message); len(r) > MaxNotificationRunes {
		message = string(r[:MaxNotificationRunes])
	}
	data := map[string]any{"message": message}
	if title != "" {
		data["title"] = title
	}
	return c.CallService(ctx, "persistent_notification", "create", data)
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// post performs a POST request to the HA API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, reqBody, result)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", trimQuery(path), err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Method:     method,
			Path:       trimQuery(path),
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func trimQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
