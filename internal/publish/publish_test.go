package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
)

var at = time.Date(2025, 1, 15, 18, 30, 0, 0, time.UTC)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"plain", "It was 19.5 °C.", "It was 19.5 °C."},
		{"emphasis", "**Living room** was *19.5 °C* yesterday.", "Living room was 19.5 °C yesterday."},
		{"bullets", "- kitchen: on\n- hall: `heat`", "- kitchen: on\n- hall: heat"},
		{"ordered", "3. first\n4. second", "3. first\n4. second"},
		{"link", "See [history](http://ha.local/history).", "See history (http://ha.local/history)."},
		{"heading and paragraph", "# Summary\n\nAll quiet.", "Summary\nAll quiet."},
		{"fenced code", "```\nsensor.t = 20\n```", "sensor.t = 20"},
		{"greek", "Η θερμοκρασία ήταν **20 °C**.", "Η θερμοκρασία ήταν 20 °C."},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.md); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

type recordingSink struct {
	mu   sync.Mutex
	got  []Answer
	fail error
}

func (r *recordingSink) Publish(_ context.Context, a Answer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.fail
}

func TestFanout(t *testing.T) {
	ok := &recordingSink{}
	broken := &recordingSink{fail: errors.New("broker down")}
	last := &recordingSink{}

	f := NewFanout(nil)
	f.Add("hass", ok)
	f.Add("mqtt", broken)
	f.Add("log", last)

	err := f.Publish(context.Background(), Answer{ID: "a1", Reply: "hi"})
	if err == nil || !strings.Contains(err.Error(), "mqtt: broker down") {
		t.Errorf("err = %v", err)
	}
	if len(ok.got) != 1 || len(broken.got) != 1 || len(last.got) != 1 {
		t.Errorf("every sink should be tried: %d %d %d", len(ok.got), len(broken.got), len(last.got))
	}
	if f.Len() != 3 {
		t.Errorf("Len = %d", f.Len())
	}
}

func TestFanout_Empty(t *testing.T) {
	if err := NewFanout(nil).Publish(context.Background(), Answer{}); err != nil {
		t.Errorf("empty fanout err = %v", err)
	}
}

func TestSinkFunc(t *testing.T) {
	var got string
	s := SinkFunc(func(_ context.Context, a Answer) error { got = a.Reply; return nil })
	_ = s.Publish(context.Background(), Answer{Reply: "x"})
	if got != "x" {
		t.Errorf("SinkFunc not called")
	}
}

// fakeHA records calls to the events and services endpoints.
type fakeHA struct {
	mu            sync.Mutex
	events        []map[string]any
	eventPaths    []string
	notifications []map[string]any
}

func (f *fakeHA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/events/"):
		f.eventPaths = append(f.eventPaths, r.URL.Path)
		f.events = append(f.events, body)
	case r.URL.Path == "/api/services/persistent_notification/create":
		f.notifications = append(f.notifications, body)
	default:
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(`[]`))
}

func newHASink(t *testing.T, notify bool) (*HASink, *fakeHA) {
	t.Helper()
	ha := &fakeHA{}
	srv := httptest.NewServer(ha)
	t.Cleanup(srv.Close)
	client := homeassistant.NewClient(srv.URL, "token", time.Second, nil)
	return NewHASink(client, "hearth_result", notify, "Hearth", nil), ha
}

func TestHASink_Publish(t *testing.T) {
	sink, ha := newHASink(t, true)

	a := Answer{
		ID:         "turn-1",
		Utterance:  "πόση υγρασία έχει το μπάνιο;",
		Reply:      "Η υγρασία είναι **61%**.",
		Window:     "yesterday",
		Candidates: []string{"sensor.bathroom_humidity"},
		At:         at,
	}
	if err := sink.Publish(context.Background(), a); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(ha.events) != 1 || ha.eventPaths[0] != "/api/events/hearth_result" {
		t.Fatalf("events = %v at %v", ha.events, ha.eventPaths)
	}
	ev := ha.events[0]
	if ev["text"] != "Η υγρασία είναι 61%." || ev["markdown"] != a.Reply {
		t.Errorf("event text/markdown = %q / %q", ev["text"], ev["markdown"])
	}
	if ev["error"] != false || ev["timestamp"] != "2025-01-15T18:30:00Z" || ev["window"] != "yesterday" {
		t.Errorf("event = %v", ev)
	}

	if len(ha.notifications) != 1 || ha.notifications[0]["message"] != a.Reply || ha.notifications[0]["title"] != "Hearth" {
		t.Errorf("notifications = %v", ha.notifications)
	}
}

func TestHASink_NoNotify(t *testing.T) {
	sink, ha := newHASink(t, false)
	if err := sink.Publish(context.Background(), Answer{Reply: "ok", At: at}); err != nil {
		t.Fatal(err)
	}
	sink.Working(context.Background(), "Analyzing request…")
	if len(ha.events) != 1 || len(ha.notifications) != 0 {
		t.Errorf("events=%d notifications=%d", len(ha.events), len(ha.notifications))
	}
}

func TestHASink_Working(t *testing.T) {
	sink, ha := newHASink(t, true)
	sink.Working(context.Background(), "Analyzing request…")
	if len(ha.notifications) != 1 || ha.notifications[0]["message"] != "Analyzing request…" {
		t.Errorf("notifications = %v", ha.notifications)
	}
}

func TestHASink_EventFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := NewHASink(homeassistant.NewClient(srv.URL, "bad", time.Second, nil), "hearth_result", true, "Hearth", nil)
	err := sink.Publish(context.Background(), Answer{Reply: "x", At: at})

	var apiErr *homeassistant.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v, want wrapped 401", err)
	}
}

func TestEventData_OmitsEmpty(t *testing.T) {
	data := EventData(Answer{ID: "x", Reply: "r", IsError: true, At: at})
	if _, ok := data["window"]; ok {
		t.Error("empty window should be omitted")
	}
	if _, ok := data["entities"]; ok {
		t.Error("empty entities should be omitted")
	}
	if data["error"] != true {
		t.Error("error flag lost")
	}
}
