package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/publish"
)

// fakeConn records every publish.
type fakeConn struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeConn) byTopic() map[string]*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*paho.Publish, len(f.msgs))
	for _, m := range f.msgs {
		out[m.Topic] = m
	}
	return out
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		BaseTopic:          "hearth",
		DeviceName:         "kitchen",
		DiscoveryPrefix:    "homeassistant",
		AcceptQuestions:    true,
		QuestionsPerMinute: 2,
	}
}

func TestTopics(t *testing.T) {
	p := New(testConfig(), "iid", time.UTC, nil)

	tests := []struct {
		got, want string
	}{
		{p.availabilityTopic(), "hearth/kitchen/availability"},
		{p.answerTopic(), "hearth/kitchen/answer"},
		{p.askTopic(), "hearth/kitchen/ask"},
		{p.stateTopic("last_answer"), "hearth/kitchen/last_answer/state"},
		{p.discoveryTopic("sensor", "version"), "homeassistant/sensor/kitchen/version/config"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestPublishDiscovery(t *testing.T) {
	p := New(testConfig(), "iid", time.UTC, nil)
	fc := &fakeConn{}
	p.setConn(fc)

	p.publishDiscovery(context.Background())

	msgs := fc.byTopic()
	if len(msgs) != 6 {
		t.Fatalf("published %d discovery messages, want 6", len(msgs))
	}

	m, ok := msgs["homeassistant/sensor/kitchen/last_answer_at/config"]
	if !ok {
		t.Fatal("missing last_answer_at discovery")
	}
	if !m.Retain {
		t.Error("discovery must be retained")
	}
	var cfg SensorConfig
	if err := json.Unmarshal(m.Payload, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.UniqueID != "iid_last_answer_at" || cfg.DeviceClass != "timestamp" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.StateTopic != "hearth/kitchen/last_answer_at/state" || cfg.AvailabilityTopic != "hearth/kitchen/availability" {
		t.Errorf("topics = %q %q", cfg.StateTopic, cfg.AvailabilityTopic)
	}
	if cfg.Device.Identifiers[0] != "iid" || cfg.Device.Name != "kitchen" {
		t.Errorf("device = %+v", cfg.Device)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	p := New(testConfig(), "iid", time.UTC, nil)
	if err := p.Publish(context.Background(), publish.Answer{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestPublish_AnswerAndStates(t *testing.T) {
	p := New(testConfig(), "iid", time.UTC, nil)
	fc := &fakeConn{}
	p.setConn(fc)

	at := time.Date(2024, 1, 14, 18, 45, 0, 0, time.UTC)
	a := publish.Answer{
		ID:        "a1",
		Utterance: "how warm is it?",
		Reply:     "It is **21 °C** in the living room.",
		At:        at,
	}
	if err := p.Publish(context.Background(), a); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := fc.byTopic()
	answer, ok := msgs["hearth/kitchen/answer"]
	if !ok {
		t.Fatal("no answer message")
	}
	var got publish.Answer
	if err := json.Unmarshal(answer.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "a1" || got.Reply != a.Reply {
		t.Errorf("answer = %+v", got)
	}

	wantStates := map[string]string{
		"last_question":  "how warm is it?",
		"last_answer":    "It is 21 °C in the living room.",
		"last_answer_at": "2024-01-14T18:45:00Z",
		"answers_today":  "1",
		"errors_today":   "0",
	}
	for entity, want := range wantStates {
		m, ok := msgs["hearth/kitchen/"+entity+"/state"]
		if !ok {
			t.Errorf("missing state for %s", entity)
			continue
		}
		if string(m.Payload) != want {
			t.Errorf("%s = %q, want %q", entity, m.Payload, want)
		}
	}

	if err := p.Publish(context.Background(), publish.Answer{Reply: "⚠️ Error: boom", IsError: true, At: at}); err != nil {
		t.Fatal(err)
	}
	msgs = fc.byTopic()
	if s := string(msgs["hearth/kitchen/answers_today/state"].Payload); s != "2" {
		t.Errorf("answers_today = %q, want 2", s)
	}
	if s := string(msgs["hearth/kitchen/errors_today/state"].Payload); s != "1" {
		t.Errorf("errors_today = %q, want 1", s)
	}
}

func TestPublish_Failure(t *testing.T) {
	p := New(testConfig(), "iid", time.UTC, nil)
	p.setConn(&fakeConn{err: errors.New("broker gone")})

	err := p.Publish(context.Background(), publish.Answer{Reply: "x"})
	if err == nil || !strings.Contains(err.Error(), "broker gone") {
		t.Errorf("err = %v", err)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("θ", 300)
	got := truncate(long, maxStateRunes)
	if n := len([]rune(got)); n != maxStateRunes {
		t.Errorf("truncated to %d runes, want %d", n, maxStateRunes)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("missing ellipsis")
	}
	if truncate("short", 10) != "short" {
		t.Error("short string changed")
	}
}

func TestHandleMessage(t *testing.T) {
	p := New(testConfig(), "iid", time.UTC, nil)

	p.handleMessage("hearth/kitchen/ask", []byte("  is the heating on?\n"))
	p.handleMessage("hearth/other/ask", []byte("wrong topic"))
	p.handleMessage("hearth/kitchen/ask", []byte("   "))
	p.handleMessage("hearth/kitchen/ask", []byte("second"))
	p.handleMessage("hearth/kitchen/ask", []byte("over the limit"))

	var got []string
	for len(p.Questions()) > 0 {
		got = append(got, <-p.Questions())
	}
	want := []string{"is the heating on?", "second"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("questions = %q, want %q", got, want)
	}

	p.limiter.reset()
	p.handleMessage("hearth/kitchen/ask", []byte("after reset"))
	if q := <-p.Questions(); q != "after reset" {
		t.Errorf("question = %q", q)
	}
}

func TestHandleMessage_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptQuestions = false
	p := New(cfg, "iid", time.UTC, nil)

	p.handleMessage("hearth/kitchen/ask", []byte("hello"))
	if p.Questions() != nil {
		t.Error("Questions should be nil when disabled")
	}
}

func TestDailyCounter_Rollover(t *testing.T) {
	athens, err := time.LoadLocation("Europe/Athens")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2024, 1, 14, 21, 50, 0, 0, time.UTC) // 23:50 Athens
	d := NewDailyCounter(athens)
	d.nowFunc = func() time.Time { return now }
	d.day = d.today()

	d.Record(false)
	d.Record(true)
	if a, e := d.Snapshot(); a != 2 || e != 1 {
		t.Fatalf("snapshot = %d/%d, want 2/1", a, e)
	}

	now = now.Add(15 * time.Minute) // 00:05 Athens, next day
	if a, e := d.Snapshot(); a != 0 || e != 0 {
		t.Errorf("after midnight = %d/%d, want 0/0", a, e)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id != again {
		t.Errorf("id changed: %q then %q", id, again)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(raw)) != id {
		t.Errorf("persisted %q, want %q", raw, id)
	}
}
