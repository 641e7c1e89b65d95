package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/publish"
)

// ErrNotConnected is returned by Publish before the first broker
// connection.
var ErrNotConnected = errors.New("mqtt not connected")

// maxStateRunes is Home Assistant's limit on a sensor state.
const maxStateRunes = 255

// conn is the part of a connection the publisher writes through.
// [autopaho.ConnectionManager] satisfies it.
type conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and mirrors every answer to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counter    *DailyCounter
	logger     *slog.Logger

	questions chan string
	limiter   *messageRateLimiter

	mu   sync.Mutex
	conn conn
	cm   *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection. loc sets the midnight rollover of the daily
// counters.
func New(cfg config.MQTTConfig, instanceID string, loc *time.Location, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counter:    NewDailyCounter(loc),
		logger:     logger,
	}
	if cfg.AcceptQuestions {
		p.questions = make(chan string, 8)
		p.limiter = newMessageRateLimiter(int64(cfg.QuestionsPerMinute), time.Minute, logger)
	}
	return p
}

// Start connects to the MQTT broker and blocks until ctx is cancelled,
// then publishes "offline" and disconnects. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.setConn(cm)
			p.publishDiscovery(ctx)
			p.publishAvailability(ctx, "online")
			p.publishStates(ctx, nil)
			if p.questions != nil {
				p.subscribeAsk(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hearth-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	if p.limiter != nil {
		go p.limiter.start(ctx)
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stopCancel()
	return p.Stop(stopCtx)
}

// Stop publishes an "offline" availability message and closes the
// connection.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established
// or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Publish mirrors an answer: the full JSON on the answer topic and the
// sensor states derived from it.
func (p *Publisher) Publish(ctx context.Context, a publish.Answer) error {
	c := p.currentConn()
	if c == nil {
		return ErrNotConnected
	}

	p.counter.Record(a.IsError)

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.answerTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}

	p.publishStates(ctx, &a)
	return nil
}

func (p *Publisher) setConn(c conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

func (p *Publisher) currentConn() conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.BaseTopic + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) answerTopic() string {
	return p.baseTopic() + "/answer"
}

func (p *Publisher) askTopic() string {
	return p.baseTopic() + "/ask"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(suffix, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	lastAnswer := p.sensor("last_answer", "Last Answer", "mdi:message-reply-text")
	lastAnswer.JsonAttributesTopic = p.answerTopic()

	lastAnswerAt := p.sensor("last_answer_at", "Last Answer At", "mdi:clock-check")
	lastAnswerAt.DeviceClass = "timestamp"

	answersToday := p.sensor("answers_today", "Answers Today", "mdi:counter")
	answersToday.StateClass = "total_increasing"

	errorsToday := p.sensor("errors_today", "Errors Today", "mdi:alert-circle")
	errorsToday.StateClass = "total_increasing"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{"last_question", p.sensor("last_question", "Last Question", "mdi:message-question")},
		{"last_answer", lastAnswer},
		{"last_answer_at", lastAnswerAt},
		{"answers_today", answersToday},
		{"errors_today", errorsToday},
		{"version", version},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context) {
	c := p.currentConn()
	if c == nil {
		return
	}
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	c := p.currentConn()
	if c == nil {
		return
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// publishStates pushes sensor states. With a nil answer only the
// counters and version are refreshed.
func (p *Publisher) publishStates(ctx context.Context, a *publish.Answer) {
	c := p.currentConn()
	if c == nil {
		return
	}

	answers, errs := p.counter.Snapshot()
	states := map[string]string{
		"answers_today": strconv.FormatInt(answers, 10),
		"errors_today":  strconv.FormatInt(errs, 10),
		"version":       buildinfo.Version,
	}
	if a != nil {
		states["last_question"] = truncate(a.Utterance, maxStateRunes)
		states["last_answer"] = truncate(publish.PlainText(a.Reply), maxStateRunes)
		states["last_answer_at"] = a.At.UTC().Format(time.RFC3339)
	}

	for entity, value := range states {
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
