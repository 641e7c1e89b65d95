package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Questions returns utterances received on the ask topic. It is nil
// unless accept_questions is configured.
func (p *Publisher) Questions() <-chan string {
	return p.questions
}

func (p *Publisher) subscribeAsk(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.askTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt accepting questions", "topic", topic)
}

// handleMessage queues an ask-topic payload as an utterance. Empty
// payloads, other topics and messages over the rate limit are dropped.
// It never blocks the paho router.
func (p *Publisher) handleMessage(topic string, payload []byte) {
	if p.questions == nil || topic != p.askTopic() {
		return
	}
	utterance := strings.TrimSpace(string(payload))
	if utterance == "" {
		return
	}
	if !p.limiter.allow() {
		return
	}

	select {
	case p.questions <- utterance:
		p.logger.Debug("mqtt question queued", "topic", topic, "length", len(utterance))
	default:
		p.logger.Warn("mqtt question queue full, dropping", "topic", topic)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

// reset zeroes the window and logs any drops.
func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
