package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// eventStream is the part of [homeassistant.WSClient] the websocket
// trigger needs on every Home Assistant recovery.
type eventStream interface {
	Reconnect(ctx context.Context) error
	Subscribe(ctx context.Context, eventType string) error
}

// subscription keeps one event subscription alive across reconnects.
// After the first successful Subscribe the client restores it itself;
// until then every recovery tries again.
type subscription struct {
	ws        eventStream
	eventType string
	attempts  int
	backoff   time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	subscribed bool
}

func newSubscription(ws eventStream, eventType string, logger *slog.Logger) *subscription {
	return &subscription{
		ws:        ws,
		eventType: eventType,
		attempts:  5,
		backoff:   2 * time.Second,
		timeout:   30 * time.Second,
		logger:    logger,
	}
}

// onReady reconnects the websocket and subscribes if no earlier attempt
// succeeded. Calls are serialized.
func (s *subscription) onReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.ws.Reconnect(rctx)
	cancel()
	if err != nil {
		s.logger.Error("websocket reconnect failed", "error", err)
		return err
	}
	if s.subscribed {
		return nil
	}

	for attempt := 1; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		err = s.ws.Subscribe(sctx, s.eventType)
		cancel()
		if err == nil {
			s.subscribed = true
			s.logger.Info("subscribed to events", "event_type", s.eventType)
			return nil
		}
		s.logger.Error("subscribe failed", "event_type", s.eventType, "attempt", attempt, "error", err)
		if attempt >= s.attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
}

// Subscribed reports whether the subscription has been established.
func (s *subscription) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}
