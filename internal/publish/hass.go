package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventClient is the subset of the Home Assistant client the sink
// needs. [homeassistant.Client] satisfies it.
type EventClient interface {
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
	CreateNotification(ctx context.Context, title, message string) error
}

// HASink fires an event per answer and optionally mirrors it as a
// persistent notification.
type HASink struct {
	client    EventClient
	eventType string
	notify    bool
	title     string
	logger    *slog.Logger
}

// NewHASink creates a sink firing eventType. When notify is set every
// answer is also posted as a persistent notification titled title.
func NewHASink(client EventClient, eventType string, notify bool, title string, logger *slog.Logger) *HASink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HASink{
		client:    client,
		eventType: eventType,
		notify:    notify,
		title:     title,
		logger:    logger,
	}
}

// EventData builds the event payload for a.
func EventData(a Answer) map[string]any {
	data := map[string]any{
		"id":        a.ID,
		"utterance": a.Utterance,
		"text":      PlainText(a.Reply),
		"markdown":  a.Reply,
		"error":     a.IsError,
		"timestamp": a.At.UTC().Format(time.RFC3339),
	}
	if a.Window != "" {
		data["window"] = a.Window
	}
	if len(a.Candidates) > 0 {
		data["entities"] = a.Candidates
	}
	return data
}

// Publish fires the event, then the notification. A notification
// failure does not undo the event.
func (s *HASink) Publish(ctx context.Context, a Answer) error {
	if err := s.client.FireEvent(ctx, s.eventType, EventData(a)); err != nil {
		return fmt.Errorf("fire %s: %w", s.eventType, err)
	}
	if !s.notify {
		return nil
	}
	if err := s.client.CreateNotification(ctx, s.title, a.Reply); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// Working posts the in-progress notification shown while a turn is
// being answered. It is a no-op when notifications are disabled.
func (s *HASink) Working(ctx context.Context, message string) {
	if !s.notify {
		return
	}
	if err := s.client.CreateNotification(ctx, s.title, message); err != nil {
		s.logger.Debug("working notification failed", "error", err)
	}
}
