// Package publish delivers finished answers to wherever users read
// them: a Home Assistant event, a persistent notification, MQTT.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Answer is one completed turn.
type Answer struct {
	ID         string    `json:"id"`
	Utterance  string    `json:"utterance"`
	Reply      string    `json:"reply"` // markdown
	IsError    bool      `json:"error"`
	Window     string    `json:"window,omitempty"`
	Candidates []string  `json:"entities,omitempty"`
	At         time.Time `json:"timestamp"`
}

// Sink receives answers.
type Sink interface {
	Publish(ctx context.Context, a Answer) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, a Answer) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, a Answer) error { return f(ctx, a) }

// Fanout publishes to every sink, continuing past failures.
type Fanout struct {
	sinks  []namedSink
	logger *slog.Logger
}

type namedSink struct {
	name string
	sink Sink
}

// NewFanout creates an empty fanout.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger}
}

// Add registers a sink under name, used in logs and errors.
func (f *Fanout) Add(name string, s Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish delivers a to each sink in registration order. The returned
// error joins every sink failure.
func (f *Fanout) Publish(ctx context.Context, a Answer) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Publish(ctx, a); err != nil {
			f.logger.Warn("answer publish failed", "sink", s.name, "id", a.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		f.logger.Debug("answer published", "sink", s.name, "id", a.ID)
	}
	return errors.Join(errs...)
}
