package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
)

// Stream reacts to state_changed events for the prompt entity instead
// of polling.
type Stream struct {
	entity    string
	getter    StateGetter
	debouncer *Debouncer
	handler   Handler
	limiter   *homeassistant.EntityRateLimiter
	watcher   *homeassistant.StateWatcher
	changes   chan homeassistant.StateChange
	logger    *slog.Logger
}

// NewStream creates a stream over events, typically
// [homeassistant.WSClient.Events]. perMinute caps turns per minute;
// zero disables the cap. A change over the cap is held and handled once
// the window allows it. When getter is non-nil the entity's current
// value is read at start so the debouncer sees it first, and again when
// a held change is released.
func NewStream(events <-chan homeassistant.Event, entity string, perMinute int, getter StateGetter, debouncer *Debouncer, handler Handler, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stream", "entity_id", entity)

	s := &Stream{
		entity:    entity,
		getter:    getter,
		debouncer: debouncer,
		handler:   handler,
		limiter:   homeassistant.NewEntityRateLimiter(perMinute),
		changes:   make(chan homeassistant.StateChange),
		logger:    logger,
	}
	filter := homeassistant.NewEntityFilter([]string{entity}, logger)
	s.watcher = homeassistant.NewStateWatcher(events, filter, nil, s.forward, logger)
	return s
}

// Run consumes events until ctx is cancelled or the event channel
// closes. Turns run on the calling goroutine. A change still held by
// the rate limit when the channel closes is handled before Run returns.
func (s *Stream) Run(ctx context.Context) error {
	s.seed(ctx)

	done := make(chan error, 1)
	go func() { done <- s.watcher.Run(ctx) }()

	var (
		retry    <-chan time.Time
		held     string
		closed   bool
		watchErr error
	)
	for {
		if closed && retry == nil {
			return watchErr
		}
		select {
		case <-ctx.Done():
			return nil
		case watchErr = <-done:
			closed = true
		case change := <-s.changes:
			if !s.limiter.Allow(s.entity) {
				held = change.New
				if retry == nil {
					wait := s.limiter.RetryAfter(s.entity)
					s.logger.Info("prompt change rate limited, will retry", "retry_in", wait)
					retry = time.After(wait)
				}
				continue
			}
			// A newer change supersedes anything held.
			held, retry = "", nil
			s.observe(ctx, change.New)
		case <-retry:
			retry = nil
			if !s.limiter.Allow(s.entity) {
				retry = time.After(s.limiter.RetryAfter(s.entity))
				continue
			}
			value := s.reread(ctx, held)
			held = ""
			s.observe(ctx, value)
		}
	}
}

// seed shows the debouncer the current value. When it cannot be read
// the debouncer is primed so the first event counts as a change.
func (s *Stream) seed(ctx context.Context) {
	if s.getter == nil {
		s.debouncer.Prime()
		return
	}
	st, err := s.getter.GetState(ctx, s.entity)
	if err != nil {
		s.logger.Warn("could not read initial prompt value", "error", err)
		s.debouncer.Prime()
		return
	}
	s.observe(ctx, st.State)
}

// reread returns the entity's current value, or fallback when it
// cannot be read.
func (s *Stream) reread(ctx context.Context, fallback string) string {
	if s.getter == nil {
		return fallback
	}
	st, err := s.getter.GetState(ctx, s.entity)
	if err != nil {
		s.logger.Warn("could not re-read prompt value, using last event", "error", err)
		return fallback
	}
	return st.State
}

// forward hands a change from the watcher goroutine to Run.
func (s *Stream) forward(ctx context.Context, change homeassistant.StateChange) {
	select {
	case s.changes <- change:
	case <-ctx.Done():
	}
}

func (s *Stream) observe(ctx context.Context, value string) {
	utterance, ok := s.debouncer.Observe(value)
	if !ok {
		return
	}
	s.logger.Info("new command detected", "utterance", utterance)
	s.handler(ctx, utterance, SourceWebsocket)
}

// RunQuestions answers every utterance received on questions until ctx
// is cancelled or the channel closes. Questions are explicit requests,
// so they are not debounced.
func RunQuestions(ctx context.Context, questions <-chan string, handler Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-questions:
			if !ok {
				return nil
			}
			logger.Info("question received", "source", SourceMQTT, "utterance", q)
			handler(ctx, q, SourceMQTT)
		}
	}
}
