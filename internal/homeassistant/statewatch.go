package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sync"
	"time"
)

// StateChange is a filtered state_changed event.
type StateChange struct {
	EntityID string
	Old      string
	New      string
	At       time.Time
}

// StateWatchHandler receives state changes that pass the filter and
// rate limiter.
type StateWatchHandler func(ctx context.Context, change StateChange)

// EntityFilter selects entity IDs with [path.Match] glob patterns
// ("input_text.*", "*device_tracker*").
type EntityFilter struct {
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter creates a filter from glob patterns.
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityFilter{patterns: globs, logger: logger}
}

// Empty reports whether the filter has no patterns.
func (f *EntityFilter) Empty() bool {
	return f == nil || len(f.patterns) == 0
}

// Match reports whether the entity ID matches at least one pattern.
// An empty filter matches everything.
func (f *EntityFilter) Match(entityID string) bool {
	if f.Empty() {
		return true
	}
	return f.Any(entityID)
}

// Any reports whether the entity ID matches at least one pattern. An
// empty filter matches nothing, which makes it the right test for
// exclusion lists.
func (f *EntityFilter) Any(entityID string) bool {
	if f == nil {
		return false
	}
	for _, pat := range f.patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// EntityRateLimiter enforces a per-entity sliding window, one minute
// unless built with [NewWindowRateLimiter]. A limit of zero disables it.
type EntityRateLimiter struct {
	limit   int
	window  time.Duration
	nowFunc func() time.Time

	mu       sync.Mutex
	counters map[string][]time.Time
}

// NewEntityRateLimiter allows at most perMinute events per entity.
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return NewWindowRateLimiter(perMinute, time.Minute)
}

// NewWindowRateLimiter allows at most limit events per entity in any
// window.
func NewWindowRateLimiter(limit int, window time.Duration) *EntityRateLimiter {
	return &EntityRateLimiter{
		limit:    limit,
		window:   window,
		nowFunc:  time.Now,
		counters: make(map[string][]time.Time),
	}
}

// RetryAfter returns how long until Allow would accept an event for
// entityID. Zero means now.
func (r *EntityRateLimiter) RetryAfter(entityID string) time.Duration {
	if r.limit <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	cutoff := now.Add(-r.window)
	var valid []time.Time
	for _, ts := range r.counters[entityID] {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) < r.limit {
		return 0
	}
	// The slot frees when the oldest event that keeps us at the limit
	// leaves the window.
	oldest := valid[len(valid)-r.limit]
	if d := oldest.Add(r.window).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Allow reports whether an event for entityID may be processed now and
// records it if so.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	cutoff := now.Add(-r.window)

	timestamps := r.counters[entityID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.limit {
		r.counters[entityID] = valid
		return false
	}
	r.counters[entityID] = append(valid, now)
	return true
}

// Cleanup drops entities whose timestamps have all expired.
func (r *EntityRateLimiter) Cleanup() {
	if r.limit <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.nowFunc().Add(-r.window)
	for entityID, timestamps := range r.counters {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(r.counters, entityID)
		}
	}
}

// StateWatcher turns a websocket event channel into filtered,
// rate-limited state changes.
type StateWatcher struct {
	events  <-chan Event
	filter  *EntityFilter
	limiter *EntityRateLimiter
	handler StateWatchHandler
	logger  *slog.Logger
}

// NewStateWatcher creates a state watcher. A nil filter or limiter
// disables that stage.
func NewStateWatcher(events <-chan Event, filter *EntityFilter, limiter *EntityRateLimiter, handler StateWatchHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewEntityRateLimiter(0)
	}
	return &StateWatcher{
		events:  events,
		filter:  filter,
		limiter: limiter,
		handler: handler,
		logger:  logger,
	}
}

// Run consumes events until ctx is cancelled or the channel closes.
// Handlers run on this goroutine, one at a time.
func (w *StateWatcher) Run(ctx context.Context) error {
	w.logger.Info("state watcher started")
	defer w.logger.Info("state watcher stopped")

	cleanup := time.NewTicker(5 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cleanup.C:
			w.limiter.Cleanup()
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			if change, ok := w.accept(ev); ok {
				w.handler(ctx, change)
			}
		}
	}
}

// accept decodes a state_changed event and applies filter and limiter.
func (w *StateWatcher) accept(ev Event) (StateChange, bool) {
	if ev.Type != "state_changed" {
		return StateChange{}, false
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("failed to unmarshal state_changed data", "error", err)
		return StateChange{}, false
	}

	// Entity removed.
	if data.NewState == nil {
		return StateChange{}, false
	}
	if !w.filter.Match(data.EntityID) {
		return StateChange{}, false
	}
	if !w.limiter.Allow(data.EntityID) {
		w.logger.Debug("rate limited state change", "entity_id", data.EntityID)
		return StateChange{}, false
	}

	change := StateChange{
		EntityID: data.EntityID,
		New:      data.NewState.State,
		At:       data.NewState.LastChanged,
	}
	if data.OldState != nil {
		change.Old = data.OldState.State
	}
	return change, true
}
