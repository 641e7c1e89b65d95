// Package trigger turns changes of the prompt entity, or questions
// arriving over MQTT, into agent turns.
//
// Only a real change starts a turn: the value must differ from the
// last one handled and must not be empty, "unknown" or "unavailable".
// Turns run one at a time on the trigger's goroutine.
package trigger

import (
	"context"
	"strings"
	"sync"

	"github.com/nugget/hearth/internal/homeassistant"
)

// Handler runs one turn. source names where the utterance came from.
type Handler func(ctx context.Context, utterance, source string)

// Sources passed to a Handler.
const (
	SourcePoll      = "poll"
	SourceWebsocket = "websocket"
	SourceMQTT      = "mqtt"
)

// Debouncer decides which observed prompt values are new commands.
type Debouncer struct {
	mu          sync.Mutex
	last        string
	primed      bool
	skipInitial bool
	onRecord    func(string)
}

// NewDebouncer creates a debouncer. With skipInitial the first value
// observed is recorded but not handled, so a restart does not re-answer
// the command left in the entity.
func NewDebouncer(skipInitial bool) *Debouncer {
	return &Debouncer{skipInitial: skipInitial}
}

// Observe records value and reports whether it should start a turn,
// returning the trimmed utterance. Sentinel values never trigger and
// do not replace the last handled value.
func (d *Debouncer) Observe(value string) (string, bool) {
	value = strings.TrimSpace(value)

	d.mu.Lock()
	defer d.mu.Unlock()

	sentinel := homeassistant.IsSentinel(value)
	if !d.primed {
		d.primed = true
		if d.skipInitial {
			if !sentinel {
				d.record(value)
			}
			return "", false
		}
	}

	if sentinel || value == d.last {
		return "", false
	}
	d.record(value)
	return value, true
}

// record sets last and reports it to the OnRecord hook. d.mu is held.
func (d *Debouncer) record(value string) {
	d.last = value
	if d.onRecord != nil {
		d.onRecord(value)
	}
}

// Restore seeds the debouncer with the last value handled by a previous
// run. A restored debouncer no longer skips the startup value: a prompt
// that changed while Hearth was down is answered, an unchanged one is
// not. Empty and sentinel values are ignored.
func (d *Debouncer) Restore(value string) {
	value = strings.TrimSpace(value)
	if homeassistant.IsSentinel(value) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = value
	d.primed = true
}

// Prime marks the startup value as seen without recording one, so the
// next value observed is treated as a change. Use it when the startup
// value could not be read.
func (d *Debouncer) Prime() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primed = true
}

// OnRecord registers fn to be called whenever a new last value is
// recorded. fn runs with the debouncer locked and must not call back
// into it.
func (d *Debouncer) OnRecord(fn func(string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRecord = fn
}

// Last returns the last value accepted.
func (d *Debouncer) Last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
