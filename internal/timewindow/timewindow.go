// Package timewindow classifies a free-text utterance into the history
// window it is asking about.
package timewindow

import (
	"fmt"
	"time"

	"github.com/nugget/hearth/internal/lexicon"
)

// DefaultBand is the half-width of the acceptance band around a POINT
// window's start.
const DefaultBand = 45 * time.Minute

// Window is the history interval an utterance refers to. End is zero
// for open (up to now) windows.
type Window struct {
	Start    time.Time
	End      time.Time
	Mode     lexicon.Mode
	Lookback time.Duration
	Label    string
}

// IsPoint reports whether the window targets a single past instant.
func (w Window) IsPoint() bool { return w.Mode == lexicon.ModePoint }

// Band returns the interval [Start-band, Start+band] around a POINT
// window's instant.
func (w Window) Band(band time.Duration) (time.Time, time.Time) {
	return w.Start.Add(-band), w.Start.Add(band)
}

// FetchRange returns the interval a history query should cover. POINT
// windows only need the acceptance band; RANGE windows are open-ended
// (zero end).
func (w Window) FetchRange(band time.Duration) (time.Time, time.Time) {
	if w.IsPoint() {
		return w.Band(band)
	}
	return w.Start, w.End
}

// Contains reports whether t falls inside the acceptance band of a
// POINT window, or after Start (and before End, if set) for RANGE.
func (w Window) Contains(t time.Time, band time.Duration) bool {
	if w.IsPoint() {
		lo, hi := w.Band(band)
		return !t.Before(lo) && !t.After(hi)
	}
	if t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || !t.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s %s (%s back from %s)", w.Mode, w.Label, w.Lookback, w.Start.Format(time.RFC3339))
}

// Resolver maps utterances to windows using a lexicon's time rules.
type Resolver struct {
	lex *lexicon.Lexicon
}

// NewResolver creates a resolver. A nil lexicon uses [lexicon.Default].
func NewResolver(lex *lexicon.Lexicon) *Resolver {
	if lex == nil {
		lex = lexicon.Default()
	}
	return &Resolver{lex: lex}
}

// Resolve returns the window for utterance relative to now. Rules are
// checked in lexicon order and the first match wins; no match yields
// the lexicon's default window. Start is always UTC.
func (r *Resolver) Resolve(utterance string, now time.Time) Window {
	text := lexicon.Normalize(utterance)

	rule := r.lex.Default
	for _, candidate := range r.lex.TimeRules {
		if lexicon.ContainsAny(text, candidate.Keywords) {
			rule = candidate
			break
		}
	}

	return Window{
		Start:    now.Add(-rule.Lookback).UTC(),
		Mode:     rule.Mode,
		Lookback: rule.Lookback,
		Label:    rule.Label,
	}
}
