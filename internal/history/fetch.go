// Package history retrieves entity history for a time window and
// compresses it into a short digest an LLM can read.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/timewindow"
)

// DefaultTimeout bounds one history request.
const DefaultTimeout = 20 * time.Second

// ErrUnreachable is reported when the primary endpoint's health
// watcher says Home Assistant is down, so no request is attempted.
var ErrUnreachable = errors.New("home assistant unreachable")

// Outcome classifies a fetch.
type Outcome int

const (
	// OutcomeOK means at least one record came back.
	OutcomeOK Outcome = iota
	// OutcomeEmpty means the request succeeded with no records.
	OutcomeEmpty
	// OutcomeFailed means every attempted endpoint failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Record is one historical sample.
type Record struct {
	EntityID   string
	State      string
	Attributes map[string]any
	ChangedAt  time.Time
}

// EntitySeries is one entity's records, oldest first.
type EntitySeries struct {
	EntityID string
	Records  []Record
}

// Result is the outcome of a fetch. Series follows the order of the
// requested ids and omits entities without records.
type Result struct {
	Outcome Outcome
	Series  []EntitySeries
	Source  string // "primary" or "fallback"; empty when nothing was attempted
	Err     error
}

// Records returns the number of records across all series.
func (r Result) Records() int {
	n := 0
	for _, s := range r.Series {
		n += len(s.Records)
	}
	return n
}

// Endpoint is one way of reaching the history API.
// [homeassistant.Client] satisfies it.
type Endpoint interface {
	GetHistory(ctx context.Context, start, end time.Time, entityIDs []string) ([][]homeassistant.State, error)
	IsReady() bool
}

// Fetcher retrieves history with one batched request per call.
type Fetcher struct {
	primary  Endpoint
	fallback Endpoint
	timeout  time.Duration
	band     time.Duration
	logger   *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFallback sets the endpoint tried once when the primary answers
// 401, 403 or 404.
func WithFallback(e Endpoint) FetcherOption {
	return func(f *Fetcher) { f.fallback = e }
}

// WithTimeout bounds each fetch. Zero keeps [DefaultTimeout].
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithBand sets the POINT acceptance band. Zero keeps
// [timewindow.DefaultBand].
func WithBand(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.band = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a fetcher against primary.
func NewFetcher(primary Endpoint, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		primary: primary,
		timeout: DefaultTimeout,
		band:    timewindow.DefaultBand,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves history for ids over w. It never returns an error:
// failures are reported in the Result so the caller can keep going.
func (f *Fetcher) Fetch(ctx context.Context, w timewindow.Window, ids []string) Result {
	if len(ids) == 0 {
		return Result{Outcome: OutcomeEmpty}
	}
	if !f.primary.IsReady() {
		f.logger.Warn("history fetch skipped, home assistant unreachable")
		return Result{Outcome: OutcomeFailed, Err: ErrUnreachable}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start, end := w.FetchRange(f.band)

	source := "primary"
	raw, err := f.primary.GetHistory(ctx, start, end, ids)
	if err != nil && f.fallback != nil && homeassistant.IsAuthOrNotFound(err) {
		f.logger.Info("history primary endpoint refused, trying fallback", "error", err)
		source = "fallback"
		raw, err = f.fallback.GetHistory(ctx, start, end, ids)
	}
	if err != nil {
		f.logger.Warn("history fetch failed", "source", source, "entities", len(ids), "error", err)
		return Result{Outcome: OutcomeFailed, Source: source, Err: err}
	}

	res := Result{
		Outcome: OutcomeEmpty,
		Series:  group(raw, ids),
		Source:  source,
	}
	if res.Records() > 0 {
		res.Outcome = OutcomeOK
	}

	f.logger.Debug("history fetched",
		"source", source,
		"window", w.Label,
		"entities", len(res.Series),
		"records", res.Records(),
	)
	return res
}

// group converts the API's array-of-arrays into series ordered like
// ids. Records without an entity_id inherit the first id in their
// sub-array, matching Home Assistant's minimal_response shape.
func group(raw [][]homeassistant.State, ids []string) []EntitySeries {
	byID := make(map[string][]Record, len(raw))
	for _, states := range raw {
		if len(states) == 0 {
			continue
		}
		owner := states[0].EntityID
		for _, st := range states {
			id := st.EntityID
			if id == "" {
				id = owner
			}
			byID[id] = append(byID[id], Record{
				EntityID:   id,
				State:      st.State,
				Attributes: st.Attributes,
				ChangedAt:  st.LastChanged,
			})
		}
	}

	out := make([]EntitySeries, 0, len(byID))
	for _, id := range ids {
		if recs := byID[id]; len(recs) > 0 {
			out = append(out, EntitySeries{EntityID: id, Records: recs})
			delete(byID, id)
		}
	}
	return out
}
