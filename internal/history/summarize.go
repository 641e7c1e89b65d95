package history

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/timewindow"
)

// NoData is the digest when no entity kept a single record. Prompts
// rely on this exact text to stop the model inventing values.
const NoData = "No history data found for the requested period."

// DefaultMaxLines caps rendered lines per entity.
const DefaultMaxLines = 40

// climateAttrs are appended to climate records, in this order.
var climateAttrs = []string{"hvac_action", "current_temperature"}

// Stride returns the RANGE sampling stride for a lookback: every
// record up to a day, every 10th beyond a day, every 50th beyond 100
// hours.
func Stride(lookback time.Duration) int {
	switch {
	case lookback > 100*time.Hour:
		return 50
	case lookback > 24*time.Hour:
		return 10
	default:
		return 1
	}
}

// Summarizer renders history into a bounded digest.
type Summarizer struct {
	band     time.Duration
	maxLines int
}

// NewSummarizer creates a summarizer. Zero values select
// [timewindow.DefaultBand] and [DefaultMaxLines].
func NewSummarizer(band time.Duration, maxLines int) *Summarizer {
	if band <= 0 {
		band = timewindow.DefaultBand
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Summarizer{band: band, maxLines: maxLines}
}

// Summarize renders series for w with timestamps in loc. The result is
// [NoData] when nothing survives filtering.
func (s *Summarizer) Summarize(series []EntitySeries, w timewindow.Window, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	layout := "15:04"
	if w.IsPoint() || w.Lookback > 24*time.Hour {
		layout = "02/01 15:04"
	}

	var b strings.Builder
	for _, es := range series {
		for _, r := range s.keep(es.Records, w) {
			b.WriteString(renderLine(r, layout, loc))
			b.WriteByte('\n')
		}
	}
	if b.Len() == 0 {
		return NoData
	}
	return strings.TrimRight(b.String(), "\n")
}

// keep selects the records of one entity worth rendering.
func (s *Summarizer) keep(records []Record, w timewindow.Window) []Record {
	valid := make([]Record, 0, len(records))
	for _, r := range records {
		if !homeassistant.IsSentinel(r.State) {
			valid = append(valid, r)
		}
	}

	var kept []Record
	if w.IsPoint() {
		for _, r := range valid {
			if w.Contains(r.ChangedAt, s.band) {
				kept = append(kept, r)
			}
		}
	} else {
		kept = sample(valid, Stride(w.Lookback))
	}

	if len(kept) > s.maxLines {
		kept = kept[len(kept)-s.maxLines:]
	}
	return kept
}

// sample keeps every stride-th record, the newest record, and any
// climate record whose hvac_action differs from the record before it.
func sample(records []Record, stride int) []Record {
	if stride <= 1 {
		return records
	}

	out := make([]Record, 0, len(records)/stride+2)
	prevAction := ""
	for i, r := range records {
		action := hvacAction(r)
		transition := i > 0 && action != "" && action != prevAction
		if i%stride == 0 || i == len(records)-1 || transition {
			out = append(out, r)
		}
		prevAction = action
	}
	return out
}

func hvacAction(r Record) string {
	if homeassistant.Domain(r.EntityID) != "climate" {
		return ""
	}
	v, _ := r.Attributes["hvac_action"].(string)
	return v
}

// renderLine formats "entity_id [time] = value unit (attrs)".
func renderLine(r Record, layout string, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] = %s", r.EntityID, r.ChangedAt.In(loc).Format(layout), r.State)
	if unit, _ := r.Attributes["unit_of_measurement"].(string); unit != "" {
		b.WriteByte(' ')
		b.WriteString(unit)
	}

	if homeassistant.Domain(r.EntityID) == "climate" {
		var attrs []string
		for _, key := range climateAttrs {
			if v, ok := r.Attributes[key]; ok && v != nil {
				attrs = append(attrs, key+"="+formatValue(v))
			}
		}
		if len(attrs) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(attrs, ", "))
			b.WriteByte(')')
		}
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
