// Package assembler gathers everything the model needs to answer one
// utterance: the time window, the entities it is about, their history
// and live values, and the recent conversation.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/catalog"
	"github.com/nugget/hearth/internal/haconfig"
	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/memory"
	"github.com/nugget/hearth/internal/relevance"
	"github.com/nugget/hearth/internal/timewindow"
)

// Sentinel texts handed to the prompt in place of data.
const (
	NoRelevantEntities = "No relevant entities were identified for this request."
	LiveUnavailable    = "Live states are unavailable right now."
	NoConversation     = "(no previous conversation)"
)

// DefaultRenderTurns is how many turns the transcript shows.
const DefaultRenderTurns = 6

// Context is the assembled input for one turn.
type Context struct {
	Utterance      string            `json:"utterance"`
	Window         timewindow.Window `json:"window"`
	Candidates     []string          `json:"candidates"`
	HistoryText    string            `json:"history_text"`
	LiveText       string            `json:"live_text"`
	MemoryText     string            `json:"memory_text"`
	HistoryOutcome string            `json:"history_outcome"`
	HistorySource  string            `json:"history_source,omitempty"`

	// ConfigText holds Home Assistant configuration files the utterance
	// asked about. Empty when none were selected.
	ConfigText  string   `json:"config_text,omitempty"`
	ConfigFiles []string `json:"config_files,omitempty"`
}

// Config wires an Assembler. Resolver, Scorer, Fetcher and Catalog are
// required.
type Config struct {
	Resolver   *timewindow.Resolver
	Scorer     *relevance.Scorer
	Fetcher    *history.Fetcher
	Summarizer *history.Summarizer
	Catalog    *catalog.Catalog
	Memory     memory.Log

	// ConfigFiles attaches configuration files. Nil disables it.
	ConfigFiles *haconfig.Reader

	// Location renders timestamps. Nil means UTC.
	Location    *time.Location
	RenderTurns int
	Logger      *slog.Logger
}

// Assembler builds a Context per utterance. It is the only component
// that writes to the conversation log.
type Assembler struct {
	resolver    *timewindow.Resolver
	scorer      *relevance.Scorer
	fetcher     *history.Fetcher
	summarizer  *history.Summarizer
	catalog     *catalog.Catalog
	memory      memory.Log
	configFiles *haconfig.Reader
	loc         *time.Location
	renderTurns int
	logger      *slog.Logger
}

// New creates an assembler.
func New(cfg Config) *Assembler {
	a := &Assembler{
		resolver:    cfg.Resolver,
		scorer:      cfg.Scorer,
		fetcher:     cfg.Fetcher,
		summarizer:  cfg.Summarizer,
		catalog:     cfg.Catalog,
		memory:      cfg.Memory,
		configFiles: cfg.ConfigFiles,
		loc:         cfg.Location,
		renderTurns: cfg.RenderTurns,
		logger:      cfg.Logger,
	}
	if a.summarizer == nil {
		a.summarizer = history.NewSummarizer(0, 0)
	}
	if a.memory == nil {
		a.memory = memory.NewStore(0)
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	if a.renderTurns <= 0 {
		a.renderTurns = DefaultRenderTurns
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Assemble refreshes the entity catalog, reads recent turns and
// composes the context for utterance. It always returns a usable
// Context; failed reads are rendered as sentinel text.
func (a *Assembler) Assemble(ctx context.Context, utterance string, now time.Time) Context {
	snap, err := a.catalog.Refresh(ctx)
	if err != nil {
		a.logger.Warn("entity catalog refresh failed", "error", err)
		snap = nil
	}

	turns, err := a.memory.Recent(ctx, a.renderTurns)
	if err != nil {
		a.logger.Warn("conversation memory read failed", "error", err)
		turns = nil
	}

	return a.Compose(ctx, utterance, now, turns, snap)
}

// Compose builds the context from already-read turns and snapshot. A
// nil snapshot means live states could not be read.
func (a *Assembler) Compose(ctx context.Context, utterance string, now time.Time, turns []memory.Turn, snap *catalog.Snapshot) Context {
	w := a.resolver.Resolve(utterance, now)
	candidates := a.scorer.Score(utterance, snap)

	c := Context{
		Utterance:  utterance,
		Window:     w,
		Candidates: candidates,
		MemoryText: a.transcript(turns),
	}

	if len(candidates) == 0 {
		c.HistoryText = NoRelevantEntities
		c.HistoryOutcome = history.OutcomeEmpty.String()
	} else {
		res := a.fetcher.Fetch(ctx, w, candidates)
		c.HistoryText = a.summarizer.Summarize(res.Series, w, a.loc)
		c.HistoryOutcome = res.Outcome.String()
		c.HistorySource = res.Source
	}

	if a.configFiles != nil {
		c.ConfigText, c.ConfigFiles = a.configFiles.Section(utterance)
	}

	switch {
	case snap == nil:
		c.LiveText = LiveUnavailable
	case len(candidates) == 0:
		c.LiveText = NoRelevantEntities
	default:
		c.LiveText = liveText(snap, candidates)
	}

	a.logger.Debug("context assembled",
		"window", w.Label,
		"mode", w.Mode,
		"candidates", len(candidates),
		"history", c.HistoryOutcome,
		"config_files", len(c.ConfigFiles),
		"turns", len(turns),
	)
	return c
}

// Remember records a completed exchange. The utterance and reply are
// stored together or not at all.
func (a *Assembler) Remember(ctx context.Context, utterance, reply string, at time.Time) error {
	err := a.memory.Append(ctx,
		memory.NewTurn(memory.RoleUser, utterance, at),
		memory.NewTurn(memory.RoleAssistant, reply, at),
	)
	if err != nil {
		return fmt.Errorf("remember exchange: %w", err)
	}
	return nil
}

// transcript renders the newest turns, oldest first.
func (a *Assembler) transcript(turns []memory.Turn) string {
	if len(turns) > a.renderTurns {
		turns = turns[len(turns)-a.renderTurns:]
	}
	if len(turns) == 0 {
		return NoConversation
	}

	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", t.Timestamp.In(a.loc).Format("15:04"), t.Role, t.Text))
	}
	return strings.Join(lines, "\n")
}

// liveText renders one current-state line per candidate still in the
// snapshot.
func liveText(snap *catalog.Snapshot, ids []string) string {
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		e, ok := snap.Get(id)
		if !ok {
			continue
		}
		lines = append(lines, liveLine(e))
	}
	if len(lines) == 0 {
		return LiveUnavailable
	}
	return strings.Join(lines, "\n")
}

// liveLine formats "entity_id (Friendly Name) = value unit [attrs]".
func liveLine(e catalog.Entity) string {
	var b strings.Builder
	b.WriteString(e.ID)
	if name := e.FriendlyName(); name != "" {
		fmt.Fprintf(&b, " (%s)", name)
	}
	fmt.Fprintf(&b, " = %s", e.State)
	if unit := e.Unit(); unit != "" {
		b.WriteByte(' ')
		b.WriteString(unit)
	}
	if e.Domain == "climate" {
		var attrs []string
		for _, key := range []string{"hvac_action", "current_temperature", "temperature"} {
			if v, ok := e.Attributes[key]; ok && v != nil {
				attrs = append(attrs, fmt.Sprintf("%s=%v", key, v))
			}
		}
		if len(attrs) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(attrs, ", "))
		}
	}
	return b.String()
}
