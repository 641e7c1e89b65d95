package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
)

// DefaultPollInterval is how often the prompt entity is read.
const DefaultPollInterval = 5 * time.Second

// StateGetter reads one entity. [homeassistant.Client] satisfies it.
type StateGetter interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// Poller reads the prompt entity on a fixed interval.
type Poller struct {
	getter    StateGetter
	entity    string
	interval  time.Duration
	debouncer *Debouncer
	handler   Handler
	logger    *slog.Logger

	// failing suppresses repeated read-error warnings.
	failing bool
}

// NewPoller creates a poller for entity.
func NewPoller(getter StateGetter, entity string, interval time.Duration, debouncer *Debouncer, handler Handler, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		getter:    getter,
		entity:    entity,
		interval:  interval,
		debouncer: debouncer,
		handler:   handler,
		logger:    logger.With("component", "poller", "entity_id", entity),
	}
}

// Run polls until ctx is cancelled. A turn blocks the loop; the next
// read happens one interval after it finishes.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("listening for commands", "interval", p.interval)

	for {
		p.poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.interval):
		}
	}
}

// poll performs one read and, on a change, one turn.
func (p *Poller) poll(ctx context.Context) {
	st, err := p.getter.GetState(ctx, p.entity)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !p.failing {
			p.logger.Warn("could not read prompt entity", "error", err)
		}
		p.failing = true
		return
	}
	if p.failing {
		p.logger.Info("prompt entity readable again")
		p.failing = false
	}

	utterance, ok := p.debouncer.Observe(st.State)
	if !ok {
		return
	}
	p.logger.Info("new command detected", "utterance", utterance)
	p.handler(ctx, utterance, SourcePoll)
}
