// Package agent runs one question-and-answer turn: assemble context,
// ask the model, publish the reply, remember the exchange.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/assembler"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/prompts"
	"github.com/nugget/hearth/internal/publish"
)

// DefaultLLMTimeout bounds a single model call.
const DefaultLLMTimeout = 60 * time.Second

// Notifier shows an in-progress message while a turn runs.
// [publish.HASink] satisfies it.
type Notifier interface {
	Working(ctx context.Context, message string)
}

// Config wires an Agent. Assembler and LLM are required.
type Config struct {
	Assembler *assembler.Assembler
	LLM       llm.Generator
	// Sink receives every answer produced by Handle. Nil skips publishing.
	Sink     publish.Sink
	Notifier Notifier

	// Location renders "now" in the prompt. Nil means UTC.
	Location   *time.Location
	LLMTimeout time.Duration
	Logger     *slog.Logger
}

// Agent answers utterances one at a time.
type Agent struct {
	assembler  *assembler.Assembler
	llm        llm.Generator
	sink       publish.Sink
	notifier   Notifier
	loc        *time.Location
	llmTimeout time.Duration
	logger     *slog.Logger

	// mu serializes turns so the conversation log has a single writer.
	mu      sync.Mutex
	nowFunc func() time.Time
}

// New creates an agent.
func New(cfg Config) *Agent {
	a := &Agent{
		assembler:  cfg.Assembler,
		llm:        cfg.LLM,
		sink:       cfg.Sink,
		notifier:   cfg.Notifier,
		loc:        cfg.Location,
		llmTimeout: cfg.LLMTimeout,
		logger:     cfg.Logger,
		nowFunc:    time.Now,
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	if a.llmTimeout <= 0 {
		a.llmTimeout = DefaultLLMTimeout
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Handle answers utterance and publishes the reply. It always returns
// an answer; failures become a visible error reply.
func (a *Agent) Handle(ctx context.Context, utterance, source string) publish.Answer {
	return a.turn(ctx, utterance, source, true)
}

// Ask answers utterance without notifying or publishing.
func (a *Agent) Ask(ctx context.Context, utterance string) publish.Answer {
	return a.turn(ctx, utterance, "cli", false)
}

// Context returns the assembled context for utterance without calling
// the model.
func (a *Agent) Context(ctx context.Context, utterance string) assembler.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.assembler.Assemble(ctx, utterance, a.nowFunc())
}

func (a *Agent) turn(ctx context.Context, utterance, source string, deliver bool) publish.Answer {
	a.mu.Lock()
	defer a.mu.Unlock()

	reqID := generateRequestID()
	log := a.logger.With("request_id", reqID, "source", source)
	start := a.nowFunc()

	log.Info("turn started", "utterance", utterance)

	if deliver && a.notifier != nil {
		a.notifier.Working(ctx, prompts.WorkingMessage)
	}

	c := a.assembler.Assemble(ctx, utterance, start)
	log.Debug("context assembled",
		"window", c.Window.String(),
		"candidates", len(c.Candidates),
		"history", c.HistoryOutcome,
	)

	prompt := prompts.Answer(c, start, a.loc)
	log.Log(ctx, llm.LevelTrace, "prompt", "text", prompt)

	reply, err := a.generate(ctx, prompt)
	failed := err != nil
	if failed {
		log.Error("llm call failed", "error", err)
		if errors.Is(err, llm.ErrEmptyResponse) {
			reply = prompts.ErrorReply(nil)
		} else {
			reply = prompts.ErrorReply(err)
		}
	}

	answer := publish.Answer{
		ID:         reqID,
		Utterance:  utterance,
		Reply:      reply,
		IsError:    failed,
		Window:     c.Window.Label,
		Candidates: c.Candidates,
		At:         a.nowFunc(),
	}

	if deliver && a.sink != nil {
		if err := a.sink.Publish(ctx, answer); err != nil {
			log.Warn("publish failed", "error", err)
		}
	}

	// Error replies are not conversation.
	if !failed {
		if err := a.assembler.Remember(ctx, utterance, reply, answer.At); err != nil {
			log.Warn("conversation memory write failed", "error", err)
		}
	}

	log.Info("turn completed",
		"error", failed,
		"elapsed", answer.At.Sub(start).Round(time.Millisecond),
	)
	return answer
}

func (a *Agent) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()
	return a.llm.Generate(ctx, prompt)
}

// generateRequestID returns a short "r_" prefixed hex identifier.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
