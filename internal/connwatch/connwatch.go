// Package connwatch tracks whether an external service (Home Assistant,
// a local LLM server) is reachable.
//
// It complements httpkit's transport retry, which only papers over
// sub-second dial hiccups. A Watcher handles outages that last seconds
// to minutes: Home Assistant restarting after an update, the supervisor
// proxy coming up after the add-on, a laptop changing networks.
//
// A Watcher runs in two phases:
//  1. Startup: check with exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Steady state: check every PollInterval and report transitions
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc checks whether a service is reachable. Return nil if healthy.
type CheckFunc func(ctx context.Context) error

// Backoff controls startup retry timing and steady-state polling.
type Backoff struct {
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	StartupAttempts int
	PollInterval    time.Duration
	CheckTimeout    time.Duration
}

// DefaultBackoff returns 2s doubling to a 60s ceiling over ten startup
// attempts, then a check every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:    2 * time.Second,
		MaxDelay:        60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		PollInterval:    60 * time.Second,
		CheckTimeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.CheckTimeout <= 0 {
		b.CheckTimeout = d.CheckTimeout
	}
	return b
}

// next grows a delay by the multiplier, clamped to MaxDelay.
func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Config configures a Watcher.
type Config struct {
	// Name identifies the service in logs and status output.
	Name string

	// Check reports service health. Must be safe for concurrent use.
	Check CheckFunc

	Backoff Backoff

	// OnReady runs in its own goroutine whenever the service becomes
	// reachable, including the first successful startup check.
	OnReady func()

	// OnDown runs in its own goroutine when a reachable service stops
	// answering.
	OnDown func(err error)

	Logger *slog.Logger
}

// Status is a point-in-time health report.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	ready  atomic.Bool

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// New creates a watcher. It does not check until Run is called.
// Panics if Name is empty or Check is nil.
func New(cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Check == nil {
		panic("connwatch: Config.Check must not be nil")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		logger: logger.With("service", cfg.Name),
	}
}

// Name returns the watched service's name.
func (w *Watcher) Name() string { return w.cfg.Name }

// IsReady reports whether the service answered its most recent check.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent check error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health report.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Run checks until ctx is cancelled. It always returns nil so it can
// sit in an errgroup next to the components that depend on it.
func (w *Watcher) Run(ctx context.Context) error {
	b := w.cfg.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.StartupAttempts; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Debug("startup check succeeded", "attempts", attempt)
			break
		}
		if attempt == b.StartupAttempts {
			w.logger.Info("startup connection failed, polling in background",
				"attempts", attempt, "error", err)
			break
		}

		w.logger.Debug("startup check failed, retrying",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return nil
		}
		delay = b.next(delay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one check, records it, and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.CheckTimeout)
	err := w.cfg.Check(checkCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Load()
	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		w.logger.Info("service ready")
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case err != nil && wasReady:
		w.ready.Store(false)
		w.logger.Warn("service became unreachable", "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case err != nil:
		w.logger.Log(ctx, slog.LevelDebug-4, "service still unreachable", "error", err)
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
