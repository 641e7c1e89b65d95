package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast schedule for tests.
func testBackoff() Backoff {
	return Backoff{
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		StartupAttempts: 5,
		PollInterval:    5 * time.Millisecond,
		CheckTimeout:    100 * time.Millisecond,
	}
}

// start runs w in the background and returns a channel closed when Run
// returns.
func start(ctx context.Context, w *Watcher) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return done
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoff(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()

	if b.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", b.InitialDelay)
	}
	if b.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", b.MaxDelay)
	}
	if b.StartupAttempts != 10 {
		t.Errorf("StartupAttempts = %d, want 10", b.StartupAttempts)
	}
	if b.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", b.PollInterval)
	}
}

func TestBackoff_Next(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()

	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	d := b.InitialDelay
	for i, w := range want {
		d = b.next(d)
		if d != w {
			t.Errorf("step %d = %v, want %v", i+1, d, w)
		}
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	t.Parallel()
	b := Backoff{PollInterval: time.Second}.withDefaults()
	if b.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, explicit value should survive", b.PollInterval)
	}
	if b.InitialDelay != 2*time.Second || b.Multiplier != 2.0 {
		t.Errorf("zero fields not defaulted: %+v", b)
	}
}

func TestNew_Panics(t *testing.T) {
	t.Parallel()
	for name, cfg := range map[string]Config{
		"no name":  {Check: func(context.Context) error { return nil }},
		"no check": {Name: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("New should panic")
				}
			}()
			New(cfg)
		})
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	w := New(Config{
		Name:    "test-immediate",
		Check:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})
	if w.IsReady() {
		t.Fatal("watcher should not be ready before Run")
	}
	start(ctx, w)

	eventually(t, "ready", w.IsReady)
	eventually(t, "OnReady", func() bool { return readyCalled.Load() == 1 })
	if w.LastError() != nil {
		t.Errorf("LastError = %v, want nil", w.LastError())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("service down")
	var attempts atomic.Int32
	w := New(Config{
		Name: "test-backoff",
		Check: func(ctx context.Context) error {
			if attempts.Add(1) <= 3 {
				return errDown
			}
			return nil
		},
		Backoff: testBackoff(),
	})
	start(ctx, w)

	eventually(t, "ready", w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("check attempts = %d, want at least 4", n)
	}
}

func TestWatcher_ServiceGoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("went down")
	var failing atomic.Bool
	var downCalled, readyCalled atomic.Int32

	w := New(Config{
		Name: "test-flap",
		Check: func(ctx context.Context) error {
			if failing.Load() {
				return errDown
			}
			return nil
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(err error) { downCalled.Add(1) },
	})
	start(ctx, w)

	eventually(t, "initial ready", w.IsReady)

	failing.Store(true)
	eventually(t, "down", func() bool { return !w.IsReady() })
	eventually(t, "OnDown", func() bool { return downCalled.Load() >= 1 })
	if !errors.Is(w.LastError(), errDown) {
		t.Errorf("LastError = %v, want %v", w.LastError(), errDown)
	}
	if s := w.Status(); s.Ready || s.LastError != "went down" || s.Name != "test-flap" {
		t.Errorf("Status = %+v", s)
	}

	failing.Store(false)
	eventually(t, "recovered", w.IsReady)
	eventually(t, "second OnReady", func() bool { return readyCalled.Load() >= 2 })
}

func TestWatcher_OnReadyOnlyOnTransition(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled, checks atomic.Int32
	w := New(Config{
		Name: "test-steady",
		Check: func(ctx context.Context) error {
			checks.Add(1)
			return nil
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})
	start(ctx, w)

	eventually(t, "several polls", func() bool { return checks.Load() >= 5 })
	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want exactly 1", n)
	}
}

func TestWatcher_CheckTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testBackoff()
	b.CheckTimeout = 5 * time.Millisecond
	b.StartupAttempts = 1

	w := New(Config{
		Name: "test-check-timeout",
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})
	start(ctx, w)

	eventually(t, "timed-out check recorded", func() bool { return w.LastError() != nil })
	if w.IsReady() {
		t.Error("watcher should not be ready when every check times out")
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	w := New(Config{
		Name:    "test-cancel",
		Check:   func(ctx context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	done := start(ctx, w)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
