package wake

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSandbox simulates the health + wake surface of a suspendable host.
type fakeSandbox struct {
	awake        atomic.Bool
	healthCalls  atomic.Int64
	triggerCalls atomic.Int64
	mux          *http.ServeMux
	server       *httptest.Server
}

func newFakeSandbox(t *testing.T) *fakeSandbox {
	t.Helper()
	f := &fakeSandbox{mux: http.NewServeMux()}
	f.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.healthCalls.Add(1)
		if f.awake.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	f.mux.HandleFunc("/wake", func(w http.ResponseWriter, r *http.Request) {
		f.triggerCalls.Add(1)
		// The sandbox comes up shortly after the trigger.
		go func() {
			time.Sleep(30 * time.Millisecond)
			f.awake.Store(true)
		}()
		w.WriteHeader(http.StatusAccepted)
	})
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSandbox) config() Config {
	return Config{
		HealthURL:    f.server.URL + "/health",
		Trigger:      Trigger{Method: http.MethodPost, URL: f.server.URL + "/wake"},
		ProbeTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
		Deadline:     2 * time.Second,
	}
}

func TestEnsureReady_WarmPath(t *testing.T) {
	sandbox := newFakeSandbox(t)
	sandbox.awake.Store(true)

	c := NewCoordinator(sandbox.config())
	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	if c.State() != ReadinessAwake {
		t.Errorf("expected awake, got %s", c.State())
	}
	if got := sandbox.triggerCalls.Load(); got != 0 {
		t.Errorf("warm path fired %d wake triggers, want 0", got)
	}
}

func TestEnsureReady_ColdStart(t *testing.T) {
	sandbox := newFakeSandbox(t)

	c := NewCoordinator(sandbox.config())
	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	if c.State() != ReadinessAwake {
		t.Errorf("expected awake, got %s", c.State())
	}
	if got := sandbox.triggerCalls.Load(); got != 1 {
		t.Errorf("expected 1 wake trigger, got %d", got)
	}
}

func TestEnsureReady_CoalescesConcurrentCallers(t *testing.T) {
	sandbox := newFakeSandbox(t)

	c := NewCoordinator(sandbox.config())

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.EnsureReady(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := sandbox.triggerCalls.Load(); got != 1 {
		t.Errorf("concurrent callers observed %d wake triggers, want 1", got)
	}
}

func TestEnsureReady_Timeout(t *testing.T) {
	sandbox := newFakeSandbox(t)

	cfg := sandbox.config()
	cfg.Trigger = Trigger{} // nothing ever wakes the sandbox
	cfg.Deadline = 60 * time.Millisecond

	c := NewCoordinator(cfg)
	err := c.EnsureReady(context.Background())
	if !errors.Is(err, ErrWakeTimeout) {
		t.Fatalf("expected ErrWakeTimeout, got %v", err)
	}
	if c.State() != ReadinessUnknown {
		t.Errorf("expected unknown after timeout, got %s", c.State())
	}
}

func TestEnsureReady_TriggerFailureIsSoft(t *testing.T) {
	sandbox := newFakeSandbox(t)

	cfg := sandbox.config()
	cfg.Trigger.URL = "http://127.0.0.1:1/unreachable"

	// Sandbox comes up on its own despite the broken trigger.
	go func() {
		time.Sleep(30 * time.Millisecond)
		sandbox.awake.Store(true)
	}()

	c := NewCoordinator(cfg)
	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady should tolerate trigger failure: %v", err)
	}
}

func TestMarkUnknown(t *testing.T) {
	sandbox := newFakeSandbox(t)
	sandbox.awake.Store(true)

	c := NewCoordinator(sandbox.config())
	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	c.MarkUnknown()
	if c.State() != ReadinessUnknown {
		t.Errorf("expected unknown after MarkUnknown, got %s", c.State())
	}

	// Next cycle re-verifies and finds it warm again.
	before := sandbox.healthCalls.Load()
	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if sandbox.healthCalls.Load() == before {
		t.Error("expected a fresh health probe after MarkUnknown")
	}
}

func TestEnsureReady_ContextCanceled(t *testing.T) {
	sandbox := newFakeSandbox(t)

	cfg := sandbox.config()
	cfg.Trigger = Trigger{}
	cfg.Deadline = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	c := NewCoordinator(cfg)
	err := c.EnsureReady(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
