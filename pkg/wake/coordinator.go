// Package wake owns sandbox liveness. The coordinator probes the health
// endpoint on the warm path, and on a cold start fires the configured wake
// trigger and polls until the sandbox reports ready. Concurrent callers
// coalesce onto a single in-flight wake attempt.
package wake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kylemclaren/clawrelay/pkg/logger"
)

// ErrWakeTimeout is returned when the sandbox does not become healthy
// before the configured deadline.
var ErrWakeTimeout = errors.New("timed out waiting for sandbox to wake")

// Readiness is the coordinator's view of sandbox liveness.
type Readiness int32

const (
	ReadinessUnknown Readiness = iota
	ReadinessWaking
	ReadinessAwake
)

func (r Readiness) String() string {
	switch r {
	case ReadinessWaking:
		return "waking"
	case ReadinessAwake:
		return "awake"
	default:
		return "unknown"
	}
}

// Trigger is the optional one-shot call that asks the host to resume the
// sandbox. Its failure is non-fatal: the sandbox may come up regardless.
type Trigger struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

type Config struct {
	HealthURL    string
	Trigger      Trigger
	ProbeTimeout time.Duration // bound on a single health probe
	PollInterval time.Duration // delay between polls while waking
	Deadline     time.Duration // total budget for one wake attempt
}

// attempt is one in-flight wake; concurrent EnsureReady callers share it.
type attempt struct {
	done chan struct{}
	err  error
}

type Coordinator struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	state    Readiness
	inflight *attempt
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 2 * time.Minute
	}
	return &Coordinator{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// State returns the current readiness view.
func (c *Coordinator) State() Readiness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkUnknown resets readiness so the next cycle re-verifies liveness
// instead of trusting stale state. Called by the orchestrator whenever a
// downstream exchange fails.
func (c *Coordinator) MarkUnknown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ReadinessAwake {
		c.state = ReadinessUnknown
	}
}

// EnsureReady returns nil once the sandbox is healthy. The warm path is a
// single bounded probe; the cold path fires the wake trigger and polls the
// health endpoint until ready or until the deadline elapses.
func (c *Coordinator) EnsureReady(ctx context.Context) error {
	// Fast probe first: avoids redundant wake traffic when already warm.
	if c.probe(ctx) {
		c.setState(ReadinessAwake)
		return nil
	}

	c.mu.Lock()
	if a := c.inflight; a != nil {
		// Coalesce onto the wake already in flight.
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	c.inflight = a
	c.state = ReadinessWaking
	c.mu.Unlock()

	err := c.wakeAndPoll(ctx)

	c.mu.Lock()
	if err == nil {
		c.state = ReadinessAwake
	} else {
		c.state = ReadinessUnknown
	}
	c.inflight = nil
	a.err = err
	c.mu.Unlock()
	close(a.done)

	return err
}

func (c *Coordinator) setState(s Readiness) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// probe performs one bounded health check. Any transport error or non-2xx
// status counts as not ready.
func (c *Coordinator) probe(ctx context.Context) bool {
	if c.cfg.HealthURL == "" {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		logger.ErrorCF("wake", "Invalid health URL", map[string]any{"error": err.Error()})
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// fireTrigger issues the configured wake call. Soft failure: logged only.
func (c *Coordinator) fireTrigger(ctx context.Context) {
	if c.cfg.Trigger.URL == "" {
		return
	}

	method := c.cfg.Trigger.Method
	if method == "" {
		method = http.MethodPost
	}

	trigCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	var body io.Reader
	if c.cfg.Trigger.Body != "" {
		body = strings.NewReader(c.cfg.Trigger.Body)
	}

	req, err := http.NewRequestWithContext(trigCtx, method, c.cfg.Trigger.URL, body)
	if err != nil {
		logger.WarnCF("wake", "Wake trigger request invalid", map[string]any{"error": err.Error()})
		return
	}
	for k, v := range c.cfg.Trigger.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.WarnCF("wake", "Wake trigger failed", map[string]any{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	logger.InfoCF("wake", "Wake trigger sent", map[string]any{
		"url":    c.cfg.Trigger.URL,
		"status": resp.StatusCode,
	})
}

func (c *Coordinator) wakeAndPoll(ctx context.Context) error {
	logger.InfoC("wake", "Sandbox not ready, starting wake attempt")
	c.fireTrigger(ctx)

	deadline := time.NewTimer(c.cfg.Deadline)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.probe(ctx) {
				logger.InfoC("wake", "Sandbox is awake")
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("%w (deadline %s)", ErrWakeTimeout, c.cfg.Deadline)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
