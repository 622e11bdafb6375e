// Package keepwarm pre-wakes the sandbox on a cron schedule so predictable
// busy hours never pay the cold-start. It is an optional layer on top of
// the wake coordinator; failures are logged and never fatal.
package keepwarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kylemclaren/clawrelay/pkg/logger"
)

// Waker is the slice of the wake coordinator this service needs.
type Waker interface {
	EnsureReady(ctx context.Context) error
}

type Service struct {
	schedule string
	waker    Waker
	gron     *gronx.Gronx

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewService(schedule string, waker Waker) *Service {
	return &Service{
		schedule: schedule,
		waker:    waker,
		gron:     gronx.New(),
	}
}

// Start validates the schedule and begins the minute tick loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("keepwarm already running")
	}
	if !s.gron.IsValid(s.schedule) {
		return fmt.Errorf("invalid keepwarm schedule %q", s.schedule)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	go s.loop(ctx)

	logger.InfoCF("keepwarm", "Keep-warm schedule active", map[string]any{"schedule": s.schedule})
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, now)
			if err != nil {
				logger.WarnCF("keepwarm", "Schedule check failed", map[string]any{"error": err.Error()})
				continue
			}
			if !due {
				continue
			}
			logger.InfoC("keepwarm", "Scheduled warm-up")
			wakeCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
			if err := s.waker.EnsureReady(wakeCtx); err != nil {
				logger.WarnCF("keepwarm", "Warm-up failed", map[string]any{"error": err.Error()})
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
