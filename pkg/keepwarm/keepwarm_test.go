package keepwarm

import (
	"context"
	"testing"
)

type nopWaker struct{}

func (nopWaker) EnsureReady(ctx context.Context) error { return nil }

func TestStart_InvalidSchedule(t *testing.T) {
	s := NewService("not a cron line", nopWaker{})
	if err := s.Start(); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

func TestStartStop(t *testing.T) {
	s := NewService("*/5 * * * *", nopWaker{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("second Start should fail while running")
	}
	s.Stop()
	// Stop again is a no-op.
	s.Stop()

	// The service can be restarted after a stop.
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}
