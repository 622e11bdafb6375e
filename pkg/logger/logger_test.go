package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)

	SetLevel(WARN)
	DebugC("test", "debug line")
	InfoC("test", "info line")
	WarnC("test", "warn line")
	ErrorC("test", "error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("below-threshold lines were written:\n%s", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Errorf("expected warn and error lines:\n%s", out)
	}
}

func TestComponentTagAndFields(t *testing.T) {
	buf := capture(t)

	InfoCF("gateway", "Connected", map[string]any{
		"url":     "wss://sandbox.example",
		"attempt": 2,
	})

	out := buf.String()
	if !strings.Contains(out, "[gateway] Connected") {
		t.Errorf("missing component tag:\n%s", out)
	}
	// Fields are sorted by key.
	if !strings.Contains(out, "attempt=2 url=wss://sandbox.example") {
		t.Errorf("fields missing or unsorted:\n%s", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Errorf("missing level:\n%s", out)
	}
}

func TestDebugEnabled(t *testing.T) {
	buf := capture(t)

	SetLevel(DEBUG)
	DebugCF("wire", "Frame received", map[string]any{"type": "event"})

	if !strings.Contains(buf.String(), "DEBUG [wire] Frame received type=event") {
		t.Errorf("debug line not written:\n%s", buf.String())
	}
}
