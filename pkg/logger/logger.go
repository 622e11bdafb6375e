// Package logger provides the leveled, component-tagged logger used across
// clawrelay. Lines look like:
//
//	2026-01-02 15:04:05 INFO  [gateway] Connected url=wss://sandbox.example
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	mu    sync.Mutex
	level = INFO
	out   io.Writer = os.Stderr
)

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output (tests).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func logC(l Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, " %-5s [%s] %s", levelNames[l], component, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	io.WriteString(out, b.String())
}

func DebugC(component, msg string) { logC(DEBUG, component, msg, nil) }
func InfoC(component, msg string)  { logC(INFO, component, msg, nil) }
func WarnC(component, msg string)  { logC(WARN, component, msg, nil) }
func ErrorC(component, msg string) { logC(ERROR, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]any) { logC(DEBUG, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]any)  { logC(INFO, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]any)  { logC(WARN, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]any) { logC(ERROR, component, msg, fields) }
