// Package monitoring holds the process-wide diagnostic log streams shared by
// every sorter component.
//
// Three streams are kept apart so an operator can run the machine with only
// actionable output while still being able to turn on per-frame telemetry
// when tuning:
//
//   - ops:   warnings, errors and lifecycle events (state transitions, faults)
//   - diag:  day-to-day diagnostics (votes, bin choices, velocity estimates)
//   - trace: high-frequency frame and serial command telemetry
package monitoring

import (
	"io"
	"log"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   = log.New(log.Writer(), "", log.LstdFlags|log.Lmicroseconds)
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger(w.Ops)
	diagLogger = newLogger(w.Diag)
	traceLogger = newLogger(w.Trace)
}

// WritersForLevel maps the --debug level onto the three streams: 0 enables
// ops only, 1 adds diag, 2 and above add trace.
func WritersForLevel(level int, w io.Writer) LogWriters {
	lw := LogWriters{Ops: w}
	if level >= 1 {
		lw.Diag = w
	}
	if level >= 2 {
		lw.Trace = w
	}
	return lw
}

func newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := traceLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Logf is the injectable logger handed to components that accept a plain
// printf-style function. It defaults to the ops stream but may be replaced by
// SetLogger so tests can capture or mute it.
var Logf func(format string, v ...interface{}) = Opsf

// SetLogger replaces Logf. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
