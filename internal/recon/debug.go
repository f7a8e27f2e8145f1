package recon

import (
	"io"
	"log"
	"sync"
)

const defaultLogPrefix = "[recon] "

// LogWriters routes the three log streams. A nil writer silences its
// stream.
type LogWriters struct {
	// Ops gets lifecycle events and early-exit decisions.
	Ops io.Writer
	// Diag gets one solver summary and parameter change per inner solve.
	Diag io.Writer
	// Trace gets one line per solver iteration.
	Trace io.Writer

	// Prefix starts every line; empty means "[recon] ".
	Prefix string
}

type logStream int

const (
	opsStream logStream = iota
	diagStream
	traceStream
	numLogStreams
)

var (
	logMu   sync.RWMutex
	loggers [numLogStreams]*log.Logger
)

// SetLogWriters replaces all three streams at once.
func SetLogWriters(w LogWriters) {
	prefix := w.Prefix
	if prefix == "" {
		prefix = defaultLogPrefix
	}
	var next [numLogStreams]*log.Logger
	for s, out := range [numLogStreams]io.Writer{w.Ops, w.Diag, w.Trace} {
		if out != nil {
			next[s] = log.New(out, prefix, log.LstdFlags|log.Lmicroseconds)
		}
	}

	logMu.Lock()
	loggers = next
	logMu.Unlock()
}

func streamLogger(s logStream) *log.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return loggers[s]
}

func logTo(s logStream, format string, args []interface{}) {
	if l := streamLogger(s); l != nil {
		l.Printf(format, args...)
	}
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) { logTo(opsStream, format, args) }

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) { logTo(diagStream, format, args) }

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) { logTo(traceStream, format, args) }

func traceEnabled() bool { return streamLogger(traceStream) != nil }
