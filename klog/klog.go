// Package klog is the package-level structured logging surface shared by
// every component of the runtime: the Execution Context, the processor
// tree, channels, transports and the multiplexer.
//
// It wraps github.com/joeycumines/logiface with its slog backend
// (logiface-slog): Logger is bound to that backend's event type, so a
// logger built on another logiface backend does not satisfy it. The
// default stays silent so the runtime never forces observability on anyone.
package klog

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// Logger is the structured logging interface used throughout the runtime.
// It is satisfied by *logiface.Logger[*islog.Event] and by Nop.
type Logger interface {
	Debug() *logiface.Builder[*islog.Event]
	Info() *logiface.Builder[*islog.Event]
	Warning() *logiface.Builder[*islog.Event]
	Err() *logiface.Builder[*islog.Event]
}

var (
	globalMu     sync.RWMutex
	globalLogger Logger = Nop{}
)

// SetGlobal installs the default logger used by components constructed
// without an explicit logger option.
func SetGlobal(l Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if l == nil {
		l = Nop{}
	}
	globalLogger = l
}

// Global returns the currently installed default logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NewSlog builds a Logger backed by log/slog, writing to stderr at the
// given minimum level.
func NewSlog(level logiface.Level) *logiface.Logger[*islog.Event] {
	handler := slog.NewTextHandler(os.Stderr, nil)
	return islog.L.New(
		islog.L.WithSlogHandler(handler),
		logiface.WithLevel[*islog.Event](level),
	)
}

// Nop is a Logger that discards everything; the zero value of every
// processor and channel in this module uses it until a real Logger is
// configured.
type Nop struct{}

func (Nop) Debug() *logiface.Builder[*islog.Event]   { return nopLogger.Debug() }
func (Nop) Info() *logiface.Builder[*islog.Event]    { return nopLogger.Info() }
func (Nop) Warning() *logiface.Builder[*islog.Event] { return nopLogger.Warning() }
func (Nop) Err() *logiface.Builder[*islog.Event]     { return nopLogger.Err() }

var nopLogger = islog.L.New(
	islog.L.WithSlogHandler(slog.NewTextHandler(os.Discard, nil)),
	logiface.WithLevel[*islog.Event](logiface.LevelDisabled),
)
