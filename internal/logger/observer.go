package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type Logs interface {
	Len() int
	All() []observer.LoggedEntry
	TakeAll() []observer.LoggedEntry
	FilterMessage(msg string) *observer.ObservedLogs
}

var _ Logs = (*observer.ObservedLogs)(nil)

// NewObserverLogger returns a logger that records entries at level and above
// together with the recorded entries.
func NewObserverLogger(level string) (Logger, Logs) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	core, logs := observer.New(lvl)
	return &ZapLogger{zap.New(core)}, logs
}
