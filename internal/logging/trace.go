package logging

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"terminal-trader/internal/security"
)

const traceTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Trace accumulates the timestamped log lines of one placement attempt.
// Lines are mirrored to the structured logger and returned to the caller
// alongside the execution result.
type Trace struct {
	mu     sync.Mutex
	lines  []string
	logger zerolog.Logger
	now    func() time.Time
}

// NewTrace creates a trace that mirrors into logger.
func NewTrace(logger zerolog.Logger) *Trace {
	return &Trace{logger: logger, now: time.Now}
}

// Debugf records a debug line.
func (t *Trace) Debugf(format string, args ...interface{}) {
	t.add(zerolog.DebugLevel, format, args...)
}

// Infof records an info line.
func (t *Trace) Infof(format string, args ...interface{}) {
	t.add(zerolog.InfoLevel, format, args...)
}

// Warnf records a warning line.
func (t *Trace) Warnf(format string, args ...interface{}) {
	t.add(zerolog.WarnLevel, format, args...)
}

// Errorf records an error line.
func (t *Trace) Errorf(format string, args ...interface{}) {
	t.add(zerolog.ErrorLevel, format, args...)
}

func (t *Trace) add(level zerolog.Level, format string, args ...interface{}) {
	if t == nil {
		return
	}
	msg := security.MaskSensitive(fmt.Sprintf(format, args...))

	t.mu.Lock()
	line := fmt.Sprintf("%s [%s] %s", t.now().UTC().Format(traceTimeFormat), levelTag(level), msg)
	t.lines = append(t.lines, line)
	t.mu.Unlock()

	t.logger.WithLevel(level).Msg(msg)
}

// Lines returns a copy of the recorded lines.
func (t *Trace) Lines() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// Len returns the number of recorded lines.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}

func levelTag(level zerolog.Level) string {
	switch level {
	case zerolog.DebugLevel:
		return "DEBUG"
	case zerolog.WarnLevel:
		return "WARN"
	case zerolog.ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}
