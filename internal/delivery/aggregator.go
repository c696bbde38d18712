package delivery

import (
	"fmt"
	"strings"
	"time"
)

const (
	repeatFlushInterval = 5 * time.Second
	maxLineLength       = 4096
)

// outputAggregator collapses repeated build and push output lines before
// they reach stream subscribers. Docker progress streams repeat the same
// line many times per second.
type outputAggregator struct {
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
}

func newOutputAggregator(emit func(string)) *outputAggregator {
	return &outputAggregator{emit: emit, maxDelay: repeatFlushInterval}
}

// Add forwards a line, folding consecutive duplicates into a repeat counter.
func (a *outputAggregator) Add(line string) {
	if a == nil {
		return
	}
	line = truncateLine(strings.TrimSpace(line))
	if line == "" {
		return
	}
	now := time.Now()
	if a.last == "" {
		a.last = line
		a.repeats = 0
		a.emitLine(line, now)
		return
	}
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

// Flush emits any pending repeat counter.
func (a *outputAggregator) Flush() {
	if a == nil {
		return
	}
	a.flushRepeatsAt(time.Now())
}

func (a *outputAggregator) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *outputAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	a.lastEmit = now
}

func truncateLine(s string) string {
	if len(s) <= maxLineLength {
		return s
	}
	return s[:maxLineLength] + fmt.Sprintf("... (%d bytes truncated)", len(s)-maxLineLength)
}
