package build

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	logRepeatFlushInterval = 2 * time.Second
	logTailSize            = 40
	maxLineLength          = 2048
)

// LogLine is one entry of a build's output stream.
type LogLine struct {
	BuildID string    `json:"build_id"`
	Service string    `json:"service,omitempty"`
	Stage   string    `json:"stage"`
	Line    string    `json:"line"`
	Time    time.Time `json:"time"`
	Final   bool      `json:"final,omitempty"`
}

// logAggregator collapses repeated lines, caps the total bytes forwarded and
// keeps a tail for error reports.
type logAggregator struct {
	mu        sync.Mutex
	buildID   string
	publish   func([]byte)
	now       func() time.Time
	limit     int64
	written   int64
	truncated bool

	service  string
	stage    string
	last     string
	repeats  int
	lastEmit time.Time
	tail     []string
}

func newLogAggregator(buildID string, limit int64, publish func([]byte)) *logAggregator {
	return &logAggregator{buildID: buildID, limit: limit, publish: publish, now: time.Now}
}

// Scope sets the service and stage attached to subsequent lines.
func (a *logAggregator) Scope(service, stage string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushRepeatsLocked()
	a.last = ""
	a.service = service
	a.stage = stage
}

// Add forwards one output line.
func (a *logAggregator) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if len(line) > maxLineLength {
		line = line[:maxLineLength] + "..."
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if line == a.last {
		a.repeats++
		if a.now().Sub(a.lastEmit) >= logRepeatFlushInterval {
			a.flushRepeatsLocked()
		}
		return
	}
	a.flushRepeatsLocked()
	a.last = line
	a.emitLocked(line)
}

// Flush emits any pending repeat summary.
func (a *logAggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushRepeatsLocked()
}

// Final emits a closing line that is never suppressed by the byte cap.
func (a *logAggregator) Final(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushRepeatsLocked()
	a.send(LogLine{BuildID: a.buildID, Stage: a.stage, Line: line, Time: a.now().UTC(), Final: true})
}

// Tail returns the most recent lines.
func (a *logAggregator) Tail(limit int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit >= len(a.tail) {
		return append([]string(nil), a.tail...)
	}
	return append([]string(nil), a.tail[len(a.tail)-limit:]...)
}

func (a *logAggregator) flushRepeatsLocked() {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLocked(msg)
}

func (a *logAggregator) emitLocked(line string) {
	a.record(line)
	a.lastEmit = a.now()
	if a.truncated {
		return
	}
	if a.limit > 0 && a.written+int64(len(line)) > a.limit {
		a.truncated = true
		a.send(LogLine{BuildID: a.buildID, Service: a.service, Stage: a.stage, Line: fmt.Sprintf("log limit of %d bytes reached; further output suppressed", a.limit), Time: a.lastEmit.UTC()})
		return
	}
	a.written += int64(len(line))
	a.send(LogLine{BuildID: a.buildID, Service: a.service, Stage: a.stage, Line: line, Time: a.lastEmit.UTC()})
}

func (a *logAggregator) send(entry LogLine) {
	if a.publish == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	a.publish(payload)
}

func (a *logAggregator) record(line string) {
	if len(a.tail) < logTailSize {
		a.tail = append(a.tail, line)
		return
	}
	a.tail = append(a.tail[1:], line)
}
