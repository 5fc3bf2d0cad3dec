// Package sink provides event sink backends for mediation telemetry, analytics and
// attribution events.
package sink

import (
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Sink receives named events. Log must not block or panic.
type Sink interface {
	Log(name string, attrs map[string]string)
}

// Func adapts a function to Sink.
type Func func(name string, attrs map[string]string)

// Log calls f.
func (f Func) Log(name string, attrs map[string]string) { f(name, attrs) }

// Nop discards every event.
type Nop struct{}

// Log does nothing.
func (Nop) Log(string, map[string]string) {}

// Event is one recorded sink entry.
type Event struct {
	Name  string
	Attrs map[string]string
}

// Logger writes one line per event.
type Logger struct {
	logger *log.Logger
}

// NewLogger returns a sink writing to logger, or to stdout when nil.
func NewLogger(logger *log.Logger) *Logger {
	if logger == nil {
		logger = log.New(os.Stdout, "events ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Logger{logger: logger}
}

// Log prints the event with its attributes sorted by key.
func (l *Logger) Log(name string, attrs map[string]string) {
	l.logger.Printf("%s%s", name, formatAttrs(attrs))
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(attrs[k]))
	}
	return b.String()
}

// Multi fans events out to several sinks. A panicking sink is recovered and logged
// without affecting the others.
type Multi struct {
	sinks  []Sink
	logger *log.Logger
}

// NewMulti builds a fan-out sink; nil sinks are skipped.
func NewMulti(logger *log.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = log.New(os.Stdout, "sink ", log.LstdFlags|log.Lmicroseconds)
	}
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept, logger: logger}
}

// Len reports the number of downstream sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Log forwards to every sink with a private copy of attrs.
func (m *Multi) Log(name string, attrs map[string]string) {
	for _, s := range m.sinks {
		m.safeLog(s, name, clone(attrs))
	}
}

func (m *Multi) safeLog(s Sink, name string, attrs map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("sink %T panic on %s: %v", s, name, fmt.Errorf("%v\n%s", r, debug.Stack()))
		}
	}()
	s.Log(name, attrs)
}

// Memory records events in order; safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an empty recorder.
func NewMemory() *Memory { return &Memory{} }

// Log records the event.
func (m *Memory) Log(name string, attrs map[string]string) {
	m.mu.Lock()
	m.events = append(m.events, Event{Name: name, Attrs: clone(attrs)})
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Names returns recorded event names in order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Name)
	}
	return out
}

// Count returns how many events named name were recorded.
func (m *Memory) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Reset drops recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

func clone(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
