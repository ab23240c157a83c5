// Package logger provides a thread-safe, bounded in-memory event log.
// The broker and sessions record operator-relevant events (registrations,
// settlements, penalties) here in addition to the process log; the gateway
// surfaces the ring over HTTP.
package logger

import (
	"fmt"
	"sync"
	"time"
)

// Message is a single recorded event.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Level     string    `json:"level"` // info, warning, error
}

// Logger keeps the most recent events in a fixed-size ring.
type Logger struct {
	mu       sync.RWMutex
	messages []Message
	capacity int
}

// New creates a logger retaining at most capacity messages.
func New(capacity int) *Logger {
	return &Logger{
		messages: make([]Message, 0, capacity),
		capacity: capacity,
	}
}

func (l *Logger) record(level, text string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, Message{
		Timestamp: time.Now(),
		Text:      text,
		Level:     level,
	})
	if len(l.messages) > l.capacity {
		l.messages = l.messages[len(l.messages)-l.capacity:]
	}
}

// Infof records an info-level event.
func (l *Logger) Infof(format string, args ...any) {
	l.record("info", fmt.Sprintf(format, args...))
}

// Warningf records a warning-level event.
func (l *Logger) Warningf(format string, args ...any) {
	l.record("warning", fmt.Sprintf(format, args...))
}

// Errorf records an error-level event.
func (l *Logger) Errorf(format string, args ...any) {
	l.record("error", fmt.Sprintf(format, args...))
}

// Recent returns up to n of the most recent messages, newest first.
func (l *Logger) Recent(n int) []Message {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.messages) {
		n = len(l.messages)
	}
	out := make([]Message, n)
	for i := 0; i < n; i++ {
		out[i] = l.messages[len(l.messages)-1-i]
	}
	return out
}

// Len reports how many messages are currently retained.
func (l *Logger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
