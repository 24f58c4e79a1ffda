// Package alertstest provides an in-memory notifier for tests.
package alertstest

import (
	"context"
	"strings"
	"sync"

	"delta-hedge-bot/internal/alerts"
)

type Notification struct {
	Message  string
	Severity alerts.Severity
}

type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, message string, severity alerts.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{Message: message, Severity: severity})
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func (r *Recorder) Count(severity alerts.Severity) int {
	n := 0
	for _, note := range r.All() {
		if note.Severity == severity {
			n++
		}
	}
	return n
}

// Contains reports whether any notification of the given severity contains
// substr.
func (r *Recorder) Contains(severity alerts.Severity, substr string) bool {
	for _, note := range r.All() {
		if note.Severity == severity && strings.Contains(note.Message, substr) {
			return true
		}
	}
	return false
}
