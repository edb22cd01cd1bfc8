// Package securitytest collects audit events for tests.
package securitytest

import (
	"slices"
	"sync"

	"github.com/flemzord/agentgate/internal/security"
)

// NewTestAuditLogger returns an AuditLogger that keeps events in memory and
// a snapshot function that is safe to call while events are still logged.
func NewTestAuditLogger() (*security.AuditLogger, func() []security.AuditEvent) {
	var (
		mu     sync.Mutex
		events []security.AuditEvent
	)
	logger := security.NewAuditLogger(security.AuditLoggerConfig{
		OnEvent: func(e security.AuditEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		},
	})
	return logger, func() []security.AuditEvent {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(events)
	}
}

// Types lists the event types in log order.
func Types(events []security.AuditEvent) []security.EventType {
	types := make([]security.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}
