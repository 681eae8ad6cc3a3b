// Package events fans project lifecycle events out to SSE and WebSocket
// subscribers through one dedicated broadcaster goroutine.
package events

import (
	"time"

	"go.uber.org/zap"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
)

// Event types published on the bus.
const (
	EventSandboxBooting = "sandbox_booting"
	EventSandboxReady   = "sandbox_ready"
	EventSandboxCrashed = "sandbox_crashed"
	EventSandboxStopped = "sandbox_stopped"
	EventFileMutated    = "file_mutated"
	EventExportReady    = "export_ready"
	EventExportBlocked  = "export_blocked"
)

// Event is one bus message, scoped to a project.
type Event struct {
	Type      string                 `json:"type"`
	ProjectID uint                   `json:"project_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription receives the events for one project. C is closed when the
// subscription is cancelled or the bus shuts down.
type Subscription struct {
	C chan Event

	projectID uint
	bus       *Bus
}

// Cancel detaches the subscription from the bus. Safe to call after the bus
// has shut down; the broadcaster already closed C in that case.
func (s *Subscription) Cancel() {
	select {
	case s.bus.unregister <- s:
	case <-s.bus.shutdown:
	}
}

// Bus owns all subscriber state inside a single broadcaster goroutine, so no
// lock is shared with publishers. Publishing never blocks on slow consumers:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	publish    chan Event
	register   chan *Subscription
	unregister chan *Subscription
	shutdown   chan struct{}
	done       chan struct{}
}

// NewBus creates a Bus. Run must be called before any publish.
func NewBus() *Bus {
	return &Bus{
		publish:    make(chan Event, 64),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the broadcaster loop. Call in its own goroutine.
func (b *Bus) Run() {
	subs := make(map[*Subscription]bool)
	defer close(b.done)

	for {
		select {
		case <-b.shutdown:
			for sub := range subs {
				close(sub.C)
			}
			logging.L().Info("event bus shut down")
			return

		case sub := <-b.register:
			subs[sub] = true

		case sub := <-b.unregister:
			if subs[sub] {
				delete(subs, sub)
				close(sub.C)
			}

		case event := <-b.publish:
			for sub := range subs {
				if sub.projectID != 0 && sub.projectID != event.ProjectID {
					continue
				}
				select {
				case sub.C <- event:
				default:
					logging.L().Debug("event dropped for slow subscriber",
						zap.String("type", event.Type),
						zap.Uint("project_id", event.ProjectID))
				}
			}
		}
	}
}

// Shutdown stops the broadcaster and closes every subscription.
func (b *Bus) Shutdown() {
	close(b.shutdown)
	<-b.done
}

// Publish emits an event. Emission is unconditional; if the bus buffer is
// full the event is dropped and counted rather than blocking the caller.
func (b *Bus) Publish(eventType string, projectID uint, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		ProjectID: projectID,
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case b.publish <- event:
	case <-b.shutdown:
	default:
		logging.L().Warn("event bus full, event dropped",
			zap.String("type", eventType),
			zap.Uint("project_id", projectID))
	}
}

// Subscribe returns a subscription for one project's events. projectID 0
// subscribes to all projects.
func (b *Bus) Subscribe(projectID uint) *Subscription {
	sub := &Subscription{
		C:         make(chan Event, 16),
		projectID: projectID,
		bus:       b,
	}
	select {
	case b.register <- sub:
	case <-b.shutdown:
		close(sub.C)
	}
	return sub
}
