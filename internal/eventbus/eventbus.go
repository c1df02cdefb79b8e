// Package eventbus is a domain expansion: it publishes cycle-summary and
// anomaly events for external observers (dashboards, alerting) without
// making the control loop depend on any particular subscriber.
package eventbus

import "context"

type Event string

const (
	EventCycleSummary Event = "events.orchestrator.cycle_summary"
	EventAnomaly      Event = "events.orchestrator.anomaly"
	EventSafetyValve  Event = "events.orchestrator.safety_valve"
)

// Bus publishes orchestrator events; payload is pre-serialised JSON.
type Bus interface {
	Publish(ctx context.Context, event Event, payload []byte) error
	Shutdown()
}
