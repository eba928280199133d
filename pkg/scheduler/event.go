package scheduler

import (
	"time"

	"speedtest-monitor/pkg/models"
)

type EventKind string

const (
	EventCycleStarted EventKind = "cycle_started"
	EventResult       EventKind = "result"
	EventCycleFailed  EventKind = "cycle_failed"
	EventSinkFailed   EventKind = "sink_failed"
	EventStopped      EventKind = "stopped"
)

// Event is what the scheduler reports to its consumer, typically a UI.
type Event struct {
	Kind   EventKind
	Cycle  int
	Time   time.Time
	Result *models.MeasurementResult
	Err    error
}
