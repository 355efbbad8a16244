package channels

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/argusmon/argus/internal/models"
)

// AlertSignal is published for every notification-worthy alert lifecycle
// event. The monitor and alert are snapshots taken at publish time.
type AlertSignal struct {
	Event     models.AlertEvent
	Monitor   *models.Monitor
	Alert     *models.Alert
	Timestamp time.Time
}

// StateChangeEvent is published when a monitor's evaluated status changes
type StateChangeEvent struct {
	MonitorID   uuid.UUID
	MonitorName string
	OldStatus   models.SampleStatus
	NewStatus   models.SampleStatus
	Failures    int
	Timestamp   time.Time
}

// ProbeTroubleEvent is published when a probe produces an error sample
type ProbeTroubleEvent struct {
	MonitorID   uuid.UUID
	MonitorName string
	Type        models.MonitorType
	Kind        string // "transient" or "terminal"
	Error       string
	Timestamp   time.Time
}

// EventChannels provides typed channels for all engine events
type EventChannels struct {
	// Alert lifecycle events consumed by the notifier
	Alerts chan AlertSignal

	// Monitor status transitions, best-effort observability
	StateChanges chan StateChangeEvent

	// Probe failures, best-effort observability
	ProbeTrouble chan ProbeTroubleEvent

	// Graceful shutdown
	done chan struct{}
}

// NewEventChannels creates a new EventChannels hub with configured buffer sizes
func NewEventChannels(cfg EventChannelsConfig) *EventChannels {
	return &EventChannels{
		Alerts:       make(chan AlertSignal, cfg.AlertBufferSize),
		StateChanges: make(chan StateChangeEvent, cfg.StateBufferSize),
		ProbeTrouble: make(chan ProbeTroubleEvent, cfg.ProbeBufferSize),
		done:         make(chan struct{}),
	}
}

// PublishAlert delivers an alert signal, blocking until the notifier
// accepts it or shutdown begins. Returns false when the signal was not
// delivered.
func (ec *EventChannels) PublishAlert(ctx context.Context, sig AlertSignal) bool {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	select {
	case ec.Alerts <- sig:
		return true
	case <-ctx.Done():
		return false
	case <-ec.done:
		return false
	}
}

// PublishStateChange offers a state transition to observers. Never blocks;
// returns false when the buffer is full.
func (ec *EventChannels) PublishStateChange(ev StateChangeEvent) bool {
	select {
	case ec.StateChanges <- ev:
		return true
	default:
		return false
	}
}

// PublishProbeTrouble offers a probe failure to observers. Never blocks.
func (ec *EventChannels) PublishProbeTrouble(ev ProbeTroubleEvent) bool {
	select {
	case ec.ProbeTrouble <- ev:
		return true
	default:
		return false
	}
}

// Close gracefully shuts down all channels
func (ec *EventChannels) Close() error {
	close(ec.done)

	// Close all channels to signal consumers to exit
	close(ec.Alerts)
	close(ec.StateChanges)
	close(ec.ProbeTrouble)

	return nil
}

// Done returns a channel that's closed when the EventChannels is shutting down
func (ec *EventChannels) Done() <-chan struct{} {
	return ec.done
}
