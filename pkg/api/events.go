package api

import (
	"context"
	"time"
)

// EventType identifies a flow history event.
type EventType string

const (
	EventFlowInitialized EventType = "flow.initialized"
	EventFlowStarted     EventType = "flow.started"
	EventFlowResumed     EventType = "flow.resumed"
	EventFlowPaused      EventType = "flow.paused"
	EventFlowCompleted   EventType = "flow.completed"
	EventFlowFailed      EventType = "flow.failed"
	EventFlowCancelled   EventType = "flow.cancelled"
	EventFlowApproved    EventType = "flow.approved"

	EventPhaseStarted   EventType = "phase.started"
	EventPhaseCompleted EventType = "phase.completed"
	EventPhaseFailed    EventType = "phase.failed"

	EventConflictDetected EventType = "conflict.detected"
	EventConflictResolved EventType = "conflict.resolved"
)

// FlowEvent is a minimal append-only history record for audit/debugging and
// the at-least-once notification feed. It is intentionally small and stable.
type FlowEvent struct {
	FlowID string
	At     time.Time
	Type   EventType

	// Optional context.
	FlowType string
	Phase    string

	// Small, human-oriented details (e.g. conflict id, error string).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}

// EventSink receives fire-and-forget events for downstream consumers.
// Delivery is at-least-once; sinks must tolerate duplicates and must not
// block flow execution.
type EventSink interface {
	Publish(ctx context.Context, ev FlowEvent)
}

// NoopSink discards all events. It is the default when no sink is configured.
type NoopSink struct{}

func (NoopSink) Publish(ctx context.Context, ev FlowEvent) {}

// ChannelSink publishes events to a buffered channel, dropping events when
// the buffer is full rather than blocking the publisher.
type ChannelSink struct {
	C chan FlowEvent
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &ChannelSink{C: make(chan FlowEvent, capacity)}
}

func (s *ChannelSink) Publish(ctx context.Context, ev FlowEvent) {
	select {
	case s.C <- ev:
	default:
	}
}
