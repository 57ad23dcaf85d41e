package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestrator and the reconciliation
// engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay flow execution.
type Observer interface {
	// OnFlowStart is called once when a flow instance begins executing
	// phases, before the first phase runs.
	OnFlowStart(ctx context.Context, flow *FlowInstance)

	// OnFlowCompleted is called when a flow reaches FlowCompleted.
	OnFlowCompleted(ctx context.Context, flow *FlowInstance)

	// OnFlowFailed is called when a flow transitions to FlowFailed.
	OnFlowFailed(ctx context.Context, flow *FlowInstance, err error)

	// OnFlowPaused is called when a flow parks at a pause point.
	OnFlowPaused(ctx context.Context, flow *FlowInstance, phase string)

	// OnPhaseStart is called before a phase handler is invoked.
	// attempt is 1-based.
	OnPhaseStart(ctx context.Context, flow *FlowInstance, phase string, attempt int)

	// OnPhaseCompleted is called after a phase attempt returns, for both
	// successes and failures (err != nil).
	OnPhaseCompleted(ctx context.Context, flow *FlowInstance, phase string, attempt int, err error, duration time.Duration)

	// OnConflictDetected is called when the reconciliation engine records a
	// new conflict, resolved or not.
	OnConflictDetected(ctx context.Context, conflict *ConflictRecord)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, flow *FlowInstance)                {}
func (NoopObserver) OnFlowCompleted(ctx context.Context, flow *FlowInstance)            {}
func (NoopObserver) OnFlowFailed(ctx context.Context, flow *FlowInstance, err error)    {}
func (NoopObserver) OnFlowPaused(ctx context.Context, flow *FlowInstance, phase string) {}
func (NoopObserver) OnPhaseStart(ctx context.Context, flow *FlowInstance, phase string, attempt int) {
}
func (NoopObserver) OnPhaseCompleted(ctx context.Context, flow *FlowInstance, phase string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnConflictDetected(ctx context.Context, conflict *ConflictRecord) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, flow *FlowInstance) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, flow)
	}
}

func (c *CompositeObserver) OnFlowCompleted(ctx context.Context, flow *FlowInstance) {
	for _, o := range c.observers {
		o.OnFlowCompleted(ctx, flow)
	}
}

func (c *CompositeObserver) OnFlowFailed(ctx context.Context, flow *FlowInstance, err error) {
	for _, o := range c.observers {
		o.OnFlowFailed(ctx, flow, err)
	}
}

func (c *CompositeObserver) OnFlowPaused(ctx context.Context, flow *FlowInstance, phase string) {
	for _, o := range c.observers {
		o.OnFlowPaused(ctx, flow, phase)
	}
}

func (c *CompositeObserver) OnPhaseStart(ctx context.Context, flow *FlowInstance, phase string, attempt int) {
	for _, o := range c.observers {
		o.OnPhaseStart(ctx, flow, phase, attempt)
	}
}

func (c *CompositeObserver) OnPhaseCompleted(ctx context.Context, flow *FlowInstance, phase string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnPhaseCompleted(ctx, flow, phase, attempt, err, d)
	}
}

func (c *CompositeObserver) OnConflictDetected(ctx context.Context, conflict *ConflictRecord) {
	for _, o := range c.observers {
		o.OnConflictDetected(ctx, conflict)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs flow / phase lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, flow *FlowInstance) {
	o.Logger.InfoContext(ctx, "flow_start",
		slog.String("flow_type", flow.FlowType),
		slog.String("flow_id", flow.ID),
		slog.String("tenant", flow.Scope.Key()),
	)
}

func (o *LoggingObserver) OnFlowCompleted(ctx context.Context, flow *FlowInstance) {
	o.Logger.InfoContext(ctx, "flow_completed",
		slog.String("flow_type", flow.FlowType),
		slog.String("flow_id", flow.ID),
		slog.String("tenant", flow.Scope.Key()),
	)
}

func (o *LoggingObserver) OnFlowFailed(ctx context.Context, flow *FlowInstance, err error) {
	o.Logger.ErrorContext(ctx, "flow_failed",
		slog.String("flow_type", flow.FlowType),
		slog.String("flow_id", flow.ID),
		slog.String("tenant", flow.Scope.Key()),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnFlowPaused(ctx context.Context, flow *FlowInstance, phase string) {
	o.Logger.InfoContext(ctx, "flow_paused",
		slog.String("flow_type", flow.FlowType),
		slog.String("flow_id", flow.ID),
		slog.String("phase", phase),
	)
}

func (o *LoggingObserver) OnPhaseStart(ctx context.Context, flow *FlowInstance, phase string, attempt int) {
	o.Logger.DebugContext(ctx, "phase_start",
		slog.String("flow_id", flow.ID),
		slog.String("phase", phase),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnPhaseCompleted(ctx context.Context, flow *FlowInstance, phase string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "phase_completed",
		slog.String("flow_id", flow.ID),
		slog.String("phase", phase),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnConflictDetected(ctx context.Context, conflict *ConflictRecord) {
	o.Logger.WarnContext(ctx, "conflict_detected",
		slog.String("conflict_id", conflict.ID),
		slog.String("asset_id", conflict.AssetID),
		slog.String("attribute", conflict.Attribute),
		slog.String("severity", string(conflict.Severity)),
		slog.Bool("resolved", conflict.Resolved),
	)
}

// BasicMetrics collects simple counters and aggregate phase durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	flowsStarted      atomic.Int64
	flowsCompleted    atomic.Int64
	flowsFailed       atomic.Int64
	phasesCompleted   atomic.Int64
	conflictsDetected atomic.Int64
	totalPhaseNanos   atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	FlowsStarted   int64
	FlowsCompleted int64
	FlowsFailed    int64
	PendingFlows   int64

	PhasesCompleted   int64
	ConflictsDetected int64
	AvgPhaseDuration  time.Duration
}

func (m *BasicMetrics) OnFlowStart(ctx context.Context, flow *FlowInstance) {
	m.flowsStarted.Add(1)
}

func (m *BasicMetrics) OnFlowCompleted(ctx context.Context, flow *FlowInstance) {
	m.flowsCompleted.Add(1)
}

func (m *BasicMetrics) OnFlowFailed(ctx context.Context, flow *FlowInstance, err error) {
	m.flowsFailed.Add(1)
}

func (m *BasicMetrics) OnPhaseCompleted(ctx context.Context, flow *FlowInstance, phase string, attempt int, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err == nil {
		m.phasesCompleted.Add(1)
		m.totalPhaseNanos.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnConflictDetected(ctx context.Context, conflict *ConflictRecord) {
	m.conflictsDetected.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.flowsStarted.Load()
	completed := m.flowsCompleted.Load()
	failed := m.flowsFailed.Load()
	phases := m.phasesCompleted.Load()
	totalNs := m.totalPhaseNanos.Load()

	var avg time.Duration
	if phases > 0 {
		avg = time.Duration(totalNs / phases)
	}

	return BasicMetricsSnapshot{
		FlowsStarted:      started,
		FlowsCompleted:    completed,
		FlowsFailed:       failed,
		PendingFlows:      started - completed - failed,
		PhasesCompleted:   phases,
		ConflictsDetected: m.conflictsDetected.Load(),
		AvgPhaseDuration:  avg,
	}
}
