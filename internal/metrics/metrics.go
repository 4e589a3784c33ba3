// Package metrics records engine and sweep activity.
package metrics

import (
	"time"

	"polyflow/internal/core"
)

// Collector receives engine and sweep measurements.
type Collector interface {
	// RecordRun counts a finished run by final phase and mode.
	RecordRun(phase, mode string)
	// ObserveStage records how long a stage ran and whether it succeeded.
	ObserveStage(stage core.Stage, d time.Duration, ok bool)
	// RecordLeaseConflict counts runs rejected because the job was leased.
	RecordLeaseConflict()
	// RecordInitialized counts workspaces touched by bulk initialization.
	RecordInitialized(created, existing int)
	// SetProgress publishes a job's progress counter.
	SetProgress(id core.JobID, timestep int64)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

var _ Collector = (*NopMetrics)(nil)

func NewNop() *NopMetrics { return &NopMetrics{} }

func (*NopMetrics) RecordRun(string, string) {}
func (*NopMetrics) ObserveStage(core.Stage, time.Duration, bool) {}
func (*NopMetrics) RecordLeaseConflict() {}
func (*NopMetrics) RecordInitialized(int, int) {}
func (*NopMetrics) SetProgress(core.JobID, int64) {}

// OrNop returns c, or a no-op collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NewNop()
	}
	return c
}
