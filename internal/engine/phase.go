package engine

import (
	"fmt"

	"polyflow/internal/core"
	"polyflow/internal/logging"
	"polyflow/internal/trace"
)

// Phase is the per-job execution state of one engine invocation.
type Phase string

const (
	PhaseNone        Phase = ""
	PhaseFresh       Phase = "FRESH"
	PhaseResuming    Phase = "RESUMING"
	PhaseStageA      Phase = "STAGE_A_RUNNING"
	PhaseStageB      Phase = "STAGE_B_RUNNING"
	PhaseComplete    Phase = "COMPLETE"
	PhaseInterrupted Phase = "INTERRUPTED"
)

// IsTerminal reports whether the phase ends an invocation.
func IsTerminal(p Phase) bool {
	return p == PhaseComplete || p == PhaseInterrupted
}

func isAllowedTransition(from, to Phase) bool {
	switch from {
	case PhaseNone:
		return to == PhaseFresh || to == PhaseResuming
	case PhaseFresh, PhaseResuming:
		return to == PhaseStageA || to == PhaseInterrupted
	case PhaseStageA:
		return to == PhaseStageB || to == PhaseInterrupted
	case PhaseStageB:
		return to == PhaseComplete || to == PhaseInterrupted
	default:
		return false
	}
}

// phaseMachine tracks one job's phase and publishes every transition.
type phaseMachine struct {
	id   core.JobID
	cur  Phase
	path []Phase
	sink trace.Sink
	log  logging.Logger
}

func newPhaseMachine(id core.JobID, sink trace.Sink, log logging.Logger) *phaseMachine {
	return &phaseMachine{id: id, sink: sink, log: log}
}

// Transition moves from the current phase to to. A disallowed transition is a
// programming error and leaves the phase unchanged.
func (m *phaseMachine) Transition(to Phase) error {
	if !isAllowedTransition(m.cur, to) {
		return fmt.Errorf("disallowed transition for job %s: %q -> %q", m.id.Short(), m.cur, to)
	}
	m.cur = to
	m.path = append(m.path, to)
	trace.SafeRecord(m.sink, trace.Event{Kind: trace.EventPhaseEntered, JobID: string(m.id), Phase: string(to)})
	m.log.Info("phase", "to", string(to))
	return nil
}

func (m *phaseMachine) Current() Phase { return m.cur }

// Path returns every phase entered so far, in order.
func (m *phaseMachine) Path() []Phase {
	out := make([]Phase, len(m.path))
	copy(out, m.path)
	return out
}
