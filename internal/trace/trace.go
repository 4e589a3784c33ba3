package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the deterministic record of what the engine decided for
// a set of jobs.
//
// Invariants:
//   - Events carry logical transitions only: no timestamps, no error text.
//   - Within one job, events keep the order in which they were recorded; a
//     job's run is a single sequential pipeline.
//   - Across jobs, events are grouped by job identifier, so concurrent runs
//     of different jobs produce the same canonical bytes.
//
// The trace is observational only and must never affect execution behavior.
type ExecutionTrace struct {
	SweepID string
	Events  []Event
}

// EventKind is the stable discriminator for Event. The string values are
// part of the canonical bytes; do not rename.
type EventKind string

const (
	EventPhaseEntered      EventKind = "PhaseEntered"
	EventCheckpointWritten EventKind = "CheckpointWritten"
	EventStageFailed       EventKind = "StageFailed"
	EventLeaseRejected     EventKind = "LeaseRejected"
)

// Event is a single logical transition or decision.
type Event struct {
	Kind EventKind

	// JobID identifies the job this event refers to. Required.
	JobID string

	// Phase is the engine phase entered, for PhaseEntered.
	Phase string

	// Stage names the stage a checkpoint or failure belongs to.
	Stage string

	// Reason is a stable, logical reason code (e.g. "Cancelled").
	Reason string

	// Artifacts lists workspace artifact names written.
	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.JobID == "" {
			return fmt.Errorf("events[%d].jobId is required", i)
		}
		if e.Kind == EventPhaseEntered && e.Phase == "" {
			return fmt.Errorf("events[%d].phase is required for %s", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize normalizes and orders the trace.
//
// Rules:
//   - Artifacts are copied and sorted; empty slices become nil.
//   - Events are stably sorted by JobID, keeping per-job recording order.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := make([]string, len(t.Events[i].Artifacts))
		copy(art, t.Events[i].Artifacts)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		return t.Events[i].JobID < t.Events[j].JobID
	})
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := ExecutionTrace{SweepID: t.SweepID}
	copyTrace.Events = make([]Event, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the deterministic trace hash (sha256 hex) of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalJSON fixes field order.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"sweepId\":")
	sb, _ := json.Marshal(t.SweepID)
	buf.Write(sb)
	buf.WriteByte(',')

	buf.WriteString("\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var artifacts []string
	if len(e.Artifacts) > 0 {
		artifacts = make([]string, len(e.Artifacts))
		copy(artifacts, e.Artifacts)
		sort.Strings(artifacts)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	// kind (always first)
	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeOptional(&buf, "jobId", e.JobID)
	writeOptional(&buf, "phase", e.Phase)
	writeOptional(&buf, "stage", e.Stage)
	writeOptional(&buf, "reason", e.Reason)

	if len(artifacts) > 0 {
		buf.WriteString(",\"artifacts\":[")
		for i := range artifacts {
			if i > 0 {
				buf.WriteByte(',')
			}
			ab, _ := json.Marshal(artifacts[i])
			buf.Write(ab)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeOptional(buf *bytes.Buffer, key, value string) {
	if value == "" {
		return
	}
	buf.WriteString(",\"")
	buf.WriteString(key)
	buf.WriteString("\":")
	vb, _ := json.Marshal(value)
	buf.Write(vb)
}
