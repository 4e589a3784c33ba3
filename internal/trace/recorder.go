package trace

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Sink receives engine events. Record must not panic and must not block for
// long; callers treat it as optional.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord forwards event to s, swallowing any panic from a faulty sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// jobLog is the ordered event list of one job.
type jobLog struct {
	mu     sync.Mutex
	events []Event
}

// Recorder collects events in memory, one log per job, so parallel runs of
// different jobs never share a lock.
type Recorder struct {
	jobs *xsync.Map[string, *jobLog]
}

func NewRecorder() *Recorder {
	return &Recorder{jobs: xsync.NewMap[string, *jobLog]()}
}

func (r *Recorder) Record(event Event) {
	if r == nil || r.jobs == nil {
		return
	}
	log, _ := r.jobs.LoadOrCompute(event.JobID, func() (*jobLog, bool) {
		return &jobLog{}, false
	})
	log.mu.Lock()
	log.events = append(log.events, event)
	log.mu.Unlock()
}

// ForJob returns a copy of one job's events in recording order.
func (r *Recorder) ForJob(jobID string) []Event {
	if r == nil || r.jobs == nil {
		return nil
	}
	log, ok := r.jobs.Load(jobID)
	if !ok {
		return nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]Event, len(log.events))
	copy(out, log.events)
	return out
}

// Jobs lists the job IDs that have recorded at least one event, sorted.
func (r *Recorder) Jobs() []string {
	if r == nil || r.jobs == nil {
		return nil
	}
	var ids []string
	r.jobs.Range(func(id string, _ *jobLog) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Snapshot returns every recorded event grouped by job in job ID order.
func (r *Recorder) Snapshot() []Event {
	var out []Event
	for _, id := range r.Jobs() {
		out = append(out, r.ForJob(id)...)
	}
	return out
}

// Trace builds a canonical ExecutionTrace from what has been recorded so far.
func (r *Recorder) Trace(sweepID string) ExecutionTrace {
	tr := ExecutionTrace{SweepID: sweepID, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
