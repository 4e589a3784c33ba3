// Package labels classifies jobs for status reporting.
//
// Labels are pure predicates over a job document. They never mutate state and
// tolerate documents that are missing optional fields.
package labels

import "polyflow/internal/core"

// Outcome is the result of evaluating a label on one document.
type Outcome int

const (
	// Skip means the label does not apply to this job.
	Skip Outcome = iota
	False
	True
)

func (o Outcome) String() string {
	switch o {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "skip"
	}
}

func of(b bool) Outcome {
	if b {
		return True
	}
	return False
}

// Label is a named predicate.
type Label struct {
	Name string
	Eval func(core.Document) Outcome
}

// Sampled is true once the job completed its main phase.
var Sampled = Label{Name: "sampled", Eval: func(d core.Document) Outcome { return of(d.Done) }}

// Initialized marks presence in the sweep; it holds for every job.
var Initialized = Label{Name: "initialized", Eval: func(core.Document) Outcome { return True }}

// Interrupted is true for jobs that ran at least once without finishing.
var Interrupted = Label{Name: "interrupted", Eval: func(d core.Document) Outcome { return of(d.Runs > 0 && !d.Done) }}

// Fresh is true for jobs that never ran.
var Fresh = Label{Name: "fresh", Eval: func(d core.Document) Outcome { return of(d.Runs == 0 && !d.Done) }}

// Standard is the default label set for status reports.
func Standard() []Label {
	return []Label{Initialized, Sampled, Interrupted, Fresh}
}

// And is true when every label is true. Skips are ignored unless all skip.
func And(name string, ls ...Label) Label {
	return Label{Name: name, Eval: func(d core.Document) Outcome {
		out := Skip
		for _, l := range ls {
			switch l.Eval(d) {
			case False:
				return False
			case True:
				out = True
			}
		}
		return out
	}}
}

// Not inverts a label. Skip stays Skip.
func Not(name string, l Label) Label {
	return Label{Name: name, Eval: func(d core.Document) Outcome {
		switch l.Eval(d) {
		case True:
			return False
		case False:
			return True
		default:
			return Skip
		}
	}}
}
