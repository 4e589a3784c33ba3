package labels

import (
	"fmt"
	"io"
	"text/tabwriter"

	"polyflow/internal/core"
)

// Count is the tally of one label over a set of jobs.
type Count struct {
	Label   string  `json:"label"`
	True    int     `json:"true"`
	False   int     `json:"false"`
	Skipped int     `json:"skipped"`
	Percent float64 `json:"percent"`
}

// Report aggregates label outcomes over every job in the sweep.
type Report struct {
	Total  int     `json:"total"`
	Counts []Count `json:"labels"`
}

// Classify evaluates every label on every document. Label order is kept.
//
// Percent is the share of all jobs for which the label is true.
func Classify(ls []Label, docs []core.Document) Report {
	r := Report{Total: len(docs), Counts: make([]Count, len(ls))}
	for i, l := range ls {
		c := Count{Label: l.Name}
		for _, d := range docs {
			switch l.Eval(d) {
			case True:
				c.True++
			case False:
				c.False++
			default:
				c.Skipped++
			}
		}
		if r.Total > 0 {
			c.Percent = 100 * float64(c.True) / float64(r.Total)
		}
		r.Counts[i] = c
	}
	return r
}

// Get returns the count for the named label.
func (r Report) Get(name string) (Count, bool) {
	for _, c := range r.Counts {
		if c.Label == name {
			return c, true
		}
	}
	return Count{}, false
}

// WriteText renders the report as an aligned table.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "LABEL\tJOBS\tPERCENT\n")
	for _, c := range r.Counts {
		fmt.Fprintf(tw, "%s\t%d/%d\t%5.1f%%\n", c.Label, c.True, r.Total, c.Percent)
	}
	return tw.Flush()
}
