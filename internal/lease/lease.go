// Package lease provides the exclusive per-job run lease that keeps two
// executions from targeting the same job.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"polyflow/internal/core"
)

// Lease is a held run lease.
type Lease interface {
	// Holder identifies the lease owner.
	Holder() string
	// Release gives the lease up. Releasing twice is a no-op.
	Release(ctx context.Context) error
	// Lost is closed once the lease is known to be held by someone else or by
	// no one. A run must stop writing the job's workspace when it fires.
	Lost() <-chan struct{}
}

// ErrLost is the cause a run is cancelled with when its lease was lost. It
// matches core.ErrConcurrentRun.
var ErrLost = fmt.Errorf("%w: run lease lost", core.ErrConcurrentRun)

// IsLost reports whether err, or the cancellation cause of ctx, is ErrLost.
func IsLost(ctx context.Context, err error) bool {
	return errors.Is(err, ErrLost) || (ctx != nil && errors.Is(context.Cause(ctx), ErrLost))
}

// Locker hands out run leases.
//
// Acquire returns *core.ConcurrentRunError when the job is already leased.
type Locker interface {
	Acquire(ctx context.Context, id core.JobID, holder string) (Lease, error)
	// Break removes a lease regardless of its owner. Used to clear leases left
	// behind by a process that died without releasing.
	Break(ctx context.Context, id core.JobID) error
}

// Owner is the metadata stored with a lease.
type Owner struct {
	Holder     string    `json:"holder"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func newOwner(holder string) Owner {
	host, _ := os.Hostname()
	return Owner{
		Holder:     holder,
		Host:       host,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
}

func (o Owner) String() string {
	if o.Host == "" {
		return fmt.Sprintf("%s (pid %d)", o.Holder, o.PID)
	}
	return fmt.Sprintf("%s on %s (pid %d)", o.Holder, o.Host, o.PID)
}
