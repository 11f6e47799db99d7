package scheduler

import (
	"time"

	"github.com/slateproject/slate/internal/scheduler/ledger"
)

// Reservation is a commitment that a set of nodes will be free and assigned
// to a specific job at a specific future time. Reservations exist only for
// the duration of a scheduling cycle; each cycle recomputes them from
// scratch.
type Reservation struct {
	JobId string
	Start time.Time
	End   time.Time
	// Ids of the nodes the reservation claims, sorted ascending.
	NodeIds []string
}

// Overlaps returns true if the reservation claims any instant of [start, end).
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.Start.Before(end) && start.Before(r.End)
}

// SchedulerResult reports the outcome of a single scheduling cycle.
type SchedulerResult struct {
	// Jobs transitioned to RUNNING this cycle, in scheduling order.
	StartedJobs []*ledger.Job
	// Reservations granted to jobs that could not start immediately,
	// in scheduling order. Started jobs are not included.
	Reservations []*Reservation
	// Pending reason recorded per job that was denied or deferred.
	ReasonByJobId map[string]string
	// Why the cycle stopped, e.g., "all pending jobs considered" or
	// "cycle budget exhausted".
	TerminationReason string
}

// ReservationForJob returns the reservation granted to the given job this
// cycle, or nil.
func (sr *SchedulerResult) ReservationForJob(jobId string) *Reservation {
	for _, r := range sr.Reservations {
		if r.JobId == jobId {
			return r
		}
	}
	return nil
}
