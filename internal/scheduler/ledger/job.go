package ledger

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// JobState is the externally visible lifecycle state of a job.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobDone      JobState = "DONE"
	JobCancelled JobState = "CANCELLED"
)

// Pending-reason codes surfaced to monitoring and CLI collaborators.
// QOS limit reasons are of the form QOS<LimitName>Limit and are produced
// by the limits package.
const (
	ReasonNone            = ""
	ReasonResources       = "Resources"
	ReasonPriority        = "Priority"
	ReasonQOSGrpWallLimit = "QOSGrpWallLimit"
)

// Job is the ledger-internal representation of a job.
// Jobs stored in the Ledger must not be modified in-place; use DeepCopy and
// upsert the copy instead.
type Job struct {
	// String representation of the job id
	Id string
	// Scheduling priority. Jobs with a greater value are scheduled first.
	Priority uint32
	// Logical timestamp indicating the order in which jobs were submitted.
	// Jobs with identical Priority are scheduled in submission order.
	Submitted int64
	// Number of nodes the job needs.
	NumNodes int
	// Requested wall-clock time limit.
	TimeLimit time.Duration
	// Name of the QOS the job is charged to.
	QOS string
	// Name of the partition the job must run in.
	Partition string
	// Account the job was submitted under.
	Account string
	// Features every assigned node must carry.
	RequiredFeatures []string
	// Current lifecycle state.
	State JobState
	// Why a PENDING job has not started. Empty when not applicable.
	PendingReason string
	// Projected start time once a backfill reservation exists.
	// Nil if no reservation has been computed.
	ProjectedStart *time.Time
	// Time the job transitioned to RUNNING. Zero until then.
	StartedAt time.Time
	// Ids of the nodes allocated to the job. Nil unless RUNNING.
	AssignedNodes []string
}

// InTerminalState returns true if the job has finished or been cancelled.
func (job *Job) InTerminalState() bool {
	return job.State == JobDone || job.State == JobCancelled
}

// ProjectedEnd returns the time the job is projected to release its nodes.
// Only meaningful for RUNNING jobs.
func (job *Job) ProjectedEnd() time.Time {
	return job.StartedAt.Add(job.TimeLimit)
}

// DeepCopy deep copies the job.
// This is needed because jobs stored in the Ledger cannot be modified in-place.
func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	rv := *job
	rv.RequiredFeatures = slices.Clone(job.RequiredFeatures)
	rv.AssignedNodes = slices.Clone(job.AssignedNodes)
	if job.ProjectedStart != nil {
		t := *job.ProjectedStart
		rv.ProjectedStart = &t
	}
	return &rv
}

// SchedulingOrder returns -1 if a should be considered for scheduling before
// b, 1 if after, and 0 if the two are the same job. The order is strict:
// greater priority first, then submission order, then id.
func SchedulingOrder(a, b *Job) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if a.Submitted != b.Submitted {
		if a.Submitted < b.Submitted {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Id, b.Id)
}
