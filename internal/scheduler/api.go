package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/slateproject/slate/internal/common/slices"
	"github.com/slateproject/slate/internal/scheduler/ledger"
)

// JobRequest is the descriptor an external collaborator submits.
type JobRequest struct {
	Account          string
	QOS              string
	Partition        string
	Priority         uint32
	NumNodes         int
	TimeLimit        time.Duration
	RequiredFeatures []string
}

// ErrInvalidRequest is returned to the submitter when a job descriptor is
// malformed or can never be satisfied by this cluster. Such jobs never enter
// the ledger.
type ErrInvalidRequest struct {
	Detail string
}

func (err *ErrInvalidRequest) Error() string {
	return fmt.Sprintf("invalid job request: %s", err.Detail)
}

// ErrJobNotFound is returned by query operations for unknown job ids.
type ErrJobNotFound struct {
	JobId string
}

func (err *ErrJobNotFound) Error() string {
	return fmt.Sprintf("no such job: %s", err.JobId)
}

// JobStatus is the externally surfaced view of a single job.
type JobStatus struct {
	State          ledger.JobState
	PendingReason  string
	ProjectedStart *time.Time
	AssignedNodes  []string
}

// Submit validates the request and, if valid, queues a new PENDING job for
// the next cycle boundary, returning its id. Validation is independent of
// scheduling feasibility: a valid job that cannot start yet is still
// accepted.
func (s *Scheduler) Submit(req *JobRequest) (string, error) {
	if req.NumNodes <= 0 {
		return "", &ErrInvalidRequest{Detail: fmt.Sprintf("node count must be positive, got %d", req.NumNodes)}
	}
	if req.TimeLimit <= 0 {
		return "", &ErrInvalidRequest{Detail: fmt.Sprintf("time limit must be positive, got %s", req.TimeLimit)}
	}
	if !s.enforcer.KnownQOS(req.QOS) {
		return "", &ErrInvalidRequest{Detail: fmt.Sprintf("unknown qos %q", req.QOS)}
	}

	txn := s.ledger.ReadTxn()
	nodes, err := s.ledger.AllNodes(txn)
	if err != nil {
		return "", err
	}
	partitionSize := 0
	featureCounts := make(map[string]int)
	for _, node := range nodes {
		if !node.InPartition(req.Partition) {
			continue
		}
		partitionSize++
		for _, f := range node.Features {
			featureCounts[f]++
		}
	}
	if partitionSize == 0 {
		return "", &ErrInvalidRequest{Detail: fmt.Sprintf("unknown partition %q", req.Partition)}
	}
	if req.NumNodes > partitionSize {
		return "", &ErrInvalidRequest{
			Detail: fmt.Sprintf("%d nodes requested but partition %s has only %d", req.NumNodes, req.Partition, partitionSize),
		}
	}
	for _, f := range req.RequiredFeatures {
		if featureCounts[f] == 0 {
			return "", &ErrInvalidRequest{Detail: fmt.Sprintf("no node in partition %s has feature %q", req.Partition, f)}
		}
	}

	job := &ledger.Job{
		Id:               uuid.NewString(),
		Priority:         req.Priority,
		Submitted:        atomic.AddInt64(&s.submitSeq, 1),
		NumNodes:         req.NumNodes,
		TimeLimit:        req.TimeLimit,
		QOS:              req.QOS,
		Partition:        req.Partition,
		Account:          req.Account,
		RequiredFeatures: slices.Unique(req.RequiredFeatures),
		State:            ledger.JobPending,
	}
	s.enqueue(submitRequest{job: job})
	return job.Id, nil
}

// Cancel queues cancellation of the given jobs for the next cycle boundary.
// Jobs already in a terminal state are untouched; ids that do not exist at
// application time are ignored, making repeated cancellation safe.
func (s *Scheduler) Cancel(jobIds ...string) {
	s.enqueue(cancelRequest{jobIds: jobIds})
}

// MarkDone reports that a running job has completed. The execution layer is
// external to the scheduling core; it calls this when the job's processes
// have exited. Applied at the next cycle boundary.
func (s *Scheduler) MarkDone(jobId string) {
	s.enqueue(finishRequest{jobId: jobId})
}

// ResetUsage queues a reset of the given QOS's usage counters to zero.
// Administrative/test use only; idempotent.
func (s *Scheduler) ResetUsage(qos string) {
	s.enqueue(resetUsageRequest{qos: qos})
}

// ResetAllUsage queues a reset of every QOS's usage counters to zero.
func (s *Scheduler) ResetAllUsage() {
	s.enqueue(resetUsageRequest{all: true})
}

// JobStatus returns the current state, pending reason, and projected start of
// the given job. Jobs submitted but not yet applied at a cycle boundary are
// reported as PENDING.
func (s *Scheduler) JobStatus(jobId string) (*JobStatus, error) {
	txn := s.ledger.ReadTxn()
	job, err := s.ledger.GetJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		job = s.queuedJob(jobId)
	}
	if job == nil {
		return nil, &ErrJobNotFound{JobId: jobId}
	}
	status := &JobStatus{
		State:         job.State,
		PendingReason: job.PendingReason,
		AssignedNodes: job.AssignedNodes,
	}
	if job.ProjectedStart != nil {
		t := *job.ProjectedStart
		status.ProjectedStart = &t
	}
	return status, nil
}

func (s *Scheduler) queuedJob(jobId string) *ledger.Job {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	for _, req := range s.queued {
		if submit, ok := req.(submitRequest); ok && submit.job.Id == jobId {
			return submit.job
		}
	}
	return nil
}
