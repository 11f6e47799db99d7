package scheduler

import (
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/slateproject/slate/internal/common/slatecontext"
	"github.com/slateproject/slate/internal/scheduler/ledger"
	"github.com/slateproject/slate/internal/scheduler/limits"
)

// Scheduler drives scheduling cycles. It owns the Resource Ledger and is the
// only component that opens write transactions against it: external
// submission, cancellation, and completion reports are queued and applied at
// cycle boundaries, never mid-cycle, so a cycle always observes a stable
// priority order.
type Scheduler struct {
	ledger   *ledger.Ledger
	enforcer *limits.Enforcer
	// Algorithm deciding which jobs to start, selected at configuration time.
	algo SchedulingAlgo
	// Minimum duration between scheduling cycles.
	cyclePeriod time.Duration
	// Used for all timing decisions. Injected here so that we can mock out for testing.
	clock   clock.Clock
	metrics *Metrics

	// Guards a whole scheduling cycle. Multiple scheduler kinds may share a
	// ledger but must never mutate it concurrently.
	cycleMu sync.Mutex

	// Requests from external collaborators awaiting the next cycle boundary.
	queueMu   sync.Mutex
	queued    []request
	submitSeq int64
}

type request interface{}

type submitRequest struct {
	job *ledger.Job
}

type cancelRequest struct {
	jobIds []string
}

type finishRequest struct {
	jobId string
}

type resetUsageRequest struct {
	qos string
	all bool
}

func NewScheduler(
	l *ledger.Ledger,
	enforcer *limits.Enforcer,
	algo SchedulingAlgo,
	cyclePeriod time.Duration,
	metrics *Metrics,
) *Scheduler {
	return &Scheduler{
		ledger:      l,
		enforcer:    enforcer,
		algo:        algo,
		cyclePeriod: cyclePeriod,
		clock:       clock.RealClock{},
		metrics:     metrics,
	}
}

// Run ticks scheduling cycles until ctx is cancelled. Ledger corruption is
// fatal and returned; any other per-cycle error is logged and the next cycle
// proceeds.
func (s *Scheduler) Run(ctx *slatecontext.Context) error {
	ctx.Log.Infof("starting scheduler with cycle period %s", s.cyclePeriod)
	defer ctx.Log.Info("scheduler stopped")

	ticker := s.clock.NewTicker(s.cyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := s.clock.Now()
			result, err := s.RunCycle(ctx)
			if err != nil {
				var corrupt *ledger.ErrLedgerCorrupt
				if errors.As(err, &corrupt) {
					ctx.Log.WithError(err).Error("halting: ledger failed consistency check")
					return err
				}
				ctx.Log.WithError(err).Error("scheduling cycle failed")
				continue
			}
			taken := s.clock.Now().Sub(start)
			ctx.Log.WithField("duration", taken).
				Infof("cycle done: %d started, %d reserved (%s)",
					len(result.StartedJobs), len(result.Reservations), result.TerminationReason)
			if s.metrics != nil {
				s.metrics.ReportCycle(result, taken)
			}
		}
	}
}

// RunCycle applies queued external requests and runs a single scheduling
// cycle under one write transaction. The transaction commits only if the
// whole cycle, including ledger consistency checks before and after, went
// through; otherwise every mutation is rolled back.
func (s *Scheduler) RunCycle(ctx *slatecontext.Context) (*SchedulerResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	txn := s.ledger.WriteTxn()
	defer txn.Abort()

	if err := s.applyQueuedRequests(ctx, txn); err != nil {
		return nil, err
	}
	if err := s.ledger.CheckInvariants(txn); err != nil {
		return nil, err
	}
	result, err := s.algo.Schedule(ctx, txn)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.CheckInvariants(txn); err != nil {
		return nil, err
	}
	txn.Commit()
	return result, nil
}

// applyQueuedRequests drains the request queue and applies each request in
// arrival order. This is the cycle boundary: it is the only point at which
// external state changes enter the ledger.
func (s *Scheduler) applyQueuedRequests(ctx *slatecontext.Context, txn *memdb.Txn) error {
	s.queueMu.Lock()
	queued := s.queued
	s.queued = nil
	s.queueMu.Unlock()

	for _, req := range queued {
		switch r := req.(type) {
		case submitRequest:
			if err := s.ledger.UpsertJobs(txn, r.job); err != nil {
				return err
			}
		case cancelRequest:
			if err := s.applyCancel(txn, r.jobIds); err != nil {
				return err
			}
		case finishRequest:
			if err := s.applyFinish(txn, r.jobId); err != nil {
				return err
			}
		case resetUsageRequest:
			if r.all {
				s.enforcer.ResetAllUsage()
			} else {
				s.enforcer.ResetUsage(r.qos)
			}
		default:
			return errors.Errorf("unknown request type %T", req)
		}
	}
	if len(queued) > 0 {
		ctx.Log.Infof("applied %d queued requests", len(queued))
	}
	return nil
}

func (s *Scheduler) applyCancel(txn *memdb.Txn, jobIds []string) error {
	for _, jobId := range jobIds {
		job, err := s.ledger.GetJob(txn, jobId)
		if err != nil {
			return err
		}
		if job == nil || job.InTerminalState() {
			// Cancellation is idempotent on unknown and terminal jobs.
			continue
		}
		if job.State == ledger.JobRunning {
			if err := s.ledger.ReleaseNodes(txn, job.AssignedNodes); err != nil {
				return err
			}
		}
		cancelled := job.DeepCopy()
		cancelled.State = ledger.JobCancelled
		cancelled.PendingReason = ledger.ReasonNone
		cancelled.ProjectedStart = nil
		cancelled.AssignedNodes = nil
		if err := s.ledger.UpsertJobs(txn, cancelled); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) applyFinish(txn *memdb.Txn, jobId string) error {
	job, err := s.ledger.GetJob(txn, jobId)
	if err != nil {
		return err
	}
	if job == nil || job.State != ledger.JobRunning {
		return nil
	}
	if err := s.ledger.ReleaseNodes(txn, job.AssignedNodes); err != nil {
		return err
	}
	done := job.DeepCopy()
	done.State = ledger.JobDone
	done.PendingReason = ledger.ReasonNone
	done.ProjectedStart = nil
	done.AssignedNodes = nil
	return s.ledger.UpsertJobs(txn, done)
}

func (s *Scheduler) enqueue(req request) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queued = append(s.queued, req)
}
