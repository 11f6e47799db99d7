package scheduler

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/slateproject/slate/internal/common/slatecontext"
	commonslices "github.com/slateproject/slate/internal/common/slices"
	"github.com/slateproject/slate/internal/scheduler/ledger"
	"github.com/slateproject/slate/internal/scheduler/limits"
	"github.com/slateproject/slate/internal/scheduler/selector"
)

// FifoAlgo is a strict first-in-first-out scheduler: it starts pending jobs
// in priority order until it reaches one that does not fit, and everything
// behind that job waits regardless of whether it would fit. No reservations
// are computed. Useful as a simpler alternative to BackfillAlgo on clusters
// where strict ordering matters more than utilisation.
type FifoAlgo struct {
	ledger   *ledger.Ledger
	enforcer *limits.Enforcer
	clock    clock.Clock
}

func NewFifoAlgo(l *ledger.Ledger, enforcer *limits.Enforcer) *FifoAlgo {
	return &FifoAlgo{
		ledger:   l,
		enforcer: enforcer,
		clock:    clock.RealClock{},
	}
}

func (algo *FifoAlgo) Schedule(ctx *slatecontext.Context, txn *memdb.Txn) (*SchedulerResult, error) {
	now := algo.clock.Now()
	pending, err := algo.ledger.PendingJobs(txn)
	if err != nil {
		return nil, err
	}

	result := &SchedulerResult{
		ReasonByJobId:     make(map[string]string),
		TerminationReason: terminationAllConsidered,
	}
	blocked := false
	for _, job := range pending {
		if blocked {
			if err := algo.markPending(txn, job, ledger.ReasonPriority); err != nil {
				return nil, err
			}
			result.ReasonByJobId[job.Id] = ledger.ReasonPriority
			continue
		}

		if err := algo.enforcer.Admit(job, now); err != nil {
			var violation *limits.LimitViolation
			if errors.As(err, &violation) {
				if err := algo.markPending(txn, job, violation.Reason); err != nil {
					return nil, err
				}
				result.ReasonByJobId[job.Id] = violation.Reason
				continue
			}
			return nil, err
		}

		free, err := algo.ledger.FreeNodes(txn)
		if err != nil {
			return nil, err
		}
		selected, err := selector.Select(job, free)
		if err != nil {
			// The head of the queue does not fit; in strict FIFO nothing may
			// overtake it.
			if err := algo.markPending(txn, job, ledger.ReasonResources); err != nil {
				return nil, err
			}
			result.ReasonByJobId[job.Id] = ledger.ReasonResources
			blocked = true
			continue
		}

		nodeIds := commonslices.Map(selected, func(node *ledger.Node) string { return node.Id })
		if err := algo.ledger.AllocateNodes(txn, job.Id, nodeIds); err != nil {
			return nil, err
		}
		started := job.DeepCopy()
		started.State = ledger.JobRunning
		started.StartedAt = now
		start := now
		started.ProjectedStart = &start
		started.PendingReason = ledger.ReasonNone
		started.AssignedNodes = nodeIds
		if err := algo.ledger.UpsertJobs(txn, started); err != nil {
			return nil, err
		}
		algo.enforcer.ChargeStart(started, now)
		result.StartedJobs = append(result.StartedJobs, started)
	}
	return result, nil
}

func (algo *FifoAlgo) markPending(txn *memdb.Txn, job *ledger.Job, reason string) error {
	updated := job.DeepCopy()
	updated.PendingReason = reason
	updated.ProjectedStart = nil
	return algo.ledger.UpsertJobs(txn, updated)
}
