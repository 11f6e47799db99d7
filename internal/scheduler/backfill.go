package scheduler

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/slateproject/slate/internal/common/slatecontext"
	commonslices "github.com/slateproject/slate/internal/common/slices"
	"github.com/slateproject/slate/internal/scheduler/ledger"
	"github.com/slateproject/slate/internal/scheduler/limits"
	"github.com/slateproject/slate/internal/scheduler/selector"
	"github.com/slateproject/slate/internal/scheduler/timetable"
)

const (
	terminationAllConsidered = "all pending jobs considered"
	terminationBudget        = "cycle budget exhausted"
	terminationCancelled     = "context cancelled"
)

// SchedulingAlgo is the interface between the scheduling service and the
// algorithm deciding which jobs start now and which wait. Implementations
// mutate job and node state through the transaction provided; the service
// commits or aborts the transaction as a whole.
type SchedulingAlgo interface {
	Schedule(ctx *slatecontext.Context, txn *memdb.Txn) (*SchedulerResult, error)
}

// BackfillAlgo schedules pending jobs in strict priority order, starting each
// job immediately when a satisfying node set is free, and otherwise reserving
// the earliest future slot at which one becomes free. A reservation for a
// lower-priority job never claims a node during any instant already claimed
// by a higher-priority job's reservation, so backfill can never delay a
// higher-priority job's computed earliest start.
type BackfillAlgo struct {
	ledger   *ledger.Ledger
	enforcer *limits.Enforcer
	// Wall-clock budget for a single cycle, checked between job iterations.
	// Zero means no budget. Jobs not considered before the budget expires
	// simply wait for the next cycle.
	cycleBudget time.Duration
	// Injected here so tests can control time.
	clock clock.Clock
}

func NewBackfillAlgo(l *ledger.Ledger, enforcer *limits.Enforcer, cycleBudget time.Duration) *BackfillAlgo {
	return &BackfillAlgo{
		ledger:      l,
		enforcer:    enforcer,
		cycleBudget: cycleBudget,
		clock:       clock.RealClock{},
	}
}

func (algo *BackfillAlgo) Schedule(ctx *slatecontext.Context, txn *memdb.Txn) (*SchedulerResult, error) {
	now := algo.clock.Now()
	var deadline time.Time
	if algo.cycleBudget > 0 {
		deadline = now.Add(algo.cycleBudget)
	}

	running, err := algo.ledger.RunningJobs(txn)
	if err != nil {
		return nil, err
	}
	events := timetable.Project(running, now)
	free, err := algo.ledger.FreeNodes(txn)
	if err != nil {
		return nil, err
	}
	freeIds := make(map[string]bool, len(free))
	for _, node := range free {
		freeIds[node.Id] = true
	}
	allNodes, err := algo.ledger.AllNodes(txn)
	if err != nil {
		return nil, err
	}
	nodesById := make(map[string]*ledger.Node, len(allNodes))
	for _, node := range allNodes {
		nodesById[node.Id] = node
	}
	pending, err := algo.ledger.PendingJobs(txn)
	if err != nil {
		return nil, err
	}

	result := &SchedulerResult{
		ReasonByJobId:     make(map[string]string),
		TerminationReason: terminationAllConsidered,
	}
	// Reservations committed so far this cycle, in scheduling order. Started
	// jobs are recorded here too, as reservations beginning now, so that one
	// overlap check covers both cases.
	committed := make([]*Reservation, 0, len(pending))

	for _, job := range pending {
		select {
		case <-ctx.Done():
			result.TerminationReason = terminationCancelled
			return result, nil
		default:
		}
		if !deadline.IsZero() && algo.clock.Now().After(deadline) {
			result.TerminationReason = terminationBudget
			return result, nil
		}

		if err := algo.enforcer.Admit(job, now); err != nil {
			var violation *limits.LimitViolation
			if errors.As(err, &violation) {
				ctx.Log.WithField("job", job.Id).Infof("admission denied: %s", violation)
				if err := algo.recordPending(txn, job, violation.Reason, nil); err != nil {
					return nil, err
				}
				result.ReasonByJobId[job.Id] = violation.Reason
				continue
			}
			return nil, err
		}

		start, nodeIds, feasible := algo.earliestStart(job, free, nodesById, events, committed, now)
		if !feasible {
			if err := algo.recordPending(txn, job, ledger.ReasonResources, nil); err != nil {
				return nil, err
			}
			result.ReasonByJobId[job.Id] = ledger.ReasonResources
			continue
		}

		// A placement at now is an immediate start only if every chosen node
		// is actually FREE. An overdue running job is projected to free its
		// nodes at now, but they stay ALLOCATED until its completion report
		// arrives; a placement drawing on them becomes a reservation and
		// converts to a start on a later cycle.
		immediate := start.Equal(now)
		if immediate {
			for _, nodeId := range nodeIds {
				if !freeIds[nodeId] {
					immediate = false
					break
				}
			}
		}
		if immediate {
			started, err := algo.startJob(txn, job, nodeIds, now)
			if err != nil {
				return nil, err
			}
			committed = append(committed, &Reservation{
				JobId:   job.Id,
				Start:   now,
				End:     now.Add(job.TimeLimit),
				NodeIds: nodeIds,
			})
			result.StartedJobs = append(result.StartedJobs, started)
			continue
		}

		r := &Reservation{
			JobId:   job.Id,
			Start:   start,
			End:     start.Add(job.TimeLimit),
			NodeIds: nodeIds,
		}
		committed = append(committed, r)
		result.Reservations = append(result.Reservations, r)
		result.ReasonByJobId[job.Id] = ledger.ReasonResources
		if err := algo.recordPending(txn, job, ledger.ReasonResources, &start); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// earliestStart returns the earliest time at or after now at which a node set
// satisfying the job can be assembled without touching any node during an
// instant a previously committed reservation claims it. The third return is
// false if no candidate time is feasible, i.e., the request can never be
// satisfied by the current cluster.
func (algo *BackfillAlgo) earliestStart(
	job *ledger.Job,
	free []*ledger.Node,
	nodesById map[string]*ledger.Node,
	events []timetable.Event,
	committed []*Reservation,
	now time.Time,
) (time.Time, []string, bool) {
	for _, t := range candidateTimes(events, committed, now) {
		end := t.Add(job.TimeLimit)

		// Nodes free at time t: free now, plus those freed by projected
		// completions at or before t.
		avail := make([]*ledger.Node, 0, len(nodesById))
		avail = append(avail, free...)
		for _, event := range events {
			if event.Time.After(t) {
				break
			}
			for _, nodeId := range event.NodeIds {
				if node, ok := nodesById[nodeId]; ok {
					avail = append(avail, node)
				}
			}
		}

		// Drop any node a committed reservation claims during [t, end).
		// Committed reservations all belong to jobs strictly earlier in the
		// scheduling order, so this is exactly the no-delay invariant.
		claimed := make(map[string]bool)
		for _, r := range committed {
			if r.Overlaps(t, end) {
				for _, nodeId := range r.NodeIds {
					claimed[nodeId] = true
				}
			}
		}
		if len(claimed) > 0 {
			unclaimed := avail[:0]
			for _, node := range avail {
				if !claimed[node.Id] {
					unclaimed = append(unclaimed, node)
				}
			}
			avail = unclaimed
		}

		selected, err := selector.Select(job, avail)
		if err != nil {
			// Insufficient resources at this instant; advance to the next
			// candidate time.
			continue
		}
		nodeIds := commonslices.Map(selected, func(node *ledger.Node) string { return node.Id })
		return t, nodeIds, true
	}
	return time.Time{}, nil, false
}

// startJob transitions the job to RUNNING on the given nodes and charges its
// wall time to its QOS.
func (algo *BackfillAlgo) startJob(txn *memdb.Txn, job *ledger.Job, nodeIds []string, now time.Time) (*ledger.Job, error) {
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
	return started, nil
}

func (algo *BackfillAlgo) recordPending(txn *memdb.Txn, job *ledger.Job, reason string, projectedStart *time.Time) error {
	updated := job.DeepCopy()
	updated.PendingReason = reason
	updated.ProjectedStart = projectedStart
	return algo.ledger.UpsertJobs(txn, updated)
}

// candidateTimes returns, ascending and deduplicated, every instant at which
// node availability can change: now, each projected completion, and the end
// of each committed reservation. Availability is piecewise-constant between
// these instants, so no other start time needs to be tried.
func candidateTimes(events []timetable.Event, committed []*Reservation, now time.Time) []time.Time {
	seen := map[time.Time]bool{now: true}
	rv := []time.Time{now}
	for _, event := range events {
		if event.Time.After(now) && !seen[event.Time] {
			seen[event.Time] = true
			rv = append(rv, event.Time)
		}
	}
	for _, r := range committed {
		if r.End.After(now) && !seen[r.End] {
			seen[r.End] = true
			rv = append(rv, r.End)
		}
	}
	slices.SortFunc(rv, func(a, b time.Time) bool { return a.Before(b) })
	return rv
}
