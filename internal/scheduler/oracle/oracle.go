// Package oracle recomputes expected job start times for a cluster snapshot
// without any of the scheduler's incremental machinery. It keeps a busy
// interval list per node and, for each job in scheduling order, scans for the
// earliest window during which enough matching nodes are continuously idle.
// It exists to validate scheduler output in tests; any divergence is a
// scheduler defect.
package oracle

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/slateproject/slate/internal/scheduler/ledger"
)

type interval struct {
	start time.Time
	end   time.Time
}

func (iv interval) overlaps(start, end time.Time) bool {
	return iv.start.Before(end) && start.Before(iv.end)
}

// Predict returns the expected start time of every PENDING job in the
// snapshot that can ever run on the given nodes, keyed by job id. RUNNING
// jobs seed node occupancy; jobs in terminal states are ignored. Jobs that
// can never be satisfied (for example, more nodes requested than match) have
// no entry.
//
// Tie-breaks match the scheduler's documented ones: jobs in priority order
// (greater value first, then submission order, then id), nodes by lowest id
// first. Under those rules the prediction is ground truth: for every job the
// scheduler's projected start must equal the predicted one exactly.
func Predict(nodes []*ledger.Node, jobs []*ledger.Job, now time.Time) map[string]time.Time {
	busyByNode := make(map[string][]interval, len(nodes))
	usable := make([]*ledger.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.State == ledger.NodeDown {
			continue
		}
		usable = append(usable, node)
		busyByNode[node.Id] = nil
	}
	slices.SortFunc(usable, func(a, b *ledger.Node) bool { return a.Id < b.Id })

	pending := make([]*ledger.Job, 0, len(jobs))
	for _, job := range jobs {
		switch job.State {
		case ledger.JobRunning:
			end := job.ProjectedEnd()
			if end.Before(now) {
				end = now
			}
			for _, nodeId := range job.AssignedNodes {
				busyByNode[nodeId] = append(busyByNode[nodeId], interval{start: now, end: end})
			}
		case ledger.JobPending:
			pending = append(pending, job)
		}
	}
	slices.SortFunc(pending, func(a, b *ledger.Job) bool { return ledger.SchedulingOrder(a, b) < 0 })

	predicted := make(map[string]time.Time, len(pending))
	for _, job := range pending {
		start, nodeIds, ok := earliestWindow(job, usable, busyByNode, now)
		if !ok {
			continue
		}
		predicted[job.Id] = start
		for _, nodeId := range nodeIds {
			busyByNode[nodeId] = append(busyByNode[nodeId], interval{start: start, end: start.Add(job.TimeLimit)})
		}
	}
	return predicted
}

// earliestWindow finds the earliest t >= now such that job.NumNodes matching
// nodes are idle throughout [t, t+job.TimeLimit), and returns the lowest-id
// such nodes. Candidate times are now and every busy-interval right endpoint:
// idleness can only begin at one of those instants.
func earliestWindow(
	job *ledger.Job,
	nodes []*ledger.Node,
	busyByNode map[string][]interval,
	now time.Time,
) (time.Time, []string, bool) {
	matching := make([]*ledger.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.InPartition(job.Partition) && node.HasFeatures(job.RequiredFeatures) {
			matching = append(matching, node)
		}
	}
	if len(matching) < job.NumNodes {
		return time.Time{}, nil, false
	}

	candidateSet := map[time.Time]bool{now: true}
	for _, ivs := range busyByNode {
		for _, iv := range ivs {
			if iv.end.After(now) {
				candidateSet[iv.end] = true
			}
		}
	}
	candidates := maps.Keys(candidateSet)
	slices.SortFunc(candidates, func(a, b time.Time) bool { return a.Before(b) })

	for _, t := range candidates {
		end := t.Add(job.TimeLimit)
		chosen := make([]string, 0, job.NumNodes)
		for _, node := range matching {
			if idleThroughout(busyByNode[node.Id], t, end) {
				chosen = append(chosen, node.Id)
				if len(chosen) == job.NumNodes {
					break
				}
			}
		}
		if len(chosen) == job.NumNodes {
			return t, chosen, true
		}
	}
	return time.Time{}, nil, false
}

func idleThroughout(busy []interval, start, end time.Time) bool {
	for _, iv := range busy {
		if iv.overlaps(start, end) {
			return false
		}
	}
	return true
}
