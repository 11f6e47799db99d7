// Package timetable projects future node availability from the remaining
// time of currently running jobs.
package timetable

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	commonslices "github.com/slateproject/slate/internal/common/slices"
	"github.com/slateproject/slate/internal/scheduler/ledger"
)

// Event records that a set of nodes becomes free at a point in time.
type Event struct {
	Time    time.Time
	NodeIds []string
}

// Project returns the sequence of projected node-free events implied by the
// given RUNNING jobs, strictly ordered by time ascending, one event per
// distinct completion time. A job already past its limit is projected to
// free its nodes at now. Jobs not in state RUNNING are ignored.
//
// Project is a pure function of its inputs: it is rebuilt fresh each
// scheduling cycle and never mutates the ledger.
func Project(jobs []*ledger.Job, now time.Time) []Event {
	running := make([]*ledger.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.State == ledger.JobRunning {
			running = append(running, job)
		}
	}
	jobsByEnd := commonslices.GroupByFunc(running, func(job *ledger.Job) time.Time {
		end := job.ProjectedEnd()
		if end.Before(now) {
			return now
		}
		return end
	})
	times := maps.Keys(jobsByEnd)
	slices.SortFunc(times, func(a, b time.Time) bool { return a.Before(b) })
	rv := make([]Event, len(times))
	for i, t := range times {
		var nodeIds []string
		for _, job := range jobsByEnd[t] {
			nodeIds = append(nodeIds, job.AssignedNodes...)
		}
		slices.Sort(nodeIds)
		rv[i] = Event{Time: t, NodeIds: nodeIds}
	}
	return rv
}
