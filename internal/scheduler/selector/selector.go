// Package selector chooses the concrete node set a job runs on.
package selector

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/slateproject/slate/internal/scheduler/ledger"
)

// ErrInsufficientResources indicates no node set satisfying the job's
// constraints could be drawn from the candidate nodes. It is not a fault:
// the job simply waits for cluster state to change.
type ErrInsufficientResources struct {
	JobId     string
	Requested int
	Available int
}

func (err *ErrInsufficientResources) Error() string {
	return fmt.Sprintf(
		"job %s requires %d matching nodes, but only %d are available",
		err.JobId, err.Requested, err.Available,
	)
}

// Select returns a node set of exactly job.NumNodes members drawn from
// candidates, every member belonging to the job's partition and carrying all
// of its required features. Ties are broken deterministically by taking the
// lowest node ids first, so repeated calls with identical input return the
// identical set; the oracle depends on this for verification.
func Select(job *ledger.Job, candidates []*ledger.Node) ([]*ledger.Node, error) {
	matching := make([]*ledger.Node, 0, len(candidates))
	for _, node := range candidates {
		if !node.InPartition(job.Partition) {
			continue
		}
		if !node.HasFeatures(job.RequiredFeatures) {
			continue
		}
		matching = append(matching, node)
	}
	if len(matching) < job.NumNodes {
		return nil, &ErrInsufficientResources{
			JobId:     job.Id,
			Requested: job.NumNodes,
			Available: len(matching),
		}
	}
	slices.SortFunc(matching, func(a, b *ledger.Node) bool { return a.Id < b.Id })
	return matching[:job.NumNodes], nil
}
