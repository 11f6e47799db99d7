// Package testfixtures provides shared objects for scheduler tests.
package testfixtures

import (
	"fmt"
	"time"

	"github.com/slateproject/slate/internal/scheduler/ledger"
)

const (
	TestPartition = "batch"
	TestQOS       = "normal"
)

// BaseTime is the instant scheduling tests use as "now".
var BaseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Cluster returns n FREE nodes named n0..n<n-1>, all in TestPartition.
func Cluster(n int) []*ledger.Node {
	rv := make([]*ledger.Node, n)
	for i := 0; i < n; i++ {
		rv[i] = &ledger.Node{
			Id:         fmt.Sprintf("n%d", i),
			Partitions: []string{TestPartition},
			State:      ledger.NodeFree,
		}
	}
	return rv
}

// GpuNode returns a FREE node with the gpu feature in TestPartition.
func GpuNode(id string) *ledger.Node {
	return &ledger.Node{
		Id:         id,
		Features:   []string{"gpu"},
		Partitions: []string{TestPartition},
		State:      ledger.NodeFree,
	}
}

// PendingJob returns a PENDING job in TestPartition charged to TestQOS.
func PendingJob(id string, priority uint32, submitted int64, numNodes int, timeLimit time.Duration) *ledger.Job {
	return &ledger.Job{
		Id:        id,
		Priority:  priority,
		Submitted: submitted,
		NumNodes:  numNodes,
		TimeLimit: timeLimit,
		QOS:       TestQOS,
		Partition: TestPartition,
		State:     ledger.JobPending,
	}
}

// RunningJob returns a RUNNING job holding the given nodes since startedAt.
func RunningJob(id string, nodes []string, startedAt time.Time, timeLimit time.Duration) *ledger.Job {
	start := startedAt
	return &ledger.Job{
		Id:             id,
		NumNodes:       len(nodes),
		TimeLimit:      timeLimit,
		QOS:            TestQOS,
		Partition:      TestPartition,
		State:          ledger.JobRunning,
		StartedAt:      startedAt,
		ProjectedStart: &start,
		AssignedNodes:  nodes,
	}
}

// AllocateTo marks the given nodes ALLOCATED to the given job, mirroring what
// the ledger does when a job starts.
func AllocateTo(nodes []*ledger.Node, jobId string, nodeIds ...string) {
	for _, node := range nodes {
		for _, id := range nodeIds {
			if node.Id == id {
				node.State = ledger.NodeAllocated
				node.JobId = jobId
			}
		}
	}
}
