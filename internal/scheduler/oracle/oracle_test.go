package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slateproject/slate/internal/scheduler/ledger"
	"github.com/slateproject/slate/internal/scheduler/testfixtures"
)

func TestPredict(t *testing.T) {
	now := testfixtures.BaseTime
	tests := map[string]struct {
		nodes    []*ledger.Node
		jobs     []*ledger.Job
		expected map[string]time.Time
	}{
		"empty cluster and queue": {
			nodes:    nil,
			jobs:     nil,
			expected: map[string]time.Time{},
		},
		"immediate start on idle cluster": {
			nodes: testfixtures.Cluster(2),
			jobs: []*ledger.Job{
				testfixtures.PendingJob("j1", 1, 1, 2, time.Hour),
			},
			expected: map[string]time.Time{"j1": now},
		},
		"waits for a running job": {
			nodes: func() []*ledger.Node {
				nodes := testfixtures.Cluster(1)
				testfixtures.AllocateTo(nodes, "running", "n0")
				return nodes
			}(),
			jobs: []*ledger.Job{
				testfixtures.RunningJob("running", []string{"n0"}, now, time.Hour),
				testfixtures.PendingJob("j1", 1, 1, 1, time.Hour),
			},
			expected: map[string]time.Time{"j1": now.Add(time.Hour)},
		},
		"equal priority served in submission order": {
			nodes: testfixtures.Cluster(1),
			jobs: []*ledger.Job{
				testfixtures.PendingJob("later", 1, 2, 1, time.Hour),
				testfixtures.PendingJob("earlier", 1, 1, 1, time.Hour),
			},
			expected: map[string]time.Time{
				"earlier": now,
				"later":   now.Add(time.Hour),
			},
		},
		"infeasible job has no prediction": {
			nodes: testfixtures.Cluster(1),
			jobs: []*ledger.Job{
				testfixtures.PendingJob("too-big", 1, 1, 2, time.Hour),
			},
			expected: map[string]time.Time{},
		},
		"down nodes are never counted": {
			nodes: []*ledger.Node{
				{Id: "n0", Partitions: []string{testfixtures.TestPartition}, State: ledger.NodeDown},
			},
			jobs: []*ledger.Job{
				testfixtures.PendingJob("j1", 1, 1, 1, time.Hour),
			},
			expected: map[string]time.Time{},
		},
		"low priority backfills into a gap": {
			nodes: func() []*ledger.Node {
				nodes := testfixtures.Cluster(2)
				testfixtures.AllocateTo(nodes, "running", "n0")
				return nodes
			}(),
			jobs: []*ledger.Job{
				testfixtures.RunningJob("running", []string{"n0"}, now, 2*time.Hour),
				testfixtures.PendingJob("wide", 10, 1, 2, time.Hour),
				testfixtures.PendingJob("short", 1, 2, 1, time.Hour),
			},
			expected: map[string]time.Time{
				"wide":  now.Add(2 * time.Hour),
				"short": now,
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Predict(tc.nodes, tc.jobs, now))
		})
	}
}
