package timetable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slateproject/slate/internal/scheduler/ledger"
	"github.com/slateproject/slate/internal/scheduler/testfixtures"
)

func TestProject(t *testing.T) {
	now := testfixtures.BaseTime
	tests := map[string]struct {
		jobs     []*ledger.Job
		expected []Event
	}{
		"no running jobs": {
			jobs:     nil,
			expected: []Event{},
		},
		"events ordered by completion time": {
			jobs: []*ledger.Job{
				testfixtures.RunningJob("j1", []string{"n0"}, now, 2*time.Hour),
				testfixtures.RunningJob("j2", []string{"n1"}, now, time.Hour),
			},
			expected: []Event{
				{Time: now.Add(time.Hour), NodeIds: []string{"n1"}},
				{Time: now.Add(2 * time.Hour), NodeIds: []string{"n0"}},
			},
		},
		"simultaneous completions merged": {
			jobs: []*ledger.Job{
				testfixtures.RunningJob("j1", []string{"n1"}, now, time.Hour),
				testfixtures.RunningJob("j2", []string{"n0", "n2"}, now, time.Hour),
			},
			expected: []Event{
				{Time: now.Add(time.Hour), NodeIds: []string{"n0", "n1", "n2"}},
			},
		},
		"overdue job projected to free nodes now": {
			jobs: []*ledger.Job{
				testfixtures.RunningJob("j1", []string{"n0"}, now.Add(-3*time.Hour), time.Hour),
			},
			expected: []Event{
				{Time: now, NodeIds: []string{"n0"}},
			},
		},
		"pending jobs ignored": {
			jobs: []*ledger.Job{
				testfixtures.PendingJob("j1", 1, 1, 1, time.Hour),
			},
			expected: []Event{},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Project(tc.jobs, now))
		})
	}
}
