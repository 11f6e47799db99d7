package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/slateproject/slate/internal/common/slatecontext"
	"github.com/slateproject/slate/internal/scheduler/ledger"
	"github.com/slateproject/slate/internal/scheduler/limits"
	"github.com/slateproject/slate/internal/scheduler/testfixtures"
)

func newTestScheduler(t *testing.T, numNodes int, qoses []*limits.QOS, clk clock.Clock) *Scheduler {
	t.Helper()
	l := newTestLedger(t, testfixtures.Cluster(numNodes), nil)
	enforcer := limits.NewEnforcer(qoses, 0)
	algo := NewBackfillAlgo(l, enforcer, 0)
	algo.clock = clk
	s := NewScheduler(l, enforcer, algo, 10*time.Second, nil)
	s.clock = clk
	return s
}

func normalQOS() []*limits.QOS {
	return []*limits.QOS{{Name: testfixtures.TestQOS}}
}

func validRequest() *JobRequest {
	return &JobRequest{
		Account:   "acct",
		QOS:       testfixtures.TestQOS,
		Partition: testfixtures.TestPartition,
		NumNodes:  1,
		TimeLimit: time.Hour,
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := map[string]struct {
		mutate func(*JobRequest)
	}{
		"zero node count": {
			mutate: func(req *JobRequest) { req.NumNodes = 0 },
		},
		"negative node count": {
			mutate: func(req *JobRequest) { req.NumNodes = -1 },
		},
		"zero time limit": {
			mutate: func(req *JobRequest) { req.TimeLimit = 0 },
		},
		"unknown qos": {
			mutate: func(req *JobRequest) { req.QOS = "missing" },
		},
		"unknown partition": {
			mutate: func(req *JobRequest) { req.Partition = "missing" },
		},
		"more nodes than the partition has": {
			mutate: func(req *JobRequest) { req.NumNodes = 3 },
		},
		"feature no node has": {
			mutate: func(req *JobRequest) { req.RequiredFeatures = []string{"quantum"} },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestScheduler(t, 2, normalQOS(), clock.NewFakeClock(testfixtures.BaseTime))
			req := validRequest()
			tc.mutate(req)

			_, err := s.Submit(req)
			var invalid *ErrInvalidRequest
			require.ErrorAs(t, err, &invalid)

			// Invalid requests never enter the ledger.
			jobs, err := s.ledger.AllJobs(s.ledger.ReadTxn())
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestSubmitRunQuery(t *testing.T) {
	now := testfixtures.BaseTime
	s := newTestScheduler(t, 2, normalQOS(), clock.NewFakeClock(now))

	jobId, err := s.Submit(validRequest())
	require.NoError(t, err)

	// Queued but not yet applied: visible as PENDING.
	status, err := s.JobStatus(jobId)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobPending, status.State)

	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)

	status, err = s.JobStatus(jobId)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobRunning, status.State)
	assert.Len(t, status.AssignedNodes, 1)
	require.NotNil(t, status.ProjectedStart)
	assert.Equal(t, now, *status.ProjectedStart)

	_, err = s.JobStatus("no-such-job")
	var notFound *ErrJobNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestCancel(t *testing.T) {
	now := testfixtures.BaseTime
	s := newTestScheduler(t, 1, normalQOS(), clock.NewFakeClock(now))

	runningId, err := s.Submit(validRequest())
	require.NoError(t, err)
	pendingId, err := s.Submit(validRequest())
	require.NoError(t, err)
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)

	s.Cancel(runningId, pendingId, "never-existed")
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)

	for _, jobId := range []string{runningId, pendingId} {
		status, err := s.JobStatus(jobId)
		require.NoError(t, err)
		assert.Equal(t, ledger.JobCancelled, status.State)
		assert.Empty(t, status.AssignedNodes)
	}

	// The running job's node is free again.
	free, err := s.ledger.FreeNodes(s.ledger.ReadTxn())
	require.NoError(t, err)
	assert.Len(t, free, 1)

	// Cancellation is idempotent on terminal jobs.
	s.Cancel(runningId)
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)
	status, err := s.JobStatus(runningId)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobCancelled, status.State)
}

func TestMarkDoneFreesNodes(t *testing.T) {
	now := testfixtures.BaseTime
	clk := clock.NewFakeClock(now)
	s := newTestScheduler(t, 1, normalQOS(), clk)

	firstId, err := s.Submit(validRequest())
	require.NoError(t, err)
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)

	secondId, err := s.Submit(validRequest())
	require.NoError(t, err)
	s.MarkDone(firstId)
	clk.SetTime(now.Add(time.Hour))

	result, err := s.RunCycle(slatecontext.Background())
	require.NoError(t, err)
	require.Len(t, result.StartedJobs, 1)
	assert.Equal(t, secondId, result.StartedJobs[0].Id)

	status, err := s.JobStatus(firstId)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobDone, status.State)
}

func TestLedgerCorruptionIsFatalAndRolledBack(t *testing.T) {
	now := testfixtures.BaseTime
	s := newTestScheduler(t, 1, normalQOS(), clock.NewFakeClock(now))

	// Corrupt the ledger behind the scheduler's back.
	txn := s.ledger.WriteTxn()
	require.NoError(t, s.ledger.UpsertNodes(txn, &ledger.Node{Id: "broken", State: ledger.NodeAllocated}))
	txn.Commit()

	jobId, err := s.Submit(validRequest())
	require.NoError(t, err)

	_, err = s.RunCycle(slatecontext.Background())
	var corrupt *ledger.ErrLedgerCorrupt
	require.ErrorAs(t, err, &corrupt)

	// The failed cycle committed nothing: the queued submission was rolled
	// back along with everything else.
	_, err = s.JobStatus(jobId)
	var notFound *ErrJobNotFound
	assert.ErrorAs(t, err, &notFound)
}

// Six jobs, each consuming the partition's full node set for a sixth of the
// QOS's wall limit, exhaust GrpWall exactly; a seventh job requesting any
// positive wall time must be held with reason QOSGrpWallLimit until the usage
// counters are reset.
func TestGrpWallScenario(t *testing.T) {
	const limitMinutes = 6
	now := testfixtures.BaseTime
	clk := clock.NewFakeClock(now)
	qoses := []*limits.QOS{{Name: testfixtures.TestQOS, GrpWallMinutes: limitMinutes}}
	s := newTestScheduler(t, 2, qoses, clk)

	perJob := limitMinutes * 60 / 6 * time.Second
	for i := 0; i < 6; i++ {
		req := validRequest()
		req.NumNodes = 2
		req.TimeLimit = perJob
		jobId, err := s.Submit(req)
		require.NoError(t, err)

		_, err = s.RunCycle(slatecontext.Background())
		require.NoError(t, err)
		status, err := s.JobStatus(jobId)
		require.NoError(t, err)
		require.Equal(t, ledger.JobRunning, status.State, "job %d should start", i)

		clk.SetTime(clk.Now().Add(perJob))
		s.MarkDone(jobId)
	}

	seventh := validRequest()
	seventh.TimeLimit = time.Second
	seventhId, err := s.Submit(seventh)
	require.NoError(t, err)
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)

	status, err := s.JobStatus(seventhId)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobPending, status.State)
	assert.Equal(t, ledger.ReasonQOSGrpWallLimit, status.PendingReason)

	// After a usage reset an identical job is admitted and runs.
	s.ResetUsage(testfixtures.TestQOS)
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)

	status, err = s.JobStatus(seventhId)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobRunning, status.State)
}

func TestResetAllUsageRequest(t *testing.T) {
	now := testfixtures.BaseTime
	qoses := []*limits.QOS{
		{Name: testfixtures.TestQOS, GrpWallMinutes: 1},
	}
	s := newTestScheduler(t, 1, qoses, clock.NewFakeClock(now))

	req := validRequest()
	req.TimeLimit = time.Minute
	_, err := s.Submit(req)
	require.NoError(t, err)
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)
	require.Greater(t, s.enforcer.UsageWallSeconds(testfixtures.TestQOS, now), 0.0)

	s.ResetAllUsage()
	_, err = s.RunCycle(slatecontext.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.enforcer.UsageWallSeconds(testfixtures.TestQOS, now))
}

func TestSubmissionOrderBreaksPriorityTies(t *testing.T) {
	now := testfixtures.BaseTime
	s := newTestScheduler(t, 1, normalQOS(), clock.NewFakeClock(now))

	var ids []string
	for i := 0; i < 3; i++ {
		jobId, err := s.Submit(validRequest())
		require.NoError(t, err)
		ids = append(ids, jobId)
	}
	result, err := s.RunCycle(slatecontext.Background())
	require.NoError(t, err)

	require.Len(t, result.StartedJobs, 1)
	assert.Equal(t, ids[0], result.StartedJobs[0].Id)

	// The rest queue up behind it in submission order.
	require.Len(t, result.Reservations, 2)
	assert.Equal(t, ids[1], result.Reservations[0].JobId)
	assert.Equal(t, ids[2], result.Reservations[1].JobId)
	assert.True(t, result.Reservations[0].Start.Before(result.Reservations[1].Start))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestScheduler(t, 1, normalQOS(), clock.RealClock{})
	s.cyclePeriod = time.Millisecond

	ctx, cancel := slatecontext.WithTimeout(slatecontext.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
