package limits

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slateproject/slate/internal/scheduler/ledger"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testJob(timeLimit time.Duration) *ledger.Job {
	return &ledger.Job{
		Id:        "j1",
		NumNodes:  1,
		TimeLimit: timeLimit,
		QOS:       "normal",
		State:     ledger.JobPending,
	}
}

func TestGrpWallPolicy(t *testing.T) {
	tests := map[string]struct {
		grpWallMinutes int64
		usedSeconds    float64
		timeLimit      time.Duration
		wantDenied     bool
	}{
		"no limit configured": {
			grpWallMinutes: 0,
			usedSeconds:    1e9,
			timeLimit:      24 * time.Hour,
			wantDenied:     false,
		},
		"well under the limit": {
			grpWallMinutes: 60,
			usedSeconds:    0,
			timeLimit:      30 * time.Minute,
			wantDenied:     false,
		},
		"exactly at the limit is allowed": {
			grpWallMinutes: 60,
			usedSeconds:    1800,
			timeLimit:      30 * time.Minute,
			wantDenied:     false,
		},
		"one second over the limit": {
			grpWallMinutes: 60,
			usedSeconds:    1800,
			timeLimit:      30*time.Minute + time.Second,
			wantDenied:     true,
		},
		"limit already exhausted": {
			grpWallMinutes: 60,
			usedSeconds:    3600,
			timeLimit:      time.Second,
			wantDenied:     true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			qos := &QOS{Name: "normal", GrpWallMinutes: tc.grpWallMinutes}
			usage := NewUsage(0)
			usage.Add(tc.usedSeconds, baseTime)

			err := GrpWallPolicy{}.Check(testJob(tc.timeLimit), qos, usage, baseTime)
			if tc.wantDenied {
				var violation *LimitViolation
				require.ErrorAs(t, err, &violation)
				assert.Equal(t, ledger.ReasonQOSGrpWallLimit, violation.Reason)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUsageDecay(t *testing.T) {
	usage := NewUsage(time.Hour)
	usage.Add(1000, baseTime)

	assert.InDelta(t, 1000, usage.WallSeconds(baseTime), 1e-9)
	assert.InDelta(t, 500, usage.WallSeconds(baseTime.Add(time.Hour)), 1e-6)
	assert.InDelta(t, 250, usage.WallSeconds(baseTime.Add(2*time.Hour)), 1e-6)

	// A sufficiently long idle period drives usage to zero for admission purposes.
	assert.Less(t, usage.WallSeconds(baseTime.Add(100*time.Hour)), 1e-20)
}

func TestUsageDecayDisabled(t *testing.T) {
	usage := NewUsage(0)
	usage.Add(1000, baseTime)
	assert.Equal(t, float64(1000), usage.WallSeconds(baseTime.Add(1000*time.Hour)))
}

func TestUsageAddFoldsInDecay(t *testing.T) {
	usage := NewUsage(time.Hour)
	usage.Add(1000, baseTime)
	usage.Add(100, baseTime.Add(time.Hour))
	assert.InDelta(t, 600, usage.WallSeconds(baseTime.Add(time.Hour)), 1e-6)
}

func TestEnforcerAdmit(t *testing.T) {
	enforcer := NewEnforcer([]*QOS{{Name: "normal", GrpWallMinutes: 1}}, 0)

	job := testJob(30 * time.Second)
	require.NoError(t, enforcer.Admit(job, baseTime))

	enforcer.ChargeStart(job, baseTime)
	require.NoError(t, enforcer.Admit(job, baseTime))
	enforcer.ChargeStart(job, baseTime)

	// 60s consumed of a 1 minute GrpWall: any further job is denied.
	var violation *LimitViolation
	err := enforcer.Admit(testJob(time.Second), baseTime)
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ledger.ReasonQOSGrpWallLimit, violation.Reason)
}

func TestEnforcerAdmitUnknownQOS(t *testing.T) {
	enforcer := NewEnforcer(nil, 0)
	job := testJob(time.Second)
	job.QOS = "missing"

	err := enforcer.Admit(job, baseTime)
	require.Error(t, err)
	var violation *LimitViolation
	assert.False(t, errors.As(err, &violation), "unknown qos is an internal error, not a limit violation")
}

func TestResetUsageIdempotent(t *testing.T) {
	enforcer := NewEnforcer([]*QOS{{Name: "normal", GrpWallMinutes: 1}}, 0)
	enforcer.ChargeStart(testJob(time.Hour), baseTime)
	require.Greater(t, enforcer.UsageWallSeconds("normal", baseTime), 0.0)

	enforcer.ResetUsage("normal")
	first := enforcer.UsageWallSeconds("normal", baseTime)
	enforcer.ResetUsage("normal")
	second := enforcer.UsageWallSeconds("normal", baseTime)

	assert.Equal(t, 0.0, first)
	assert.Equal(t, first, second)

	// Resetting an unknown QOS is a no-op.
	enforcer.ResetUsage("missing")
}

func TestResetAllUsage(t *testing.T) {
	enforcer := NewEnforcer([]*QOS{{Name: "a"}, {Name: "b"}}, 0)
	jobA := testJob(time.Hour)
	jobA.QOS = "a"
	jobB := testJob(time.Hour)
	jobB.QOS = "b"
	enforcer.ChargeStart(jobA, baseTime)
	enforcer.ChargeStart(jobB, baseTime)

	enforcer.ResetAllUsage()
	assert.Equal(t, 0.0, enforcer.UsageWallSeconds("a", baseTime))
	assert.Equal(t, 0.0, enforcer.UsageWallSeconds("b", baseTime))
}
