// Package limits implements the QOS admission gate: per-QOS usage counters
// that decay over time, and pluggable limit policies that decide whether a
// pending job may be considered for scheduling at all.
package limits

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/slateproject/slate/internal/scheduler/ledger"
)

// QOS is a named policy bundle attached to jobs at submission.
type QOS struct {
	// QOS name, e.g., "normal" or "debug".
	Name string
	// Maximum aggregate wall-clock time, in minutes, consumable by all jobs
	// charged to this QOS. Zero means unlimited.
	GrpWallMinutes int64
}

// LimitViolation is returned by a LimitPolicy when a job may not be admitted.
// It is not an error condition: the job stays PENDING carrying Reason until
// usage decays, is reset, or the limit is raised.
type LimitViolation struct {
	// Pending-reason code of the form QOS<LimitName>Limit.
	Reason string
	// Human-readable detail for logs.
	Detail string
}

func (v *LimitViolation) Error() string {
	return fmt.Sprintf("%s: %s", v.Reason, v.Detail)
}

// LimitPolicy decides whether admitting a job would exceed one kind of QOS
// limit. Implementations must be pure: same inputs, same answer.
type LimitPolicy interface {
	// Name of the limit, e.g., "GrpWall".
	Name() string
	// Check returns nil to admit, or a *LimitViolation to deny.
	Check(job *ledger.Job, qos *QOS, usage *Usage, now time.Time) error
}

// Usage is a decaying consumption counter for one QOS. The decayed value is a
// pure function of the last recorded value, the time it was recorded, and the
// decay half-life; no background timer updates it.
type Usage struct {
	// Wall-clock seconds recorded at lastUpdate, before decay.
	wallSeconds float64
	lastUpdate  time.Time
	// Half-life of the decay. Zero disables decay entirely.
	halfLife time.Duration
}

func NewUsage(halfLife time.Duration) *Usage {
	return &Usage{halfLife: halfLife}
}

// WallSeconds returns the decayed wall-clock usage at the given instant.
func (u *Usage) WallSeconds(now time.Time) float64 {
	if u.wallSeconds == 0 {
		return 0
	}
	if u.halfLife <= 0 {
		return u.wallSeconds
	}
	elapsed := now.Sub(u.lastUpdate)
	if elapsed <= 0 {
		return u.wallSeconds
	}
	return u.wallSeconds * math.Exp2(-elapsed.Seconds()/u.halfLife.Seconds())
}

// Add charges additional wall-clock seconds at the given instant, folding in
// any decay accrued since the previous update.
func (u *Usage) Add(wallSeconds float64, now time.Time) {
	u.wallSeconds = u.WallSeconds(now) + wallSeconds
	u.lastUpdate = now
}

// Reset forces the counter to zero. Idempotent.
func (u *Usage) Reset() {
	u.wallSeconds = 0
	u.lastUpdate = time.Time{}
}

// GrpWallPolicy denies admission when the QOS's decayed wall-clock usage plus
// the job's requested wall time would exceed the configured GrpWall cap.
// Jobs are charged their full requested wall time when they start.
type GrpWallPolicy struct{}

func (GrpWallPolicy) Name() string { return "GrpWall" }

func (GrpWallPolicy) Check(job *ledger.Job, qos *QOS, usage *Usage, now time.Time) error {
	if qos.GrpWallMinutes <= 0 {
		return nil
	}
	limit := float64(qos.GrpWallMinutes * 60)
	projected := usage.WallSeconds(now) + job.TimeLimit.Seconds()
	if projected > limit {
		return &LimitViolation{
			Reason: ledger.ReasonQOSGrpWallLimit,
			Detail: fmt.Sprintf("projected usage %.0fs exceeds GrpWall %.0fs for qos %s", projected, limit, qos.Name),
		}
	}
	return nil
}

// Enforcer gates jobs on their QOS's limits and tracks per-QOS usage.
// It is not safe for concurrent use; the scheduling cycle owns it.
type Enforcer struct {
	qosByName   map[string]*QOS
	usageByName map[string]*Usage
	policies    []LimitPolicy
	halfLife    time.Duration
}

func NewEnforcer(qoses []*QOS, usageHalfLife time.Duration) *Enforcer {
	qosByName := make(map[string]*QOS, len(qoses))
	usageByName := make(map[string]*Usage, len(qoses))
	for _, qos := range qoses {
		qosByName[qos.Name] = qos
		usageByName[qos.Name] = NewUsage(usageHalfLife)
	}
	return &Enforcer{
		qosByName:   qosByName,
		usageByName: usageByName,
		policies:    []LimitPolicy{GrpWallPolicy{}},
		halfLife:    usageHalfLife,
	}
}

// KnownQOS returns true if the named QOS is configured.
func (e *Enforcer) KnownQOS(name string) bool {
	_, ok := e.qosByName[name]
	return ok
}

// Admit returns nil if the job clears every limit policy of its QOS, or the
// first *LimitViolation encountered. A job referencing an unknown QOS is an
// internal error: submission validation should have rejected it.
func (e *Enforcer) Admit(job *ledger.Job, now time.Time) error {
	qos, ok := e.qosByName[job.QOS]
	if !ok {
		return errors.Errorf("job %s references unknown qos %q", job.Id, job.QOS)
	}
	usage := e.usageByName[job.QOS]
	for _, policy := range e.policies {
		if err := policy.Check(job, qos, usage, now); err != nil {
			return err
		}
	}
	return nil
}

// ChargeStart records the job's requested wall time against its QOS.
// Called when the job transitions to RUNNING.
func (e *Enforcer) ChargeStart(job *ledger.Job, now time.Time) {
	if usage, ok := e.usageByName[job.QOS]; ok {
		usage.Add(job.TimeLimit.Seconds(), now)
	}
}

// UsageWallSeconds returns the decayed wall-clock usage for the named QOS.
func (e *Enforcer) UsageWallSeconds(qosName string, now time.Time) float64 {
	if usage, ok := e.usageByName[qosName]; ok {
		return usage.WallSeconds(now)
	}
	return 0
}

// ResetUsage forces the named QOS's counters to zero. Idempotent; unknown
// names are ignored. Intended for administrative and test use only.
func (e *Enforcer) ResetUsage(qosName string) {
	if usage, ok := e.usageByName[qosName]; ok {
		usage.Reset()
	}
}

// ResetAllUsage forces every QOS's counters to zero.
func (e *Enforcer) ResetAllUsage() {
	for _, usage := range e.usageByName {
		usage.Reset()
	}
}
