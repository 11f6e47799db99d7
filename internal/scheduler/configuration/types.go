package configuration

import (
	"fmt"
	"time"
)

// Configuration is the top-level scheduler configuration, loaded from
// config/scheduler/config.yaml via viper.
type Configuration struct {
	// Which scheduling algorithm drives cycles: "backfill" or "fifo".
	Algorithm string `validate:"required,oneof=backfill fifo"`
	// Minimum duration between scheduling cycles.
	CyclePeriod time.Duration `validate:"required"`
	// Wall-clock budget for a single cycle. Zero disables the budget.
	CycleBudget time.Duration
	// Half-life of QOS usage decay. Zero disables decay.
	UsageHalfLife time.Duration
	// Port the prometheus metrics endpoint listens on.
	MetricsPort uint16
	// QOS definitions jobs may be charged to.
	QOS []QOSConfiguration `validate:"required,dive"`
	// Node groups making up the cluster.
	Nodes []NodeGroupConfiguration `validate:"required,dive"`
}

// QOSConfiguration defines one QOS and its limits.
type QOSConfiguration struct {
	Name string `validate:"required"`
	// Maximum aggregate wall-clock minutes consumable by all jobs charged to
	// this QOS. Zero means unlimited.
	GrpWallMinutes int64
}

// NodeGroupConfiguration defines a homogeneous group of nodes, named
// <Prefix>0 .. <Prefix>N-1.
type NodeGroupConfiguration struct {
	Prefix     string `validate:"required"`
	Count      int    `validate:"required,min=1"`
	Features   []string
	Partitions []string `validate:"required,min=1"`
}

// NodeIds returns the ids of the nodes in the group.
func (c NodeGroupConfiguration) NodeIds() []string {
	rv := make([]string, c.Count)
	for i := 0; i < c.Count; i++ {
		rv[i] = fmt.Sprintf("%s%d", c.Prefix, i)
	}
	return rv
}
