package scheduler

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/slateproject/slate/internal/common"
	"github.com/slateproject/slate/internal/common/slatecontext"
	"github.com/slateproject/slate/internal/scheduler/configuration"
	"github.com/slateproject/slate/internal/scheduler/ledger"
	"github.com/slateproject/slate/internal/scheduler/limits"
)

// Run sets up the scheduler from configuration and drives scheduling cycles
// until the process receives an interrupt.
func Run(config configuration.Configuration) error {
	goctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx := slatecontext.New(goctx, logrus.NewEntry(logrus.StandardLogger()))

	ldgr, err := ledger.NewLedger()
	if err != nil {
		return err
	}
	if err := seedNodes(ldgr, config.Nodes); err != nil {
		return err
	}

	qoses := make([]*limits.QOS, len(config.QOS))
	for i, qc := range config.QOS {
		qoses[i] = &limits.QOS{Name: qc.Name, GrpWallMinutes: qc.GrpWallMinutes}
	}
	enforcer := limits.NewEnforcer(qoses, config.UsageHalfLife)

	var algo SchedulingAlgo
	switch config.Algorithm {
	case "fifo":
		algo = NewFifoAlgo(ldgr, enforcer)
	default:
		algo = NewBackfillAlgo(ldgr, enforcer, config.CycleBudget)
	}

	metrics := NewMetrics(prometheus.DefaultRegisterer)
	s := NewScheduler(ldgr, enforcer, algo, config.CyclePeriod, metrics)

	g, ctx := slatecontext.ErrGroup(ctx)
	if config.MetricsPort != 0 {
		srv := common.ServeMetrics(config.MetricsPort)
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		return s.Run(ctx)
	})
	return g.Wait()
}

// seedNodes populates the ledger with the configured cluster, all nodes FREE.
func seedNodes(ldgr *ledger.Ledger, groups []configuration.NodeGroupConfiguration) error {
	txn := ldgr.WriteTxn()
	defer txn.Abort()
	for _, group := range groups {
		for _, id := range group.NodeIds() {
			node := &ledger.Node{
				Id:         id,
				Features:   group.Features,
				Partitions: group.Partitions,
				State:      ledger.NodeFree,
			}
			if err := ldgr.UpsertNodes(txn, node); err != nil {
				return err
			}
		}
	}
	txn.Commit()
	return nil
}
