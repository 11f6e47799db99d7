package ledger

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/slateproject/slate/internal/common/slices"
)

const (
	jobsTable  = "jobs"
	nodesTable = "nodes"
	idIndex    = "id"    // index for looking up jobs/nodes by id
	orderIndex = "order" // index for iterating jobs of a given state in scheduling order
	stateIndex = "state" // index for looking up nodes by availability state
)

// Ledger is the authoritative in-memory store of cluster state: all jobs and
// all nodes. It allows for efficiently iterating over PENDING jobs in
// scheduling order (greater priority value first, then submission order).
// Ledger is implemented on top of https://github.com/hashicorp/go-memdb which
// is a simple in-memory database built on immutable radix trees, so read
// transactions observe a consistent snapshot for the duration of a scheduling
// cycle.
type Ledger struct {
	// In-memory database. Stores *Job and *Node.
	db *memdb.MemDB
}

// ErrLedgerCorrupt indicates the Ledger failed an internal-consistency check.
// It is fatal to the scheduling cycle that detects it.
type ErrLedgerCorrupt struct {
	Violations error
}

func (err *ErrLedgerCorrupt) Error() string {
	return fmt.Sprintf("ledger state is corrupt: %s", err.Violations)
}

func NewLedger() (*Ledger, error) {
	db, err := memdb.NewMemDB(ledgerSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Ledger{db: db}, nil
}

// ReadTxn returns a read-only transaction observing a consistent snapshot.
func (l *Ledger) ReadTxn() *memdb.Txn {
	return l.db.Txn(false)
}

// WriteTxn returns a write transaction. At most one may exist at a time;
// the scheduling cycle holds it for the duration of the cycle.
func (l *Ledger) WriteTxn() *memdb.Txn {
	return l.db.Txn(true)
}

// UpsertJobs will insert the given jobs if they don't already exist or update them if they do.
// Any jobs passed to this function *must not* be subsequently modified.
func (l *Ledger) UpsertJobs(txn *memdb.Txn, jobs ...*Job) error {
	for _, job := range jobs {
		if err := txn.Insert(jobsTable, job); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetJob returns the job with the given id or nil if no such job exists.
// The job returned by this function *must not* be subsequently modified.
func (l *Ledger) GetJob(txn *memdb.Txn, id string) (*Job, error) {
	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Job), nil
}

// JobsInState returns all jobs in the given state in scheduling order.
// The jobs returned by this function *must not* be subsequently modified.
func (l *Ledger) JobsInState(txn *memdb.Txn, state JobState) ([]*Job, error) {
	iter, err := txn.Get(jobsTable, orderIndex+"_prefix", string(state))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]*Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		rv = append(rv, obj.(*Job))
	}
	return rv, nil
}

// PendingJobs returns all PENDING jobs in scheduling order.
func (l *Ledger) PendingJobs(txn *memdb.Txn) ([]*Job, error) {
	return l.JobsInState(txn, JobPending)
}

// RunningJobs returns all RUNNING jobs in scheduling order.
func (l *Ledger) RunningJobs(txn *memdb.Txn) ([]*Job, error) {
	return l.JobsInState(txn, JobRunning)
}

// AllJobs returns every job in the ledger.
func (l *Ledger) AllJobs(txn *memdb.Txn) ([]*Job, error) {
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]*Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		rv = append(rv, obj.(*Job))
	}
	return rv, nil
}

// DeleteJobs removes the jobs with the given ids. Ids not present are ignored.
func (l *Ledger) DeleteJobs(txn *memdb.Txn, ids ...string) error {
	for _, id := range ids {
		job, err := l.GetJob(txn, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		if err := txn.Delete(jobsTable, job); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// UpsertNodes will insert the given nodes if they don't already exist or update them if they do.
// Any nodes passed to this function *must not* be subsequently modified.
func (l *Ledger) UpsertNodes(txn *memdb.Txn, nodes ...*Node) error {
	for _, node := range nodes {
		if err := txn.Insert(nodesTable, node); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetNode returns the node with the given id or nil if no such node exists.
// The node returned by this function *must not* be subsequently modified.
func (l *Ledger) GetNode(txn *memdb.Txn, id string) (*Node, error) {
	raw, err := txn.First(nodesTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Node), nil
}

// FreeNodes returns all nodes currently in state FREE, ordered by id.
// The nodes returned by this function *must not* be subsequently modified.
func (l *Ledger) FreeNodes(txn *memdb.Txn) ([]*Node, error) {
	iter, err := txn.Get(nodesTable, stateIndex, string(NodeFree))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]*Node, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		rv = append(rv, obj.(*Node))
	}
	return rv, nil
}

// AllNodes returns every node in the ledger, ordered by id.
func (l *Ledger) AllNodes(txn *memdb.Txn) ([]*Node, error) {
	iter, err := txn.Get(nodesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]*Node, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		rv = append(rv, obj.(*Node))
	}
	return rv, nil
}

// AllocateNodes marks the given nodes as ALLOCATED to the given job.
// Every node must currently be FREE; allocating a non-free node is an
// invariant violation and returns ErrLedgerCorrupt.
func (l *Ledger) AllocateNodes(txn *memdb.Txn, jobId string, nodeIds []string) error {
	for _, id := range nodeIds {
		node, err := l.GetNode(txn, id)
		if err != nil {
			return err
		}
		if node == nil {
			return &ErrLedgerCorrupt{Violations: errors.Errorf("allocation of unknown node %s to job %s", id, jobId)}
		}
		if node.State != NodeFree {
			return &ErrLedgerCorrupt{
				Violations: errors.Errorf("double allocation: node %s is %s (owned by job %q), wanted by job %s", id, node.State, node.JobId, jobId),
			}
		}
		node = node.DeepCopy()
		node.State = NodeAllocated
		node.JobId = jobId
		if err := l.UpsertNodes(txn, node); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseNodes returns the given nodes to the FREE state.
// Releasing a node that is not ALLOCATED is a no-op.
func (l *Ledger) ReleaseNodes(txn *memdb.Txn, nodeIds []string) error {
	for _, id := range nodeIds {
		node, err := l.GetNode(txn, id)
		if err != nil {
			return err
		}
		if node == nil || node.State != NodeAllocated {
			continue
		}
		node = node.DeepCopy()
		node.State = NodeFree
		node.JobId = ""
		if err := l.UpsertNodes(txn, node); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is a consistent, deep-copied view of the ledger handed to the
// timetable builder and the oracle, so both observe identical state.
type Snapshot struct {
	Jobs  []*Job
	Nodes []*Node
}

// Snapshot returns a consistent deep copy of all jobs and nodes.
func (l *Ledger) Snapshot(txn *memdb.Txn) (*Snapshot, error) {
	jobs, err := l.AllJobs(txn)
	if err != nil {
		return nil, err
	}
	nodes, err := l.AllNodes(txn)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Jobs:  slices.Map(jobs, func(job *Job) *Job { return job.DeepCopy() }),
		Nodes: slices.Map(nodes, func(node *Node) *Node { return node.DeepCopy() }),
	}, nil
}

// CheckInvariants verifies ledger-wide consistency: every ALLOCATED node is
// owned by exactly one RUNNING job, and every RUNNING job's assigned node set
// agrees with node ownership. On violation it returns ErrLedgerCorrupt
// aggregating everything found; the scheduling cycle must halt.
func (l *Ledger) CheckInvariants(txn *memdb.Txn) error {
	var result *multierror.Error

	ownerByNode := make(map[string]string)
	jobs, err := l.AllJobs(txn)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.State != JobRunning && len(job.AssignedNodes) > 0 {
			result = multierror.Append(result, errors.Errorf("job %s is %s but holds nodes %v", job.Id, job.State, job.AssignedNodes))
			continue
		}
		for _, nodeId := range job.AssignedNodes {
			if owner, ok := ownerByNode[nodeId]; ok {
				result = multierror.Append(result, errors.Errorf("node %s assigned to both job %s and job %s", nodeId, owner, job.Id))
				continue
			}
			ownerByNode[nodeId] = job.Id
		}
	}

	nodes, err := l.AllNodes(txn)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		owner := ownerByNode[node.Id]
		switch node.State {
		case NodeAllocated:
			if node.JobId == "" {
				result = multierror.Append(result, errors.Errorf("node %s is ALLOCATED but has no owning job", node.Id))
			} else if owner != node.JobId {
				result = multierror.Append(result, errors.Errorf("node %s claims owner %q but job-side assignment says %q", node.Id, node.JobId, owner))
			}
		case NodeFree, NodeDown:
			if owner != "" {
				result = multierror.Append(result, errors.Errorf("node %s is %s but job %s claims it", node.Id, node.State, owner))
			}
		}
	}

	if result.ErrorOrNil() != nil {
		return &ErrLedgerCorrupt{Violations: result}
	}
	return nil
}

// ledgerSchema creates the database schema: a jobs table with id and
// scheduling-order indexes, and a nodes table with id and state indexes.
func ledgerSchema() *memdb.DBSchema {
	jobIndexes := make(map[string]*memdb.IndexSchema)
	jobIndexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex, // lookup by primary key
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	jobIndexes[orderIndex] = &memdb.IndexSchema{
		Name:   orderIndex, // iterate jobs of a given state in scheduling order
		Unique: true,
		Indexer: &memdb.CompoundIndex{
			Indexes: []memdb.Indexer{
				&memdb.StringFieldIndex{Field: "State"},
				&invertedUintFieldIndex{inner: memdb.UintFieldIndex{Field: "Priority"}},
				&memdb.IntFieldIndex{Field: "Submitted"},
				&memdb.StringFieldIndex{Field: "Id"},
			},
		},
	}
	nodeIndexes := make(map[string]*memdb.IndexSchema)
	nodeIndexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	nodeIndexes[stateIndex] = &memdb.IndexSchema{
		Name:    stateIndex,
		Unique:  false,
		Indexer: &memdb.StringFieldIndex{Field: "State"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: jobIndexes,
			},
			nodesTable: {
				Name:    nodesTable,
				Indexes: nodeIndexes,
			},
		},
	}
}

// invertedUintFieldIndex indexes an unsigned field with its bytes complemented
// so that iterating the index ascending yields the greatest value first.
// Used to order jobs by descending priority.
type invertedUintFieldIndex struct {
	inner memdb.UintFieldIndex
}

func (idx *invertedUintFieldIndex) FromObject(obj interface{}) (bool, []byte, error) {
	ok, b, err := idx.inner.FromObject(obj)
	if !ok || err != nil {
		return ok, nil, err
	}
	return true, complement(b), nil
}

func (idx *invertedUintFieldIndex) FromArgs(args ...interface{}) ([]byte, error) {
	b, err := idx.inner.FromArgs(args...)
	if err != nil {
		return nil, err
	}
	return complement(b), nil
}

func complement(b []byte) []byte {
	rv := make([]byte, len(b))
	for i, c := range b {
		rv[i] = ^c
	}
	return rv
}
