package ledger

import (
	"golang.org/x/exp/slices"
)

// NodeState is the availability state of a node.
type NodeState string

const (
	NodeFree      NodeState = "FREE"
	NodeAllocated NodeState = "ALLOCATED"
	NodeDown      NodeState = "DOWN"
)

// Node is the ledger-internal representation of a compute node.
// Nodes stored in the Ledger must not be modified in-place; use DeepCopy and
// upsert the copy instead.
type Node struct {
	// Node name, e.g., "node-3". Unique within the cluster.
	Id string
	// Features this node advertises, e.g., "gpu" or "highmem".
	Features []string
	// Partitions the node is a member of.
	Partitions []string
	// Current availability state.
	State NodeState
	// Id of the job the node is allocated to. Empty unless ALLOCATED.
	JobId string
}

// HasFeatures returns true if the node carries every feature in required.
func (node *Node) HasFeatures(required []string) bool {
	for _, f := range required {
		if !slices.Contains(node.Features, f) {
			return false
		}
	}
	return true
}

// InPartition returns true if the node is a member of the named partition.
func (node *Node) InPartition(partition string) bool {
	return slices.Contains(node.Partitions, partition)
}

// DeepCopy deep copies the node.
func (node *Node) DeepCopy() *Node {
	if node == nil {
		return nil
	}
	rv := *node
	rv.Features = slices.Clone(node.Features)
	rv.Partitions = slices.Clone(node.Partitions)
	return &rv
}
