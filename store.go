package main

import "context"

// ConsistentStore is a strongly consistent, watch-capable view of the
// cluster's shared state. Watch methods block, invoking the callback
// for every delivery in store order, until the context is cancelled.
// Implementations must be safe for concurrent use.
type ConsistentStore interface {
	// WatchClusterNodeStates delivers batches of per-node state
	// updates, starting with a snapshot of the current entries.
	WatchClusterNodeStates(ctx context.Context, cb func([]Update[ClusterNodeState])) error

	// WatchClusterConfig delivers cluster config updates.
	WatchClusterConfig(ctx context.Context, cb func(Update[ClusterConfig])) error

	// WatchServingSTH delivers serving STH updates.
	WatchServingSTH(ctx context.Context, cb func(Update[SignedTreeHead])) error

	// SetClusterNodeState publishes this node's state to the cluster.
	SetClusterNodeState(ctx context.Context, state ClusterNodeState) error

	// SetServingSTH publishes the cluster-wide serving STH. Only the
	// master should call this.
	SetServingSTH(ctx context.Context, sth SignedTreeHead) error
}
