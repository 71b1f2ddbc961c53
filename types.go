package main

import "bytes"

// SignedTreeHead is a signed snapshot of the log. Signature
// verification happens elsewhere; this daemon only routes and compares
// tree heads.
type SignedTreeHead struct {
	Version        int    `json:"version"`
	KeyID          []byte `json:"key_id"`
	TreeSize       int64  `json:"tree_size"`
	Timestamp      int64  `json:"timestamp"`
	SHA256RootHash []byte `json:"sha256_root_hash"`
	Signature      []byte `json:"tree_head_signature,omitempty"`
}

// ClusterNodeState is the state each node advertises to the rest of
// the cluster through the consistent store.
type ClusterNodeState struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	LogPort  int    `json:"log_port"`

	// NewestSTH is the newest tree head this node has fully
	// replicated, if any.
	NewestSTH *SignedTreeHead `json:"newest_sth,omitempty"`
}

// ClusterConfig holds the cluster-wide serving requirements.
type ClusterConfig struct {
	// MinimumServingNodes is the minimum number of nodes that must
	// have replicated a tree head before it may be served.
	MinimumServingNodes int `json:"minimum_serving_nodes"`

	// MinimumServingFraction is the minimum fraction of the cluster
	// (in [0, 1]) that must have replicated a tree head before it
	// may be served.
	MinimumServingFraction float64 `json:"minimum_serving_fraction"`
}

// Update is a single watch-delivered record. Exists is false when the
// entry was deleted from the store.
type Update[T any] struct {
	Key    string
	Exists bool
	Value  T
}

// sthIdentical reports whether two tree heads agree on every field
// that matters for log identity and position.
func sthIdentical(a, b *SignedTreeHead) bool {
	return a.Version == b.Version &&
		bytes.Equal(a.KeyID, b.KeyID) &&
		a.TreeSize == b.TreeSize &&
		a.Timestamp == b.Timestamp &&
		bytes.Equal(a.SHA256RootHash, b.SHA256RootHash)
}
