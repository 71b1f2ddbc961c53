package main

import (
	"log"
	"sync"
)

// ClusterPeer tracks the last-known state of one node in the cluster,
// plus a log client bound to that node's endpoint. The peer has its
// own lock so calculator snapshots don't serialize against endpoint
// lookups; never take the controller lock while holding it.
type ClusterPeer struct {
	mu     sync.Mutex
	state  ClusterNodeState
	client *LogClient
}

func newClusterPeer(state ClusterNodeState) *ClusterPeer {
	if state.Hostname == "" {
		log.Fatalf("Node %s has an empty hostname", state.NodeID)
	}
	if state.LogPort <= 0 || state.LogPort > 65535 {
		log.Fatalf("Node %s has an invalid log port: %d", state.NodeID, state.LogPort)
	}

	return &ClusterPeer{
		state:  state,
		client: newLogClient(state.Hostname, state.LogPort),
	}
}

func (p *ClusterPeer) TreeSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.NewestSTH == nil {
		return 0
	}
	return p.state.NewestSTH.TreeSize
}

func (p *ClusterPeer) State() ClusterNodeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ClusterPeer) HostPort() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Hostname, p.state.LogPort
}

func (p *ClusterPeer) Client() *LogClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// updateState replaces the stored state. The endpoint must not change
// here; an endpoint change replaces the whole peer so the log client
// gets rebuilt.
func (p *ClusterPeer) updateState(state ClusterNodeState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.Hostname != p.state.Hostname || state.LogPort != p.state.LogPort {
		log.Fatalf("Node %s endpoint changed in place: %s:%d -> %s:%d",
			state.NodeID, p.state.Hostname, p.state.LogPort, state.Hostname, state.LogPort)
	}
	p.state = state
}

// applyPeerUpdates folds a batch of watch updates into the peer map.
// Must be called with the controller lock held.
func applyPeerUpdates(peers map[string]*ClusterPeer, updates []Update[ClusterNodeState]) {
	for _, update := range updates {
		nodeID := update.Key
		if !update.Exists {
			log.Printf("Node left: %s", nodeID)
			if _, ok := peers[nodeID]; !ok {
				log.Fatalf("Told to remove unknown node %s", nodeID)
			}
			delete(peers, nodeID)
			continue
		}

		log.Printf("Node joined or updated: %s", nodeID)
		peer, ok := peers[nodeID]

		// If the host or port changed, drop the peer so we
		// rebuild it with a fresh log client.
		if ok {
			host, port := peer.HostPort()
			if host != update.Value.Hostname || port != update.Value.LogPort {
				delete(peers, nodeID)
				ok = false
			}
		}

		if ok {
			peer.updateState(update.Value)
		} else {
			peers[nodeID] = newClusterPeer(update.Value)
		}
	}
}

// peerStates snapshots the current state of every peer. Must be called
// with the controller lock held; takes each peer's own lock in turn.
func peerStates(peers map[string]*ClusterPeer) []ClusterNodeState {
	states := make([]ClusterNodeState, 0, len(peers))
	for _, peer := range peers {
		states = append(states, peer.State())
	}
	return states
}
