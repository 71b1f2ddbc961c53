package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoCalculatedSTH is returned by GetCalculatedServingSTH before the
// controller has found any tree head with enough coverage.
var ErrNoCalculatedSTH = errors.New("no calculated serving STH")

// storeWriteTimeout bounds individual writes to the consistent store.
const storeWriteTimeout = 5 * time.Second

// MasterElection is this node's handle on the cluster's master
// election. All methods are idempotent and safe for concurrent use.
type MasterElection interface {
	StartElection()
	StopElection()
	IsMaster() bool
}

// ClusterStateController maintains a live view of every peer's
// replication progress, decides which tree head the cluster should
// serve, keeps the local database consistent with the cluster-wide
// serving STH, and gates this node's participation in master election.
//
// One mutex guards all controller state. Each ClusterPeer has its own
// leaf lock; the store, database and election are thread-safe by
// contract.
type ClusterStateController struct {
	store    ConsistentStore
	database Database
	election MasterElection

	mu             sync.Mutex
	ctx            context.Context
	localNodeState ClusterNodeState
	clusterConfig  ClusterConfig
	allPeers       map[string]*ClusterPeer

	// calculatedServingSTH is what this node believes the cluster
	// should serve; actualServingSTH is what the store currently
	// reports.
	calculatedServingSTH *SignedTreeHead
	actualServingSTH     *SignedTreeHead

	// publishCh wakes the publisher worker. Capacity 1: an update
	// signal is level-triggered, so coalescing candidates is fine.
	publishCh chan struct{}
}

func NewClusterStateController(store ConsistentStore, database Database, election MasterElection, nodeID string) *ClusterStateController {
	return &ClusterStateController{
		store:          store,
		database:       database,
		election:       election,
		ctx:            context.Background(),
		localNodeState: ClusterNodeState{NodeID: nodeID},
		allPeers:       make(map[string]*ClusterPeer),
		publishCh:      make(chan struct{}, 1),
	}
}

// Run subscribes the three watches and starts the publisher worker,
// blocking until ctx is cancelled or a watch fails. All watch
// callbacks arrive on the watch goroutines and serialize through the
// controller mutex.
func (c *ClusterStateController) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.store.WatchClusterNodeStates(ctx, c.onClusterStateUpdated)
	})
	g.Go(func() error {
		return c.store.WatchClusterConfig(ctx, c.onClusterConfigUpdated)
	})
	g.Go(func() error {
		return c.store.WatchServingSTH(ctx, c.onServingSTHUpdated)
	})
	g.Go(func() error {
		return c.servingSTHPublisher(ctx)
	})

	return g.Wait()
}

// NewTreeHead records that this node has replicated up to sth,
// re-evaluates election participation, and publishes the node's state
// to the cluster.
func (c *ClusterStateController) NewTreeHead(sth SignedTreeHead) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localNodeState.NewestSTH != nil && sth.Timestamp < c.localNodeState.NewestSTH.Timestamp {
		log.Fatalf("Local tree head timestamp regressed: %d < %d",
			sth.Timestamp, c.localNodeState.NewestSTH.Timestamp)
	}

	newest := sth
	c.localNodeState.NewestSTH = &newest
	c.pushLocalNodeStateLocked()
}

// GetCalculatedServingSTH returns this node's current proposal for the
// serving STH.
func (c *ClusterStateController) GetCalculatedServingSTH() (SignedTreeHead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.calculatedServingSTH == nil {
		return SignedTreeHead{}, ErrNoCalculatedSTH
	}
	return *c.calculatedServingSTH, nil
}

// GetLocalNodeState returns a copy of this node's current state.
func (c *ClusterStateController) GetLocalNodeState() ClusterNodeState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.localNodeState
	if state.NewestSTH != nil {
		newest := *state.NewestSTH
		state.NewestSTH = &newest
	}
	return state
}

// SetNodeHostPort updates the endpoint this node advertises to its
// peers.
func (c *ClusterStateController) SetNodeHostPort(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.localNodeState.Hostname = host
	c.localNodeState.LogPort = port
	c.pushLocalNodeStateLocked()
}

// pushLocalNodeStateLocked re-evaluates election participation (our
// new state may affect our ability to be master, e.g. we've caught up
// on replication) and persists the local node state to the store.
// Persisting errors are logged, not fatal: the next update retries
// implicitly.
func (c *ClusterStateController) pushLocalNodeStateLocked() {
	c.determineElectionParticipationLocked()

	ctx, cancel := context.WithTimeout(c.ctx, storeWriteTimeout)
	defer cancel()
	if err := c.store.SetClusterNodeState(ctx, c.localNodeState); err != nil {
		log.Printf("WARNING: Couldn't set cluster node state: %v", err)
	}
}

// onClusterStateUpdated handles a batch of peer state updates from the
// store.
func (c *ClusterStateController) onClusterStateUpdated(updates []Update[ClusterNodeState]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	applyPeerUpdates(c.allPeers, updates)
	c.calculateServingSTHLocked()
}

// onClusterConfigUpdated handles a cluster config update from the
// store.
func (c *ClusterStateController) onClusterConfigUpdated(update Update[ClusterConfig]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !update.Exists {
		log.Printf("WARNING: No cluster config exists")
		return
	}

	c.clusterConfig = update.Value
	log.Printf("Received new cluster config: %+v", c.clusterConfig)

	// The serving requirements changed, so the serving STH may too.
	c.calculateServingSTHLocked()
}

// onServingSTHUpdated handles a serving STH update from the store: it
// records the new actual serving STH, reconciles it against the local
// database, and re-evaluates election participation.
//
// The store is authoritative; any divergence from the local database
// beyond "the store is newer" means corruption we cannot soundly
// recover from, so those checks are fatal.
func (c *ClusterStateController) onServingSTHUpdated(update Update[SignedTreeHead]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !update.Exists {
		log.Printf("WARNING: Cluster has no serving STH")
		c.actualServingSTH = nil
	} else {
		if update.Value.Timestamp == 0 {
			log.Printf("WARNING: Ignoring invalid serving STH update")
			return
		}
		if update.Value.Timestamp < 0 || update.Value.TreeSize < 0 {
			log.Fatalf("Serving STH has negative fields: timestamp=%d size=%d",
				update.Value.Timestamp, update.Value.TreeSize)
		}

		sth := update.Value
		c.actualServingSTH = &sth
		log.Printf("Received new serving STH: size=%d timestamp=%d", sth.TreeSize, sth.Timestamp)

		// Double check this STH is newer than, or identical to,
		// what we have in the database. (It definitely should be!)
		writeSTH := true
		dbSTH, err := c.database.LatestTreeHead(c.ctx)
		switch {
		case err == nil:
			if !bytes.Equal(sth.KeyID, dbSTH.KeyID) {
				log.Fatalf("Serving STH key id does not match local database")
			}
			if sth.Version != dbSTH.Version {
				log.Fatalf("Serving STH version %d does not match local database version %d",
					sth.Version, dbSTH.Version)
			}

			if sth.Timestamp == dbSTH.Timestamp {
				// Identical to the latest tree head we already
				// have, so nothing to write.
				if !sthIdentical(&sth, dbSTH) {
					log.Fatalf("Serving STH at timestamp %d differs from local database tree head", sth.Timestamp)
				}
				writeSTH = false
			} else {
				// Or it's strictly newer.
				if sth.Timestamp < dbSTH.Timestamp {
					log.Fatalf("Serving STH timestamp %d older than local database timestamp %d",
						sth.Timestamp, dbSTH.Timestamp)
				}
				if sth.TreeSize < dbSTH.TreeSize {
					log.Fatalf("Serving STH tree size %d smaller than local database tree size %d",
						sth.TreeSize, dbSTH.TreeSize)
				}
			}
		case errors.Is(err, ErrNoTreeHead):
			log.Printf("WARNING: Local database has no tree head, new node?")
		default:
			log.Fatalf("Problem looking up local database's latest tree head: %v", err)
		}

		if writeSTH {
			if err := c.database.WriteTreeHead(c.ctx, sth); err != nil {
				log.Fatalf("Failed to write serving STH to local database: %v", err)
			}
		}
	}

	// This could affect our ability to produce new STHs, so better
	// check whether we should leave the election for now.
	c.determineElectionParticipationLocked()
}

// calculateServingSTHLocked recomputes the calculated serving STH from
// the current peer snapshot and, if this node is master, wakes the
// publisher.
func (c *ClusterStateController) calculateServingSTHLocked() {
	candidate := computeServingSTH(
		peerStates(c.allPeers),
		len(c.allPeers),
		c.clusterConfig,
		c.calculatedServingSTH,
		c.actualServingSTH,
	)
	if candidate == nil {
		log.Printf("WARNING: Failed to determine suitable serving STH")
		return
	}

	c.calculatedServingSTH = candidate

	// Push this STH out to the cluster if we're master.
	if c.election.IsMaster() {
		c.signalPublisher()
	}
}

// signalPublisher wakes the publisher worker. Non-blocking: if a wakeup
// is already pending, the worker will pick up the newest candidate
// anyway.
func (c *ClusterStateController) signalPublisher() {
	select {
	case c.publishCh <- struct{}{}:
	default:
	}
}

// determineElectionParticipationLocked applies the eligibility rules:
// a node may only campaign if the cluster has a serving STH and the
// node has replicated at least up to it.
func (c *ClusterStateController) determineElectionParticipationLocked() {
	// Can't be in the election if the cluster isn't properly
	// initialised.
	if c.actualServingSTH == nil {
		log.Printf("WARNING: Cluster has no serving STH, staying out of election")
		return
	}

	// Don't want to be the master if we don't yet have the data to
	// be able to issue new STHs.
	if c.localNodeState.NewestSTH == nil {
		log.Printf("No local tree head, leaving election")
		c.election.StopElection()
		return
	}
	if c.actualServingSTH.TreeSize > c.localNodeState.NewestSTH.TreeSize {
		log.Printf("Local replication too far behind to be master (%d < %d), leaving election",
			c.localNodeState.NewestSTH.TreeSize, c.actualServingSTH.TreeSize)
		c.election.StopElection()
		return
	}

	// Otherwise, make sure we're joining in the election.
	c.election.StartElection()
}

// servingSTHPublisher is the long-lived publisher worker. On each
// wakeup it snapshots the calculated serving STH under the mutex, then
// writes it to the store with the mutex released: the write is remote
// I/O that can block for a while and will itself re-trigger watches
// that need the lock.
func (c *ClusterStateController) servingSTHPublisher(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.publishCh:
		}

		c.mu.Lock()
		if c.calculatedServingSTH == nil {
			log.Fatalf("Publisher woken with no calculated serving STH")
		}
		sth := *c.calculatedServingSTH
		c.mu.Unlock()

		if !c.election.IsMaster() {
			continue
		}

		sCtx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		err := c.store.SetServingSTH(sCtx, sth)
		cancel()
		if err != nil {
			log.Printf("WARNING: Failed to set serving STH: %v", err)
		}
	}
}
