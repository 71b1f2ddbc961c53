package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

// fakeStore is an in-memory ConsistentStore. Tests push updates into
// the channels; the watch loops deliver them in order, one stream at a
// time, like the real store.
type fakeStore struct {
	nodeCh   chan []Update[ClusterNodeState]
	configCh chan Update[ClusterConfig]
	sthCh    chan Update[SignedTreeHead]

	mu              sync.Mutex
	nodeStates      map[string]ClusterNodeState
	servingSTHs     []SignedTreeHead
	setNodeStateErr error
	onSetServingSTH func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodeCh:     make(chan []Update[ClusterNodeState], 32),
		configCh:   make(chan Update[ClusterConfig], 32),
		sthCh:      make(chan Update[SignedTreeHead], 32),
		nodeStates: make(map[string]ClusterNodeState),
	}
}

func (s *fakeStore) WatchClusterNodeStates(ctx context.Context, cb func([]Update[ClusterNodeState])) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case updates := <-s.nodeCh:
			cb(updates)
		}
	}
}

func (s *fakeStore) WatchClusterConfig(ctx context.Context, cb func(Update[ClusterConfig])) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-s.configCh:
			cb(update)
		}
	}
}

func (s *fakeStore) WatchServingSTH(ctx context.Context, cb func(Update[SignedTreeHead])) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-s.sthCh:
			cb(update)
		}
	}
}

func (s *fakeStore) SetClusterNodeState(ctx context.Context, state ClusterNodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setNodeStateErr != nil {
		return s.setNodeStateErr
	}
	s.nodeStates[state.NodeID] = state
	return nil
}

func (s *fakeStore) SetServingSTH(ctx context.Context, sth SignedTreeHead) error {
	s.mu.Lock()
	hook := s.onSetServingSTH
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.servingSTHs = append(s.servingSTHs, sth)
	return nil
}

func (s *fakeStore) publishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.servingSTHs)
}

func (s *fakeStore) lastPublished() SignedTreeHead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servingSTHs[len(s.servingSTHs)-1]
}

func (s *fakeStore) nodeState(nodeID string) (ClusterNodeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.nodeStates[nodeID]
	return state, ok
}

type fakeDatabase struct {
	mu     sync.Mutex
	latest *SignedTreeHead
	writes []SignedTreeHead
}

func (d *fakeDatabase) LatestTreeHead(ctx context.Context) (*SignedTreeHead, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return nil, ErrNoTreeHead
	}
	sth := *d.latest
	return &sth, nil
}

func (d *fakeDatabase) WriteTreeHead(ctx context.Context, sth SignedTreeHead) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, sth)
	d.latest = &sth
	return nil
}

func (d *fakeDatabase) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func (d *fakeDatabase) lastWrite() SignedTreeHead {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[len(d.writes)-1]
}

type fakeElection struct {
	mu      sync.Mutex
	master  bool
	running bool
	starts  int
	stops   int
}

func (e *fakeElection) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.starts++
}

func (e *fakeElection) StopElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.stops++
}

func (e *fakeElection) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.master
}

func (e *fakeElection) setMaster(master bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.master = master
}

func (e *fakeElection) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeElection) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

func (e *fakeElection) stopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

type fixture struct {
	store *fakeStore
	db    *fakeDatabase
	el    *fakeElection
	ctrl  *ClusterStateController
}

func startController(t *testing.T, dbLatest *SignedTreeHead) *fixture {
	t.Helper()

	store := newFakeStore()
	db := &fakeDatabase{latest: dbLatest}
	el := &fakeElection{}
	ctrl := NewClusterStateController(store, db, el, "node-0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{store: store, db: db, el: el, ctrl: ctrl}
}

func TestController_CalculatesServingSTHFromPeerUpdates(t *testing.T) {
	f := startController(t, nil)

	f.store.configCh <- Update[ClusterConfig]{
		Exists: true,
		Value:  ClusterConfig{MinimumServingNodes: 3, MinimumServingFraction: 0.75},
	}
	f.store.nodeCh <- []Update[ClusterNodeState]{
		{Key: "p1", Exists: true, Value: peerWithSTH("p1", 10, 100)},
		{Key: "p2", Exists: true, Value: peerWithSTH("p2", 10, 101)},
		{Key: "p3", Exists: true, Value: peerWithSTH("p3", 10, 102)},
		{Key: "p4", Exists: true, Value: peerWithSTH("p4", 5, 50)},
	}

	require.Eventually(t, func() bool {
		sth, err := f.ctrl.GetCalculatedServingSTH()
		return err == nil && sth.TreeSize == 10 && sth.Timestamp == 102
	}, waitFor, tick)
}

func TestController_GetCalculatedServingSTHNotFound(t *testing.T) {
	f := startController(t, nil)

	_, err := f.ctrl.GetCalculatedServingSTH()
	assert.ErrorIs(t, err, ErrNoCalculatedSTH)
}

func TestController_ServingSTHReconciledToDatabase(t *testing.T) {
	dbSTH := testSTH(5, 100)
	f := startController(t, &dbSTH)

	incoming := testSTH(7, 150)
	f.store.sthCh <- Update[SignedTreeHead]{Exists: true, Value: incoming}

	require.Eventually(t, func() bool {
		return f.db.writeCount() == 1
	}, waitFor, tick)
	assert.Equal(t, incoming, f.db.lastWrite())
}

func TestController_ServingSTHEqualToDatabaseSkipsWrite(t *testing.T) {
	dbSTH := testSTH(5, 100)
	f := startController(t, &dbSTH)

	f.store.sthCh <- Update[SignedTreeHead]{Exists: true, Value: testSTH(5, 100)}

	// The election gate runs after every serving STH update; with no
	// local tree head it must leave the election. Use that as the
	// signal that the update was processed.
	require.Eventually(t, func() bool {
		return f.el.stopCount() >= 1
	}, waitFor, tick)
	assert.Equal(t, 0, f.db.writeCount())
}

func TestController_ZeroTimestampServingSTHIgnored(t *testing.T) {
	f := startController(t, nil)

	invalid := testSTH(5, 100)
	invalid.Timestamp = 0
	f.store.sthCh <- Update[SignedTreeHead]{Exists: true, Value: invalid}

	valid := testSTH(5, 100)
	f.store.sthCh <- Update[SignedTreeHead]{Exists: true, Value: valid}

	require.Eventually(t, func() bool {
		return f.db.writeCount() == 1
	}, waitFor, tick)
	assert.Equal(t, valid, f.db.lastWrite())
}

func TestController_PublisherOnlyFiresWhenMaster(t *testing.T) {
	f := startController(t, nil)

	f.store.configCh <- Update[ClusterConfig]{
		Exists: true,
		Value:  ClusterConfig{MinimumServingNodes: 2, MinimumServingFraction: 0.5},
	}
	f.store.nodeCh <- []Update[ClusterNodeState]{
		{Key: "p1", Exists: true, Value: peerWithSTH("p1", 10, 100)},
		{Key: "p2", Exists: true, Value: peerWithSTH("p2", 10, 102)},
	}

	// Not master: a candidate is calculated but never published.
	require.Eventually(t, func() bool {
		_, err := f.ctrl.GetCalculatedServingSTH()
		return err == nil
	}, waitFor, tick)
	assert.Equal(t, 0, f.store.publishedCount())

	// Become master; the next recalculation publishes exactly once.
	f.el.setMaster(true)
	f.store.nodeCh <- []Update[ClusterNodeState]{
		{Key: "p3", Exists: true, Value: peerWithSTH("p3", 10, 103)},
	}

	require.Eventually(t, func() bool {
		return f.store.publishedCount() == 1
	}, waitFor, tick)
	assert.Equal(t, int64(10), f.store.lastPublished().TreeSize)
	assert.Equal(t, int64(103), f.store.lastPublished().Timestamp)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.store.publishedCount())
}

func TestController_SetServingSTHCalledWithoutControllerLock(t *testing.T) {
	f := startController(t, nil)

	// If the publisher held the controller lock across the store
	// write, this re-entrant call would deadlock and the publish
	// below would never complete.
	f.store.mu.Lock()
	f.store.onSetServingSTH = func() {
		f.ctrl.GetLocalNodeState()
	}
	f.store.mu.Unlock()

	f.el.setMaster(true)
	f.store.nodeCh <- []Update[ClusterNodeState]{
		{Key: "p1", Exists: true, Value: peerWithSTH("p1", 10, 100)},
	}

	require.Eventually(t, func() bool {
		return f.store.publishedCount() >= 1
	}, waitFor, tick)
}

func TestController_ElectionLeavesOnLagAndRejoins(t *testing.T) {
	f := startController(t, nil)

	f.ctrl.NewTreeHead(testSTH(90, 190))

	f.store.sthCh <- Update[SignedTreeHead]{Exists: true, Value: testSTH(100, 200)}
	require.Eventually(t, func() bool {
		return f.el.stopCount() >= 1
	}, waitFor, tick)
	assert.False(t, f.el.isRunning())

	// Replication catches up.
	f.ctrl.NewTreeHead(testSTH(100, 201))
	assert.True(t, f.el.isRunning())
}

func TestController_ServingSTHDeletionDoesNotStopElection(t *testing.T) {
	f := startController(t, nil)

	f.ctrl.NewTreeHead(testSTH(10, 200))

	serving := testSTH(5, 100)
	f.store.sthCh <- Update[SignedTreeHead]{Exists: true, Value: serving}
	require.Eventually(t, func() bool {
		return f.el.isRunning()
	}, waitFor, tick)

	// Deleting the serving STH leaves the election alone; a second
	// serving update (ordered after the deletion on the same stream)
	// proves both were processed.
	f.store.sthCh <- Update[SignedTreeHead]{Exists: false}
	f.store.sthCh <- Update[SignedTreeHead]{Exists: true, Value: serving}

	require.Eventually(t, func() bool {
		return f.el.startCount() >= 2
	}, waitFor, tick)
	assert.True(t, f.el.isRunning())
	assert.Equal(t, 0, f.el.stopCount())
}

func TestController_NewTreeHeadPersistsNodeState(t *testing.T) {
	f := startController(t, nil)

	f.ctrl.SetNodeHostPort("node-0.example.com", 6962)
	sth := testSTH(42, 500)
	f.ctrl.NewTreeHead(sth)

	state, ok := f.store.nodeState("node-0")
	require.True(t, ok)
	assert.Equal(t, "node-0.example.com", state.Hostname)
	assert.Equal(t, 6962, state.LogPort)
	require.NotNil(t, state.NewestSTH)
	assert.Equal(t, sth, *state.NewestSTH)

	local := f.ctrl.GetLocalNodeState()
	assert.Equal(t, "node-0", local.NodeID)
	require.NotNil(t, local.NewestSTH)
	assert.Equal(t, sth, *local.NewestSTH)
}

func TestController_NodeStatePersistErrorIsNotFatal(t *testing.T) {
	f := startController(t, nil)

	f.store.mu.Lock()
	f.store.setNodeStateErr = errors.New("store unavailable")
	f.store.mu.Unlock()

	sth := testSTH(7, 70)
	f.ctrl.NewTreeHead(sth)

	// The write failed but the local state still advanced.
	local := f.ctrl.GetLocalNodeState()
	require.NotNil(t, local.NewestSTH)
	assert.Equal(t, sth, *local.NewestSTH)
}

func TestController_PeerRemovalTriggersRecalculation(t *testing.T) {
	f := startController(t, nil)

	f.store.configCh <- Update[ClusterConfig]{
		Exists: true,
		Value:  ClusterConfig{MinimumServingNodes: 1, MinimumServingFraction: 0.5},
	}
	f.store.nodeCh <- []Update[ClusterNodeState]{
		{Key: "p1", Exists: true, Value: peerWithSTH("p1", 10, 100)},
		{Key: "p2", Exists: true, Value: peerWithSTH("p2", 4, 40)},
	}

	require.Eventually(t, func() bool {
		sth, err := f.ctrl.GetCalculatedServingSTH()
		return err == nil && sth.TreeSize == 10
	}, waitFor, tick)

	// p1 leaves; the calculated STH never regresses even though only
	// a smaller tree is now coverable.
	f.store.nodeCh <- []Update[ClusterNodeState]{{Key: "p1", Exists: false}}
	f.store.nodeCh <- []Update[ClusterNodeState]{
		{Key: "p2", Exists: true, Value: peerWithSTH("p2", 5, 50)},
	}

	time.Sleep(100 * time.Millisecond)
	sth, err := f.ctrl.GetCalculatedServingSTH()
	require.NoError(t, err)
	assert.Equal(t, int64(10), sth.TreeSize)

	// A peer ahead of the old candidate lifts it again.
	f.store.nodeCh <- []Update[ClusterNodeState]{
		{Key: "p3", Exists: true, Value: peerWithSTH("p3", 12, 300)},
	}
	require.Eventually(t, func() bool {
		sth, err := f.ctrl.GetCalculatedServingSTH()
		return err == nil && sth.TreeSize == 12 && sth.Timestamp == 300
	}, waitFor, tick)
}
