package election

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend is a data store (usually a connection to one) that supports
// the primitives needed for master election: reading the current lease
// and atomically compare-and-swapping a new one over it.
type Backend interface {
	FetchCurrentLease(ctx context.Context) (*Lease, error)
	AtomicCompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, newLease Lease) (bool, error)
}

// Lease is the stored record of who may publish serving STHs for the
// cluster. The master refreshes it by writing a new RVN; everyone else
// ages it against their own monotonic clocks.
type Lease struct {
	// Leader is the node currently holding mastership.
	Leader string

	// RevisionVersionNumber (RVN) changes on every refresh. A lease
	// whose RVN stops changing is a lease whose holder has gone
	// quiet.
	RevisionVersionNumber uuid.UUID

	Duration time.Duration
}

// leaseTracker follows the stored lease using only the local monotonic
// clock. A lease is trusted until its deadline; the deadline moves
// forward only when the RVN changes, so a holder that stops refreshing
// ages out no matter what its wall clock said. A lease seen for the
// first time gets the full duration, which keeps a freshly started
// node from stealing mastership from a healthy holder.
type leaseTracker struct {
	known    bool
	current  Lease
	deadline time.Time
}

func (t *leaseTracker) observe(lease *Lease, now time.Time) {
	if lease == nil {
		t.known = false
		return
	}
	if !t.known || t.current.RevisionVersionNumber != lease.RevisionVersionNumber {
		t.deadline = now.Add(lease.Duration)
	}
	t.known = true
	t.current = *lease
}

func (t *leaseTracker) expired(now time.Time) bool {
	return !t.known || now.After(t.deadline)
}

func (t *leaseTracker) heldBy(nodeName string, now time.Time) bool {
	return t.known && t.current.Leader == nodeName && !t.expired(now)
}

// Election decides whether this node is the cluster's master. The node
// only campaigns while participation is switched on; the cluster state
// controller toggles participation from replication progress, and a
// node that stops participating simply stops refreshing, letting its
// lease age out for the rest of the cluster.
//
// StartElection, StopElection and IsMaster are idempotent and safe for
// concurrent use.
type Election struct {
	// nodeName is the name of this node in the election (usually
	// the hostname).
	nodeName      string
	leaseDuration time.Duration

	mu            sync.Mutex
	participating bool
	tracker       leaseTracker
}

func New(nodeName string, leaseDuration time.Duration) (*Election, error) {
	if nodeName == "" {
		return nil, fmt.Errorf("node name must not be empty")
	}
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be greater than zero")
	}

	return &Election{
		nodeName:      nodeName,
		leaseDuration: leaseDuration,
	}, nil
}

// StartElection joins the election. The next Run round campaigns for
// the lease.
func (e *Election) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.participating {
		log.Printf("Joining master election")
	}
	e.participating = true
}

// StopElection leaves the election. Mastership is dropped immediately
// from this node's point of view; the lease itself is left to expire.
func (e *Election) StopElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.participating {
		log.Printf("Leaving master election")
	}
	e.participating = false
}

func (e *Election) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.participating && e.tracker.heldBy(e.nodeName, time.Now())
}

// Run performs one election round: observe the stored lease, and take
// it if it's ours to refresh or nobody holds a live one. Call it on a
// ticker with a period well under the lease duration.
func (e *Election) Run(ctx context.Context, backend Backend) error {
	return e.runInner(ctx, backend, time.Now(), uuid.New)
}

func (e *Election) runInner(ctx context.Context, backend Backend, now time.Time, newRVN func() uuid.UUID) error {
	lease, err := backend.FetchCurrentLease(ctx)
	if err != nil {
		// Without a readable lease we can't claim mastership.
		e.mu.Lock()
		e.tracker = leaseTracker{}
		e.mu.Unlock()
		return fmt.Errorf("failed to fetch lease: %w", err)
	}

	e.mu.Lock()
	e.tracker.observe(lease, now)
	ours := e.tracker.known && e.tracker.current.Leader == e.nodeName
	open := e.tracker.expired(now)
	campaign := e.participating && (ours || open)
	var prevRVN *uuid.UUID
	if e.tracker.known {
		rvn := e.tracker.current.RevisionVersionNumber
		prevRVN = &rvn
	}
	e.mu.Unlock()

	if !campaign {
		return nil
	}

	if ours && open {
		log.Printf("WARNING: Our own mastership lease expired")
	}

	next := Lease{
		Leader:                e.nodeName,
		RevisionVersionNumber: newRVN(),
		Duration:              e.leaseDuration,
	}

	won, err := backend.AtomicCompareAndSwapLease(ctx, prevRVN, next)
	if err != nil {
		return fmt.Errorf("failed to compare-and-swap lease: %w", err)
	}

	if !won {
		log.Printf("Lost the race for mastership")
		return nil
	}

	if !ours {
		log.Printf("Took mastership of the cluster (rvn %s)", next.RevisionVersionNumber)
	}
	e.mu.Lock()
	e.tracker.observe(&next, now)
	e.mu.Unlock()

	return nil
}
