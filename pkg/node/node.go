// Package node implements the per-node coordination engine: C2-C7 — the
// Lamport clock, the Ricart-Agrawala mutex engine with its deferral queue,
// the bully election state machine, the heartbeat-driven failure detector
// feedback loop, and the dispatcher wiring them to the transport.
package node

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/transport"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// stabilizationDelay is the pause after startup before a node checks
// whether it needs to trigger its own initial election, restored from
// original_source/src/node.py: `time.sleep(2)`.
const stabilizationDelay = 2 * time.Second

// Status is the read-only snapshot returned by Node.Status().
type Status struct {
	CoordinatorID *int
	State         types.MutexState
}

// Node is a single cluster member: it owns one TCP listener, a bounded
// outbound connection pool (via transport.Transport), and the mutex +
// election + heartbeat state machines layered on top.
type Node struct {
	id    int
	peers types.PeerTable

	clock      *lamportClock
	membership *membership
	mutex      *mutexEngine
	election   *electionEngine

	transport transport.Transport
	log       definition.Logger
	metrics   *definition.Metrics

	csFunc        CriticalSectionFunc
	sharedCounter atomic.Int64

	shutdownOnce sync.Once
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// Option customizes a Node at construction time.
type Option func(*Node)

// WithCriticalSection overrides the default three-step simulated workload,
// e.g. for tests that want a near-instant critical section.
func WithCriticalSection(f CriticalSectionFunc) Option {
	return func(n *Node) { n.csFunc = f }
}

// New constructs a node and binds its TCP listener. It starts neither the
// heartbeat loop nor the initial election check; call Start for those
// (kept separate so tests can construct several nodes before any of them
// starts electing).
func New(id int, peers types.PeerTable, log definition.Logger, metrics *definition.Metrics, opts ...Option) (*Node, error) {
	n := &Node{
		id:         id,
		peers:      peers,
		clock:      &lamportClock{},
		membership: newMembership(),
		mutex:      newMutexEngine(),
		election:   newElectionEngine(),
		log:        log,
		metrics:    metrics,
		csFunc:     defaultCriticalSection,
		stopCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	t, err := transport.Listen(id, peers, n.membership, log, n.dispatch)
	if err != nil {
		return nil, err
	}
	n.transport = t

	return n, nil
}

// Start launches the heartbeat loop and, after the stabilization delay,
// triggers the initial election if no coordinator is known yet.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.heartbeatLoop()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-n.stopCh:
			return
		case <-time.After(stabilizationDelay):
		}
		if n.election.Coordinator() == nil {
			n.Elect()
		}
	}()
}

// Status returns (coordinator_id, state) as a read-only snapshot.
func (n *Node) Status() Status {
	return Status{
		CoordinatorID: n.election.Coordinator(),
		State:         n.mutex.Status(),
	}
}

// ID returns this node's id.
func (n *Node) ID() int { return n.id }

// LocalAddr returns the address this node's listener is bound to, mainly
// useful for tests that need to rebind a stand-in listener on the same
// port after this node shuts down.
func (n *Node) LocalAddr() net.Addr { return n.transport.LocalAddr() }

// Shutdown stops accepting frames, closes sockets, and stops background
// loops. Idempotent.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.stopCh)
		n.transport.Close()
		n.log.Event("SYSTEM", "Node shutdown complete.", int64(n.clock.Peek()), nil)
		n.log.Close()
	})
	n.wg.Wait()
}
