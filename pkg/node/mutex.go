package node

import (
	"sync"
	"time"

	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// mutexReplyTimeout bounds how long a requesting node waits for enough
// replies before treating slow peers as dead.
const mutexReplyTimeout = 5 * time.Second

// CriticalSectionFunc is the pluggable critical-section action. It is
// called exactly once per successful Request() episode, synchronously, and
// must not call Request() re-entrantly.
type CriticalSectionFunc func(n *Node)

// mutexEngine implements C4: Ricart-Agrawala mutual exclusion. It
// exclusively owns state, requestClock, repliesReceived and
// deferredReplies.
type mutexEngine struct {
	mu sync.Mutex

	state           types.MutexState
	requestClock    uint64
	repliesReceived map[int]struct{}
	deferredReplies []int

	// enough is recreated at the start of every episode and closed the
	// moment the reply threshold is met, the Go idiom for the Python
	// threading.Event used by original_source/src/node.py.
	enough chan struct{}
}

func newMutexEngine() *mutexEngine {
	return &mutexEngine{
		state:           types.Released,
		repliesReceived: make(map[int]struct{}),
		enough:          make(chan struct{}),
	}
}

// Status returns the current mutex state for the read-only Status() call.
func (m *mutexEngine) Status() types.MutexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Request runs one Ricart-Agrawala episode to completion, blocking the
// caller until the critical section finishes. Concurrent calls when the
// node is not RELEASED are no-ops.
func (n *Node) Request() {
	m := n.mutex

	// Membership is read before the mutex lock is taken, never while it is
	// held, keeping the dead-nodes lock outer to the mutex lock.
	dead := n.membership.Snapshot()
	expected := expectedRepliesFor(n.peers, dead)

	m.mu.Lock()
	if m.state != types.Released {
		m.mu.Unlock()
		return
	}
	m.state = types.Wanted
	m.requestClock = n.clock.Tick()
	m.repliesReceived = make(map[int]struct{})
	m.enough = make(chan struct{})
	requestClock := m.requestClock
	m.mu.Unlock()

	n.log.Event("MUTEX", "Requesting Critical Section", int64(n.clock.Peek()), definition.Fields{"req_clock": requestClock})

	if expected == 0 {
		n.enterCriticalSection()
		return
	}

	for _, peerID := range n.peers.Others(n.id) {
		if _, isDead := dead[peerID]; !isDead {
			n.transport.Send(peerID, types.Frame{Sender: n.id, Type: types.Request, Timestamp: int64(requestClock)})
		}
	}

	start := time.Now()
	if waitClosed(m.enoughSignal(), mutexReplyTimeout) {
		n.metrics.ReplyLatency.Observe(time.Since(start).Seconds())
		n.enterCriticalSection()
		return
	}

	// Timeout: recompute missing, non-dead peers and mark them dead, then
	// re-check the threshold. A peer that stays silent past the reply
	// timeout is treated as dead rather than blocking the section forever.
	// Membership is snapshotted and updated with the mutex lock released
	// throughout, again keeping the dead-nodes lock outer to the mutex lock.
	dead = n.membership.Snapshot()
	m.mu.Lock()
	received := make(map[int]struct{}, len(m.repliesReceived))
	for id := range m.repliesReceived {
		received[id] = struct{}{}
	}
	m.mu.Unlock()

	var missing []int
	for _, peerID := range n.peers.Others(n.id) {
		if _, replied := received[peerID]; replied {
			continue
		}
		if _, isDead := dead[peerID]; isDead {
			continue
		}
		missing = append(missing, peerID)
	}
	for _, peerID := range missing {
		n.membership.MarkDead(peerID)
	}

	newExpected := n.expectedReplies()

	m.mu.Lock()
	enoughNow := len(m.repliesReceived) >= newExpected
	if enoughNow {
		m.closeSignalLocked()
	} else {
		m.state = types.Released
	}
	m.mu.Unlock()

	if enoughNow {
		n.enterCriticalSection()
		return
	}

	n.metrics.MutexFailures.Inc()
	n.log.Event("MUTEX_FAIL", "Timeout waiting for replies. Releasing.", int64(n.clock.Peek()), nil)
}

// enoughSignal returns the channel closed once the reply threshold is met
// for the episode currently in flight.
func (m *mutexEngine) enoughSignal() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enough
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// expectedReplies computes |peers| - 1 - |dead| against a fresh membership
// snapshot. Callers must not hold m.mu when calling this: membership's lock
// must never be acquired while the mutex lock is held.
func (n *Node) expectedReplies() int {
	return expectedRepliesFor(n.peers, n.membership.Snapshot())
}

// expectedRepliesFor computes |peers| - 1 - |dead| from an already-taken
// membership snapshot, so callers that already have one (e.g. Request,
// which snapshots membership before taking the mutex lock) don't need a
// second membership lock acquisition.
func expectedRepliesFor(peers types.PeerTable, dead map[int]struct{}) int {
	expected := len(peers) - 1 - len(dead)
	if expected < 0 {
		expected = 0
	}
	return expected
}

// closeSignalLocked closes the current episode's enough-replies channel
// exactly once. Must be called with m.mu held.
func (m *mutexEngine) closeSignalLocked() {
	select {
	case <-m.enough:
		// already closed this episode
	default:
		close(m.enough)
	}
}

// handleRequest implements the inbound REQUEST decision table: defer while
// HELD, defer while WANTED when the local request has strictly higher
// priority than the sender's, otherwise reply immediately.
func (n *Node) handleRequest(sender int, senderClock int64) {
	m := n.mutex
	reply := false

	m.mu.Lock()
	switch {
	case m.state == types.Held:
		m.deferredReplies = append(m.deferredReplies, sender)
	case m.state == types.Wanted && higherPriority(m.requestClock, n.id, uint64(senderClock), sender):
		m.deferredReplies = append(m.deferredReplies, sender)
	default:
		reply = true
	}
	m.mu.Unlock()

	if reply {
		n.transport.Send(sender, types.Frame{Sender: n.id, Type: types.Reply, Timestamp: int64(n.clock.Tick())})
	}
}

// higherPriority reports whether (localClock, localID) has strictly
// higher Ricart-Agrawala priority than (otherClock, otherID), i.e.
// (localClock, localID) < (otherClock, otherID) lexicographically.
func higherPriority(localClock uint64, localID int, otherClock uint64, otherID int) bool {
	if localClock != otherClock {
		return localClock < otherClock
	}
	return localID < otherID
}

// handleReply records an inbound REPLY and signals once enough have
// arrived to enter the critical section. Membership is read before the
// mutex lock is taken, keeping the dead-nodes lock outer to the mutex
// lock.
func (n *Node) handleReply(sender int) {
	m := n.mutex
	expected := n.expectedReplies()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.Wanted {
		return
	}
	m.repliesReceived[sender] = struct{}{}
	if len(m.repliesReceived) >= expected {
		m.closeSignalLocked()
	}
}

// enterCriticalSection transitions WANTED -> HELD, runs the pluggable
// critical-section callback exactly once, then exits.
func (n *Node) enterCriticalSection() {
	n.mutex.mu.Lock()
	n.mutex.state = types.Held
	n.mutex.mu.Unlock()

	n.metrics.CSEntries.Inc()
	n.log.Event("CS_ENTER", ">>> ENTERING CRITICAL SECTION <<<", int64(n.clock.Peek()), nil)
	n.csFunc(n)
	n.log.Event("CS_EXIT", "<<< EXITING CRITICAL SECTION >>>", int64(n.clock.Peek()), nil)

	n.exitCriticalSection()
}

// exitCriticalSection drains deferredReplies in insertion order and
// transitions HELD -> RELEASED.
func (n *Node) exitCriticalSection() {
	m := n.mutex
	m.mu.Lock()
	m.state = types.Released
	deferred := m.deferredReplies
	m.deferredReplies = nil
	m.mu.Unlock()

	for _, peerID := range deferred {
		n.transport.Send(peerID, types.Frame{Sender: n.id, Type: types.Reply, Timestamp: int64(n.clock.Tick())})
	}
}

// defaultCriticalSection is the reference workload: increments the shared
// counter with before/after CS_RESOURCE logs, then performs the fixed
// three-step simulated task from
// original_source/src/node.py::enter_critical_section.
func defaultCriticalSection(n *Node) {
	before := n.sharedCounter.Load()
	n.log.Event("CS_RESOURCE", "Shared counter before increment", int64(n.clock.Peek()), definition.Fields{"counter": before})
	after := n.sharedCounter.Add(1)
	n.log.Event("CS_RESOURCE", "Shared counter after increment", int64(n.clock.Peek()), definition.Fields{"counter": after})

	for i := 1; i <= 3; i++ {
		time.Sleep(1 * time.Second)
		n.log.Event("CS_RESOURCE", "performing exclusive task", int64(n.clock.Peek()), definition.Fields{"step": i, "of": 3})
	}
}
