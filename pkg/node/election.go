package node

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// electionTimeout bounds both the wait-answer and wait-coordinator phases
// of a bully election round.
const electionTimeout = 5 * time.Second

// electionEngine implements C5: the bully election state machine. It
// exclusively owns coordinatorID, inProgress, receivedAnswer and
// lastHeartbeat.
type electionEngine struct {
	mu             sync.Mutex
	coordinatorID  *int
	inProgress     bool
	receivedAnswer bool
	lastHeartbeat  time.Time

	// round is bumped every time a new round starts, so a stale
	// wait-answer/wait-coordinator goroutine from an earlier round can
	// recognize it has been superseded and stop acting.
	round uint64
}

func newElectionEngine() *electionEngine {
	return &electionEngine{lastHeartbeat: time.Now()}
}

func (e *electionEngine) Coordinator() *int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinatorID
}

func (e *electionEngine) IsCoordinator(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinatorID != nil && *e.coordinatorID == id
}

// Elect starts a bully election round. It is safe to call concurrently; a
// round already in progress makes this a no-op.
func (n *Node) Elect() {
	e := n.election

	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	// Desynchronization backoff so simultaneous electors don't collide.
	time.Sleep(randDuration(100*time.Millisecond, 500*time.Millisecond))

	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return
	}
	e.inProgress = true
	e.receivedAnswer = false
	e.round++
	myRound := e.round
	e.mu.Unlock()

	n.log.Event("ELECTION_START", "Starting Election Process", int64(n.clock.Tick()), nil)
	n.metrics.ElectionsStarted.Inc()

	n.runElectionRound(myRound)
}

// runElectionRound sends ELECTION to every live higher-id peer, or
// self-promotes immediately when none exist.
func (n *Node) runElectionRound(myRound uint64) {
	e := n.election

	dead := n.membership.Snapshot()
	var higher []int
	for _, peerID := range n.peers.Others(n.id) {
		if peerID <= n.id {
			continue
		}
		if _, isDead := dead[peerID]; isDead {
			continue
		}
		higher = append(higher, peerID)
	}

	if len(higher) == 0 {
		n.becomeCoordinator()
		return
	}

	for _, peerID := range higher {
		n.transport.Send(peerID, types.Frame{Sender: n.id, Type: types.Election, Timestamp: int64(n.clock.Tick())})
	}

	n.wg.Add(1)
	go n.waitForElectionResult(myRound)
}

// waitForElectionResult runs the two-phase timeout: if no ANSWER arrives
// within the first timeout the node becomes coordinator; if an ANSWER did
// arrive but no COORDINATOR follows within the second timeout, the round
// restarts.
func (n *Node) waitForElectionResult(myRound uint64) {
	defer n.wg.Done()
	e := n.election

	select {
	case <-n.stopCh:
		return
	case <-time.After(electionTimeout):
	}

	e.mu.Lock()
	if e.round != myRound || !e.inProgress {
		e.mu.Unlock()
		return
	}
	gotAnswer := e.receivedAnswer
	e.mu.Unlock()

	if !gotAnswer {
		n.becomeCoordinator()
		return
	}

	select {
	case <-n.stopCh:
		return
	case <-time.After(electionTimeout):
	}

	e.mu.Lock()
	stillMine := e.round == myRound && e.inProgress
	if stillMine {
		e.inProgress = false
	}
	e.mu.Unlock()

	if stillMine {
		n.log.Event("ELECTION_RESTART", "Timeout waiting for coordinator. Restarting.", int64(n.clock.Peek()), nil)
		n.Elect()
	}
}

// becomeCoordinator declares self as coordinator and broadcasts COORDINATOR
// to every other peer.
func (n *Node) becomeCoordinator() {
	e := n.election

	e.mu.Lock()
	self := n.id
	e.coordinatorID = &self
	e.inProgress = false
	e.mu.Unlock()

	n.log.Event("LEADER_SELF", "!!! I am the Coordinator !!!", int64(n.clock.Tick()), nil)

	for _, peerID := range n.peers.Others(n.id) {
		n.transport.Send(peerID, types.Frame{Sender: n.id, Type: types.Coordinator, Timestamp: int64(n.clock.Tick())})
	}
}

// handleElection answers an inbound ELECTION. A node that already believes
// itself coordinator replies only COORDINATOR and stops — it does not also
// send ANSWER, matching original_source/src/node.py::handle_election.
func (n *Node) handleElection(sender int) {
	e := n.election

	if e.IsCoordinator(n.id) {
		n.transport.Send(sender, types.Frame{Sender: n.id, Type: types.Coordinator, Timestamp: int64(n.clock.Tick())})
		return
	}

	n.transport.Send(sender, types.Frame{Sender: n.id, Type: types.Answer, Timestamp: int64(n.clock.Tick())})

	e.mu.Lock()
	inProgress := e.inProgress
	e.mu.Unlock()
	if !inProgress {
		n.Elect()
	}
}

// handleAnswer records that some higher-id peer is alive and answering.
func (n *Node) handleAnswer() {
	e := n.election
	e.mu.Lock()
	e.receivedAnswer = true
	e.mu.Unlock()
}

// handleCoordinator accepts an announced coordinator and refreshes the
// heartbeat deadline.
func (n *Node) handleCoordinator(sender int) {
	e := n.election

	e.mu.Lock()
	e.inProgress = false
	e.lastHeartbeat = time.Now()
	changed := e.coordinatorID == nil || *e.coordinatorID != sender
	self := sender
	e.coordinatorID = &self
	e.mu.Unlock()

	if changed {
		n.log.Event("LEADER_UPDATE", "New leader", int64(n.clock.Peek()), definition.Fields{"sender": sender})
	}
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
