package node

import (
	"math/rand"
	"time"

	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// heartbeatInterval is used to derive the dead-coordinator threshold
// (heartbeatInterval + 4s), not as an independent literal.
const heartbeatInterval = 2 * time.Second

// deadCoordinatorThreshold is the window a follower waits past the last
// heartbeat before declaring the coordinator dead.
const deadCoordinatorThreshold = heartbeatInterval + 4*time.Second

// heartbeatLoop runs as a single periodic task with 1.0s + jitter(0, 0.25s)
// interval.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-time.After(tickInterval()):
		}
		n.heartbeatTick()
	}
}

func tickInterval() time.Duration {
	return time.Second + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

func (n *Node) heartbeatTick() {
	e := n.election

	n.metrics.DeadPeers.Set(float64(n.membership.Len()))

	if e.IsCoordinator(n.id) {
		dead := n.membership.Snapshot()
		for _, peerID := range n.peers.Others(n.id) {
			if _, isDead := dead[peerID]; !isDead {
				n.transport.Send(peerID, types.Frame{Sender: n.id, Type: types.Heartbeat, Timestamp: int64(n.clock.Tick())})
			}
		}
		return
	}

	e.mu.Lock()
	coordinator := e.coordinatorID
	since := time.Since(e.lastHeartbeat)
	e.mu.Unlock()

	if coordinator == nil {
		return
	}
	if since <= deadCoordinatorThreshold {
		return
	}

	n.log.Event("LEADER_DEAD", "Leader timed out.", int64(n.clock.Peek()), nil)
	n.membership.MarkDead(*coordinator)

	e.mu.Lock()
	e.coordinatorID = nil
	e.mu.Unlock()

	n.Elect()
}

// handleHeartbeat processes an inbound HEARTBEAT, including the
// LEADER_RECOVER adoption of an unknown coordinator.
func (n *Node) handleHeartbeat(sender int) {
	e := n.election

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.coordinatorID != nil && *e.coordinatorID == sender {
		e.lastHeartbeat = time.Now()
		return
	}

	if e.coordinatorID == nil {
		self := sender
		e.coordinatorID = &self
		e.lastHeartbeat = time.Now()
		n.log.Event("LEADER_RECOVER", "Accepted leader via heartbeat", int64(n.clock.Peek()), nil)
	}
}
