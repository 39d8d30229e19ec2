package node

import "github.com/mapokapo/drs-p2-project/pkg/node/types"

// dispatch implements C7: it is the transport.Handler invoked from a
// per-connection goroutine for every successfully decoded frame. It
// applies the clock-update rule before routing to the owning component's
// handler via a fixed type->handler table.
//
// Liveness (MarkAlive) is applied by the transport layer itself before
// this is called: any successfully decoded frame clears its sender from
// the dead set, regardless of type.
func (n *Node) dispatch(f types.Frame) {
	n.clock.Update(uint64(f.Timestamp))

	switch f.Type {
	case types.Request:
		n.handleRequest(f.Sender, f.Timestamp)
	case types.Reply:
		n.handleReply(f.Sender)
	case types.Election:
		n.handleElection(f.Sender)
	case types.Answer:
		n.handleAnswer()
	case types.Coordinator:
		n.handleCoordinator(f.Sender)
	case types.Heartbeat:
		n.handleHeartbeat(f.Sender)
	default:
		// Unknown types are dropped before reaching here by the
		// transport layer (types.MessageType.Valid()); this default case
		// only guards future additions.
	}
}
