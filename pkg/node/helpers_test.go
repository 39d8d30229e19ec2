package node

import (
	"net"
	"sync"

	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// noopLogger discards every event; used so unit tests don't spam stdout.
type noopLogger struct{}

func (noopLogger) Event(string, string, int64, definition.Fields) {}
func (noopLogger) ToggleDebug(bool)                                {}
func (noopLogger) Close()                                          {}

// fakeTransport is an in-memory transport.Transport double that records
// every frame it was asked to send, for tests that exercise the mutex and
// election engines without real sockets.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	peerID int
	frame  types.Frame
}

func (f *fakeTransport) Send(peerID int, frame types.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{peerID, frame})
}

func (f *fakeTransport) LocalAddr() net.Addr { return fakeAddr{} }

func (f *fakeTransport) Close() {}

func (f *fakeTransport) sentTo(peerID int) []types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Frame
	for _, s := range f.sent {
		if s.peerID == peerID {
			out = append(out, s.frame)
		}
	}
	return out
}

func (f *fakeTransport) countType(t types.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.frame.Type == t {
			n++
		}
	}
	return n
}

// fakeAddr satisfies net.Addr trivially.
type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

// newTestNode builds a Node with a fakeTransport instead of a real TCP
// listener, for unit-testing the mutex/election/heartbeat engines in
// isolation (C2-C7 do not themselves depend on real sockets).
func newTestNode(id int, peers types.PeerTable) (*Node, *fakeTransport) {
	ft := &fakeTransport{}
	n := &Node{
		id:         id,
		peers:      peers,
		clock:      &lamportClock{},
		membership: newMembership(),
		mutex:      newMutexEngine(),
		election:   newElectionEngine(),
		transport:  ft,
		log:        noopLogger{},
		metrics:    definition.NewMetrics(id),
		csFunc:     func(*Node) {},
		stopCh:     make(chan struct{}),
	}
	return n, ft
}

func testPeers(ids ...int) types.PeerTable {
	table := make(types.PeerTable, len(ids))
	for _, id := range ids {
		table[id] = types.PeerAddress{IP: "127.0.0.1", Port: 10000 + id}
	}
	return table
}
