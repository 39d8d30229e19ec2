// Package transport implements C1: length-prefixed JSON framing over TCP,
// a one-connection-per-peer outbound pool with retry-then-mark-dead, and
// the inbound listener that spawns one handler goroutine per accepted
// connection. None of its own logic decides mutex or election outcomes;
// it only moves frames and reports liveness evidence upward.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// dialTimeout bounds how long a single outbound connect attempt may
// block.
const dialTimeout = 2 * time.Second

// maxSendAttempts restores the exact retry budget from
// original_source/src/node.py::send_message: the first attempt plus
// exactly one retry before the peer is marked dead.
const maxSendAttempts = 2

// Liveness is the failure detector's view as seen from the transport: it
// must be consulted to suppress heartbeats to peers already believed dead,
// and notified when a send exhausts its retry budget. Implemented by the
// node's membership component; declared here (the consumer) rather than
// there, so this package never imports the node package.
type Liveness interface {
	IsDead(peerID int) bool
	MarkDead(peerID int)
	MarkAlive(peerID int)
}

// Handler processes one fully-decoded inbound frame. It is invoked from a
// per-connection goroutine; implementations must not block indefinitely.
type Handler func(types.Frame)

// Transport is the C1 interface the rest of the node depends on.
type Transport interface {
	// Send delivers a single frame to peerID, dialing lazily and retrying
	// once on failure before reporting the peer dead. It never returns an
	// error to the caller — failures are only observable through
	// Liveness/logs.
	Send(peerID int, frame types.Frame)

	// LocalAddr returns the address the listener is bound to.
	LocalAddr() net.Addr

	// Close stops accepting connections and closes every pooled outbound
	// socket. A connection accepted from a peer is closed when its next
	// frame arrives (that frame is not dispatched) or when the peer
	// disconnects. Idempotent.
	Close()
}

// TCPTransport is the only Transport implementation.
type TCPTransport struct {
	selfID int
	peers  types.PeerTable
	live   Liveness
	log    definition.Logger
	handle Handler

	listener net.Listener

	mu    sync.Mutex
	conns map[int]net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Listen binds the TCP listener for selfID's address in peers and starts
// accepting connections in the background. Bind failure is fatal to the
// caller.
func Listen(selfID int, peers types.PeerTable, live Liveness, log definition.Logger, handle Handler) (*TCPTransport, error) {
	self, ok := peers[selfID]
	if !ok {
		return nil, fmt.Errorf("self node id %d not present in peer table", selfID)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", self.Port))
	if err != nil {
		return nil, fmt.Errorf("binding listener on port %d: %w", self.Port, err)
	}

	t := &TCPTransport{
		selfID:   selfID,
		peers:    peers,
		live:     live,
		log:      log,
		handle:   handle,
		listener: ln,
		conns:    make(map[int]net.Conn),
		closed:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

func (t *TCPTransport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Event("LISTENER_ERROR", err.Error(), 0, nil)
				return
			}
		}
		t.wg.Add(1)
		go t.serve(conn)
	}
}

// serve reads length-prefixed frames from one accepted connection until
// EOF/error, decoding and dispatching each. A malformed frame body drops
// just that frame and keeps the connection open; any other error (EOF,
// reset, oversized length) ends the connection. Once the transport is
// closed, the next frame read is dropped and the connection is closed.
func (t *TCPTransport) serve(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, errDecodeFrame) {
				continue
			}
			return
		}
		if !frame.Type.Valid() {
			continue
		}
		select {
		case <-t.closed:
			return
		default:
		}
		t.live.MarkAlive(frame.Sender)
		t.handle(frame)
	}
}

// Send implements Transport.
func (t *TCPTransport) Send(peerID int, frame types.Frame) {
	if peerID == t.selfID {
		return
	}
	if _, ok := t.peers[peerID]; !ok {
		return
	}
	if frame.Type == types.Heartbeat && t.live.IsDead(peerID) {
		return
	}

	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if t.trySend(peerID, frame) {
			return
		}
	}

	t.live.MarkDead(peerID)
	t.log.Event("NODE_DOWN", fmt.Sprintf("node %d marked dead after %d failed send attempts", peerID, maxSendAttempts), 0, nil)
}

func (t *TCPTransport) trySend(peerID int, frame types.Frame) bool {
	conn := t.getConnection(peerID)
	if conn == nil {
		return false
	}

	if err := writeFrame(conn, frame); err != nil {
		t.dropConnection(peerID)
		return false
	}
	return true
}

// getConnection returns the pooled connection to peerID, dialing lazily if
// none is open yet.
func (t *TCPTransport) getConnection(peerID int) net.Conn {
	t.mu.Lock()
	if conn, ok := t.conns[peerID]; ok {
		t.mu.Unlock()
		return conn
	}
	t.mu.Unlock()

	addr, ok := t.peers[peerID]
	if !ok {
		return nil
	}

	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		t.log.Event("CONNECTION_ERROR", fmt.Sprintf("failed to connect to node %d", peerID), 0, definition.Fields{"error": err.Error()})
		return nil
	}

	t.mu.Lock()
	t.conns[peerID] = conn
	t.mu.Unlock()
	t.live.MarkAlive(peerID)

	t.wg.Add(1)
	go t.serve(conn)

	return conn
}

func (t *TCPTransport) dropConnection(peerID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[peerID]; ok {
		conn.Close()
		delete(t.conns, peerID)
	}
}

// Close implements Transport. Idempotent.
func (t *TCPTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.listener.Close()

		t.mu.Lock()
		for id, conn := range t.conns {
			conn.Close()
			delete(t.conns, id)
		}
		t.mu.Unlock()
	})
}
