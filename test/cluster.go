// Package test provides an in-process multi-node cluster fixture: build N
// real nodes bound to 127.0.0.1 ephemeral ports, wait for them to
// stabilize, then let scenario tests drive and assert against them.
package test

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/mapokapo/drs-p2-project/pkg/node"
	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// Cluster is a set of real Node instances wired to each other over real
// TCP sockets on the loopback interface.
type Cluster struct {
	T     *testing.T
	Nodes []*node.Node
	Peers types.PeerTable
}

// freePort asks the OS for an unused TCP port on 127.0.0.1.
func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocating free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// CreateCluster builds `size` nodes sharing one peer table, with ids 1..size.
// Each node gets its own console JSON logger at info level, which prints
// every event to stdout; opts apply to every node (e.g. to shrink the
// critical section for faster tests).
func CreateCluster(size int, t *testing.T, opts ...node.Option) *Cluster {
	peers := make(types.PeerTable, size)
	for i := 1; i <= size; i++ {
		peers[i] = types.PeerAddress{IP: "127.0.0.1", Port: freePort(t)}
	}

	c := &Cluster{T: t, Peers: peers}
	for i := 1; i <= size; i++ {
		log := definition.NewDefaultLogger(i)
		log.ToggleDebug(false)
		metrics := definition.NewMetrics(i)

		n, err := node.New(i, peers, log, metrics, opts...)
		if err != nil {
			t.Fatalf("creating node %d: %v", i, err)
		}
		c.Nodes = append(c.Nodes, n)
	}
	for _, n := range c.Nodes {
		n.Start()
	}
	return c
}

// Get returns the node with the given id, failing the test if absent.
func (c *Cluster) Get(id int) *node.Node {
	for _, n := range c.Nodes {
		if n.ID() == id {
			return n
		}
	}
	c.T.Fatalf("no node with id %d in cluster", id)
	return nil
}

// Shutdown stops every node concurrently and waits for all of them.
func (c *Cluster) Shutdown() {
	var wg sync.WaitGroup
	for _, n := range c.Nodes {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			n.Shutdown()
		}(n)
	}
	wg.Wait()
}

// WaitThisOrTimeout runs cb and reports whether it finished before duration
// elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// WaitForCondition polls cond until it returns true or the timeout elapses,
// returning whether it succeeded.
func WaitForCondition(cond func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(interval)
	}
	return cond()
}

// PrintStackTrace dumps every goroutine's stack to help debug a stuck
// shutdown.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// Blackhole starts a bare TCP listener on addr that accepts connections but
// never reads or writes anything, simulating a peer whose socket is
// unresponsive without actually tearing down the connection. Returns a
// stopper that closes the listener and every accepted connection.
func Blackhole(t *testing.T, addr string) (stop func()) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("starting blackhole listener on %s: %v", addr, err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	closed := make(chan struct{})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			select {
			case <-closed:
				conn.Close()
			default:
				conns = append(conns, conn)
			}
			mu.Unlock()
		}
	}()

	return func() {
		close(closed)
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}
}

// AnswerOnlyStub starts a bare TCP listener on addr that speaks just enough
// of the wire protocol to reply ANSWER to an inbound ELECTION frame and
// drop everything else (it never sends COORDINATOR), for tests that need a
// peer which participates in the answer phase of an election but never
// resolves it.
func AnswerOnlyStub(t *testing.T, selfID int, addr string) (stop func()) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("starting answer-only stub on %s: %v", addr, err)
	}

	closed := make(chan struct{})
	var mu sync.Mutex
	var conns []net.Conn

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			select {
			case <-closed:
				conn.Close()
				mu.Unlock()
				continue
			default:
				conns = append(conns, conn)
			}
			mu.Unlock()
			go serveAnswerOnly(selfID, conn, closed)
		}
	}()

	return func() {
		close(closed)
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}
}

func serveAnswerOnly(selfID int, conn net.Conn, closed <-chan struct{}) {
	defer conn.Close()
	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[:])
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		var f types.Frame
		if err := json.Unmarshal(body, &f); err != nil {
			continue
		}
		if f.Type != types.Election {
			continue
		}

		select {
		case <-closed:
			return
		default:
		}

		reply := types.Frame{Sender: selfID, Type: types.Answer, Timestamp: f.Timestamp}
		out, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		var outHeader [4]byte
		binary.BigEndian.PutUint32(outHeader[:], uint32(len(out)))
		if _, err := conn.Write(outHeader[:]); err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// CoordinatorOf returns the coordinator id every node in the cluster
// currently agrees on, or an error describing the disagreement/absence.
func (c *Cluster) CoordinatorOf() (int, error) {
	var coordinator *int
	for _, n := range c.Nodes {
		s := n.Status()
		if s.CoordinatorID == nil {
			return 0, fmt.Errorf("node %d has no coordinator yet", n.ID())
		}
		if coordinator == nil {
			coordinator = s.CoordinatorID
		} else if *coordinator != *s.CoordinatorID {
			return 0, fmt.Errorf("disagreement: node %d believes %d, earlier node believed %d", n.ID(), *s.CoordinatorID, *coordinator)
		}
	}
	if coordinator == nil {
		return 0, fmt.Errorf("empty cluster")
	}
	return *coordinator, nil
}
