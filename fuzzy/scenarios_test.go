// Package fuzzy holds longer-running, multi-node scenario tests that drive
// real Node instances over real TCP sockets end to end, checking the
// cluster-wide outcomes rather than any single component in isolation.
package fuzzy

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mapokapo/drs-p2-project/pkg/node"
	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
	"github.com/mapokapo/drs-p2-project/test"
)

// instantCriticalSection lets scenario tests that don't care about the
// exact workload run fast and deterministically.
func instantCriticalSection(*node.Node) {}

func Test_ThreeNodesSingleRequest(t *testing.T) {
	cluster := test.CreateCluster(3, t, node.WithCriticalSection(instantCriticalSection))
	defer func() {
		if !test.WaitThisOrTimeout(cluster.Shutdown, 10*time.Second) {
			t.Error("cluster did not shut down in time")
			test.PrintStackTrace(t)
		}
	}()

	if !test.WaitForCondition(func() bool {
		c, err := cluster.CoordinatorOf()
		return err == nil && c == 3
	}, 8*time.Second, 100*time.Millisecond) {
		t.Fatal("cluster did not converge on node 3 as coordinator")
	}

	n1 := cluster.Get(1)
	done := make(chan struct{})
	go func() {
		n1.Request()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("node 1's Request() did not complete")
	}

	if got := n1.Status().State; got != types.Released {
		t.Fatalf("node 1 state after episode = %v, want RELEASED", got)
	}
}

func Test_ConcurrentRequestsTieBrokenByID(t *testing.T) {
	var orderMu sync.Mutex
	var order []int
	cluster := test.CreateCluster(2, t, node.WithCriticalSection(func(n *node.Node) {
		orderMu.Lock()
		order = append(order, n.ID())
		orderMu.Unlock()
		time.Sleep(300 * time.Millisecond)
	}))
	defer func() {
		if !test.WaitThisOrTimeout(cluster.Shutdown, 10*time.Second) {
			t.Error("cluster did not shut down in time")
			test.PrintStackTrace(t)
		}
	}()

	n1 := cluster.Get(1)
	n2 := cluster.Get(2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n1.Request()
	}()
	go func() {
		defer wg.Done()
		n2.Request()
	}()

	if !test.WaitThisOrTimeout(wg.Wait, 8*time.Second) {
		t.Fatal("concurrent requests did not both complete")
	}

	// Both requests carry request_clock 1 (no frame is exchanged before the
	// stabilization delay), so the lower id must enter first.
	orderMu.Lock()
	gotOrder := append([]int(nil), order...)
	orderMu.Unlock()
	if len(gotOrder) != 2 || gotOrder[0] != 1 || gotOrder[1] != 2 {
		t.Fatalf("critical section entry order = %v, want [1 2]", gotOrder)
	}

	if got := n1.Status().State; got != types.Released {
		t.Fatalf("node 1 state = %v, want RELEASED", got)
	}
	if got := n2.Status().State; got != types.Released {
		t.Fatalf("node 2 state = %v, want RELEASED", got)
	}
}

func Test_LeaderFailureElectsNewCoordinator(t *testing.T) {
	cluster := test.CreateCluster(5, t, node.WithCriticalSection(instantCriticalSection))
	defer func() {
		if !test.WaitThisOrTimeout(cluster.Shutdown, 10*time.Second) {
			t.Error("cluster did not shut down in time")
			test.PrintStackTrace(t)
		}
	}()

	if !test.WaitForCondition(func() bool {
		c, err := cluster.CoordinatorOf()
		return err == nil && c == 5
	}, 8*time.Second, 100*time.Millisecond) {
		t.Fatal("cluster did not converge on node 5 as coordinator")
	}

	cluster.Get(5).Shutdown()

	var survivors []*node.Node
	for _, n := range cluster.Nodes {
		if n.ID() != 5 {
			survivors = append(survivors, n)
		}
	}

	ok := test.WaitForCondition(func() bool {
		for _, n := range survivors {
			s := n.Status()
			if s.CoordinatorID == nil || *s.CoordinatorID != 4 {
				return false
			}
		}
		return true
	}, 15*time.Second, 200*time.Millisecond)
	if !ok {
		t.Fatal("surviving nodes did not converge on node 4 as the new coordinator")
	}
}

func Test_ReplyTimeoutProceedsWithRemainingPeers(t *testing.T) {
	// Build the cluster normally, then replace node 3 with a blackhole
	// stub bound to the same port so node 1's REQUEST is delivered but
	// never answered.
	cluster := test.CreateCluster(3, t, node.WithCriticalSection(instantCriticalSection))
	defer func() {
		if !test.WaitThisOrTimeout(cluster.Shutdown, 10*time.Second) {
			t.Error("cluster did not shut down in time")
			test.PrintStackTrace(t)
		}
	}()

	if !test.WaitForCondition(func() bool {
		_, err := cluster.CoordinatorOf()
		return err == nil
	}, 8*time.Second, 100*time.Millisecond) {
		t.Fatal("cluster did not converge on a coordinator")
	}

	n3 := cluster.Get(3)
	addr := n3.LocalAddr().String()
	n3.Shutdown()
	stopBlackhole := test.Blackhole(t, addr)
	defer stopBlackhole()

	n1 := cluster.Get(1)
	start := time.Now()
	done := make(chan struct{})
	go func() {
		n1.Request()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("node 1's Request() did not complete after node 3 went silent")
	}
	elapsed := time.Since(start)

	if elapsed < 4*time.Second {
		t.Fatalf("Request() returned too quickly (%v) to have waited out the reply timeout", elapsed)
	}
	if got := n1.Status().State; got != types.Released {
		t.Fatalf("node 1 state = %v, want RELEASED", got)
	}
}

func Test_SilentRestartHealing(t *testing.T) {
	cluster := test.CreateCluster(2, t, node.WithCriticalSection(instantCriticalSection))
	defer func() {
		if !test.WaitThisOrTimeout(cluster.Shutdown, 10*time.Second) {
			t.Error("cluster did not shut down in time")
			test.PrintStackTrace(t)
		}
	}()

	n2 := cluster.Get(2)
	n2.Shutdown()

	n1 := cluster.Get(1)
	// node 2 is gone: a request from node 1 must still complete, treating
	// node 2 as dead rather than hanging forever.
	done := make(chan struct{})
	go func() {
		n1.Request()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("node 1's Request() did not complete while node 2 was down")
	}

	// node 2 rejoins on the same port: a fresh Request() from node 1 must
	// again wait for and receive node 2's REPLY, proving the earlier
	// dead-marking healed once node 2's frames start arriving again.
	log := definition.NewDefaultLogger(2)
	log.ToggleDebug(false)

	restarted, err := node.New(2, cluster.Peers, log, definition.NewMetrics(2), node.WithCriticalSection(instantCriticalSection))
	if err != nil {
		t.Fatalf("restarting node 2: %v", err)
	}
	restarted.Start()
	defer restarted.Shutdown()

	// Give node 2's own stabilization-delay election check time to fire
	// and broadcast COORDINATOR, which is what actually clears node 1's
	// dead_nodes entry for node 2 (any successfully decoded frame does).
	if !test.WaitForCondition(func() bool {
		c := n1.Status().CoordinatorID
		return c != nil && *c == 2
	}, 5*time.Second, 100*time.Millisecond) {
		t.Fatal("node 1 never heard from restarted node 2")
	}

	done2 := make(chan struct{})
	go func() {
		n1.Request()
		close(done2)
	}()
	select {
	case <-done2:
	case <-time.After(3 * time.Second):
		t.Fatal("node 1's Request() did not complete promptly after node 2 healed")
	}
}

func Test_ElectionRestartsWithoutCoordinator(t *testing.T) {
	cluster := test.CreateCluster(3, t, node.WithCriticalSection(instantCriticalSection))
	defer func() {
		if !test.WaitThisOrTimeout(cluster.Shutdown, 10*time.Second) {
			t.Error("cluster did not shut down in time")
			test.PrintStackTrace(t)
		}
	}()

	if !test.WaitForCondition(func() bool {
		c, err := cluster.CoordinatorOf()
		return err == nil && c == 3
	}, 8*time.Second, 100*time.Millisecond) {
		t.Fatal("cluster did not converge on node 3 as coordinator")
	}

	// Replace nodes 2 and 3 with stubs that answer ELECTION with ANSWER but
	// never send COORDINATOR, forcing node 1's two-phase timeout to
	// restart the round instead of settling.
	addr2, addr3 := cluster.Get(2).LocalAddr().String(), cluster.Get(3).LocalAddr().String()
	cluster.Get(2).Shutdown()
	cluster.Get(3).Shutdown()
	stop2 := test.AnswerOnlyStub(t, 2, addr2)
	stop3 := test.AnswerOnlyStub(t, 3, addr3)
	defer stop2()
	defer stop3()

	n1 := cluster.Get(1)
	n1.Elect()

	// Node 1 should still lack a coordinator well past one election
	// timeout (it received ANSWERs but no COORDINATOR, so it is looping
	// through ELECTION_RESTART rather than settling or giving up).
	if test.WaitForCondition(func() bool {
		return n1.Status().CoordinatorID != nil
	}, 6*time.Second, 200*time.Millisecond) {
		t.Fatal("node 1 should not have a coordinator while peers 2 and 3 only answer and never coordinate")
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
