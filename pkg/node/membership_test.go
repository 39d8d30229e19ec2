package node

import "testing"

func TestMembership_MarkAliveHealsDeadNode(t *testing.T) {
	m := newMembership()
	m.MarkDead(2)
	if !m.IsDead(2) {
		t.Fatal("expected node 2 to be dead")
	}

	m.MarkAlive(2)
	if m.IsDead(2) {
		t.Fatal("expected node 2 to be healed")
	}
}

func TestMembership_SnapshotIsACopy(t *testing.T) {
	m := newMembership()
	m.MarkDead(3)

	snap := m.Snapshot()
	if _, ok := snap[3]; !ok {
		t.Fatal("expected snapshot to contain node 3")
	}

	m.MarkAlive(3)
	if _, ok := snap[3]; !ok {
		t.Fatal("snapshot should not be affected by later mutation")
	}
}

func TestMembership_Len(t *testing.T) {
	m := newMembership()
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", m.Len())
	}
	m.MarkDead(1)
	m.MarkDead(2)
	m.MarkDead(2) // idempotent
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
}
