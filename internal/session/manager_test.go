package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateGetTouch(t *testing.T) {
	m := New(time.Hour)
	s := m.Create("agent1", "repo", "fix", "v1")
	got, ok := m.Get(s.ID)
	if !ok || got.ID != s.ID {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if !m.Touch(s.ID) {
		t.Fatal("Touch on live session should succeed")
	}
}

func TestExpiryRemovesAndSnapshotsOnce(t *testing.T) {
	fakeNow := time.Now()
	m := New(time.Millisecond)
	m.now = func() time.Time { return fakeNow }
	s := m.Create("agent1", "repo", "fix", "v1")

	fakeNow = fakeNow.Add(10 * time.Millisecond)
	if _, ok := m.Get(s.ID); ok {
		t.Fatal("expected expired session to be unreachable")
	}

	snap, ok := m.TakeSnapshot(s.ID)
	if !ok {
		t.Fatal("expected a snapshot after expiry")
	}
	if snap.AgentID != "agent1" || snap.Codebase != "repo" || snap.Intent != "fix" || snap.CodebaseVersion != "v1" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if _, ok := m.TakeSnapshot(s.ID); ok {
		t.Fatal("second TakeSnapshot should return false")
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := New(time.Hour)
	if _, ok := m.Get(uuid.New()); ok {
		t.Fatal("expected false for unknown session")
	}
}

func TestCleanupExpiredRemovesAll(t *testing.T) {
	fakeNow := time.Now()
	m := New(time.Millisecond)
	m.now = func() time.Time { return fakeNow }
	s1 := m.Create("a1", "r", "i", "v")
	s2 := m.Create("a2", "r", "i", "v")
	fakeNow = fakeNow.Add(10 * time.Millisecond)

	if n := m.CleanupExpired(); n != 2 {
		t.Fatalf("CleanupExpired = %d, want 2", n)
	}
	if _, ok := m.TakeSnapshot(s1.ID); !ok {
		t.Fatal("expected snapshot for s1")
	}
	if _, ok := m.TakeSnapshot(s2.ID); !ok {
		t.Fatal("expected snapshot for s2")
	}
}
