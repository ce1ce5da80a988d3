package lock

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHijackFreeLock(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	preempted, err := m.Hijack(Holder{ConnID: "c1", Layer: "vision", Priority: 3}, "obstacle detected")
	if err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if preempted != "" {
		t.Errorf("preempted = %q, want empty on a free lock", preempted)
	}
	if !m.IsOwner("c1") {
		t.Error("c1 should own the lock")
	}
}

func TestHijackPreemptsLowerPriority(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "low-priority", Priority: 8}, "r1"); err != nil {
		t.Fatalf("Hijack c1: %v", err)
	}
	preempted, err := m.Hijack(Holder{ConnID: "c2", Layer: "high-priority", Priority: 2}, "r2")
	if err != nil {
		t.Fatalf("Hijack c2: %v", err)
	}
	if preempted != "preempted" {
		t.Errorf("preempted = %q, want \"preempted\"", preempted)
	}
	if !m.IsOwner("c2") {
		t.Error("c2 should now own the lock")
	}
}

func TestHijackEqualPriorityNeverPreempts(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "a", Priority: 4}, "r1"); err != nil {
		t.Fatalf("Hijack c1: %v", err)
	}
	_, err := m.Hijack(Holder{ConnID: "c2", Layer: "b", Priority: 4}, "r2")
	if err != ErrPriorityTooLow {
		t.Errorf("expected ErrPriorityTooLow for equal priorities, got %v", err)
	}
	if !m.IsOwner("c1") {
		t.Error("c1 should still own the lock")
	}
}

func TestHijackLowerPriorityFails(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "a", Priority: 2}, "r1"); err != nil {
		t.Fatalf("Hijack c1: %v", err)
	}
	_, err := m.Hijack(Holder{ConnID: "c2", Layer: "b", Priority: 5}, "r2")
	if err != ErrPriorityTooLow {
		t.Errorf("expected ErrPriorityTooLow, got %v", err)
	}
}

func TestReHijackByOwnerRefreshes(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "a", Priority: 3}, "r1"); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	preempted, err := m.Hijack(Holder{ConnID: "c1", Layer: "a", Priority: 3}, "r2")
	if err != nil || preempted != "" {
		t.Errorf("re-hijack by owner should succeed with no preemption, got preempted=%q err=%v", preempted, err)
	}
	if m.Snapshot().Reason != "r2" {
		t.Errorf("reason should refresh to r2, got %q", m.Snapshot().Reason)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "a", Priority: 3}, "r1"); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if err := m.Release("c2", "resumed"); err != ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if err := m.Release("c1", "resumed"); err != nil {
		t.Errorf("Release by owner should succeed, got %v", err)
	}
	if m.Held() {
		t.Error("lock should be free after release")
	}
}

func TestReleaseFreeLockIsNoop(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if err := m.Release("anyone", "resumed"); err != nil {
		t.Errorf("releasing an already-free lock should be a no-op, got %v", err)
	}
}

func TestForceRelease(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if wasHeld, _ := m.ForceRelease("disconnect"); wasHeld {
		t.Error("ForceRelease on a free lock should report wasHeld=false")
	}
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "a", Priority: 3}, "r1"); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	wasHeld, prevOwner := m.ForceRelease("disconnect")
	if !wasHeld || prevOwner != "a" {
		t.Errorf("ForceRelease = (%v, %q), want (true, \"a\")", wasHeld, prevOwner)
	}
}

func TestCheckTTLExpiry(t *testing.T) {
	m := New(30*time.Millisecond, zerolog.Nop())
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "a", Priority: 3}, "r1"); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if expired, _ := m.CheckTTL(); expired {
		t.Error("lock should not be expired immediately")
	}
	time.Sleep(50 * time.Millisecond)
	expired, prevOwner := m.CheckTTL()
	if !expired || prevOwner != "a" {
		t.Errorf("CheckTTL = (%v, %q), want (true, \"a\") after TTL elapses", expired, prevOwner)
	}
	if m.Held() {
		t.Error("lock should be free after TTL expiry")
	}
}

func TestSnapshot(t *testing.T) {
	m := New(5*time.Second, zerolog.Nop())
	if snap := m.Snapshot(); snap.Held {
		t.Error("Snapshot() on a free lock should report Held=false")
	}
	if _, err := m.Hijack(Holder{ConnID: "c1", Layer: "dom-sentinel", Priority: 3}, "obstacle"); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	snap := m.Snapshot()
	if !snap.Held || snap.Owner != "c1" || snap.OwnerLayer != "dom-sentinel" || snap.Reason != "obstacle" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}
