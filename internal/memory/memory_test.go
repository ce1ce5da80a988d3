package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	memFile := filepath.Join(dir, "memory.json")
	ghostFile := filepath.Join(dir, "ghost.json")
	return New(memFile, ghostFile, zerolog.Nop()), memFile, ghostFile
}

func TestLoadToleratesMissingFiles(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.Load(0, nil); err != nil {
		t.Fatalf("Load on absent files should not error, got %v", err)
	}
	if _, ok := s.Lookup("click", "anything"); ok {
		t.Error("empty store should have nothing to look up")
	}
}

func TestRememberAndLookupPrefersPrefixedKey(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Remember("fill", "username", "#user-bare")
	s.Remember("click", "username", "#user-click")

	sel, ok := s.Lookup("fill", "username")
	if !ok || sel != "#user-bare" {
		t.Errorf("Lookup(fill, username) = (%q, %v), want (#user-bare, true)", sel, ok)
	}
	sel, ok = s.Lookup("click", "username")
	if !ok || sel != "#user-click" {
		t.Errorf("Lookup(click, username) = (%q, %v), want (#user-click, true)", sel, ok)
	}
}

func TestRememberIgnoresEmptyGoalOrSelector(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Remember("click", "", "#x")
	s.Remember("click", "goal", "")
	if _, ok := s.Lookup("click", "goal"); ok {
		t.Error("Remember with an empty goal or selector should not record anything")
	}
}

func TestGhostHintTracksMaxObservedLatency(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.RecordGhost("click", "#go", 300)
	s.RecordGhost("click", "#go", 150)
	s.RecordGhost("click", "#go", 500)

	ms, ok := s.GhostHint("click", "#go")
	if !ok || ms != 500 {
		t.Errorf("GhostHint() = (%d, %v), want (500, true)", ms, ok)
	}
}

func TestIsHistoricallyUnstableChecksNeighboringBuckets(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.auras[10] = struct{}{}

	if !s.IsHistoricallyUnstable(10) {
		t.Error("exact bucket match should be unstable")
	}
	if !s.IsHistoricallyUnstable(9) {
		t.Error("preceding bucket should count as unstable (±1 buffer)")
	}
	if !s.IsHistoricallyUnstable(11) {
		t.Error("following bucket should count as unstable (±1 buffer)")
	}
	if s.IsHistoricallyUnstable(20) {
		t.Error("distant bucket should not be unstable")
	}
}

func TestSavePersistsAndLoadRestores(t *testing.T) {
	s, memFile, ghostFile := newTestStore(t)
	s.Remember("click", "continue", "#continue-btn")
	s.RecordGhost("click", "#continue-btn", 750)

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(memFile); err != nil {
		t.Errorf("memory file should exist after Save: %v", err)
	}
	if _, err := os.Stat(ghostFile); err != nil {
		t.Errorf("ghost file should exist after Save: %v", err)
	}

	restored := New(memFile, ghostFile, zerolog.Nop())
	if err := restored.Load(0, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sel, ok := restored.Lookup("click", "continue"); !ok || sel != "#continue-btn" {
		t.Errorf("restored Lookup = (%q, %v)", sel, ok)
	}
	if ms, ok := restored.GhostHint("click", "#continue-btn"); !ok || ms != 750 {
		t.Errorf("restored GhostHint = (%d, %v)", ms, ok)
	}
}

func TestLoadFoldsInPriorTrace(t *testing.T) {
	s, _, _ := newTestStore(t)
	events := []TraceEvent{
		{Goal: "sign in", Selector: "#signin", TimestampUnixMs: 1000},
		{IsEntropy: true, TimestampUnixMs: 2000},
	}
	if err := s.Load(1000, events); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if sel, ok := s.Lookup("anything", "sign in"); !ok || sel != "#signin" {
		t.Errorf("Lookup after folding prior trace = (%q, %v)", sel, ok)
	}
	if !s.IsHistoricallyUnstable(CurrentBucket(1000_000_000)) {
		t.Error("entropy event bucket should be flagged unstable")
	}
}

func TestCurrentBucket(t *testing.T) {
	if got := CurrentBucket(0); got != 0 {
		t.Errorf("CurrentBucket(0) = %d, want 0", got)
	}
	if got := CurrentBucket(1_200_000_000); got != 2 {
		t.Errorf("CurrentBucket(1.2s) = %d, want 2", got)
	}
}
