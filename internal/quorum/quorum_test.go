package quorum

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
)

type stubDriver struct{}

func (stubDriver) Goto(ctx context.Context, url string) error { return nil }
func (stubDriver) Execute(ctx context.Context, verb, selector, text, value, key string, files []string) error {
	return nil
}
func (stubDriver) ClickForced(ctx context.Context, selector string) error { return nil }
func (stubDriver) Screenshot(ctx context.Context) ([]byte, error)         { return []byte("png"), nil }
func (stubDriver) FindObstacles(ctx context.Context, selectors []string, maxShadowDepth int) ([]pagedriver.ObstacleCandidate, error) {
	return nil, nil
}
func (stubDriver) TargetRect(ctx context.Context, selector string) (*pagedriver.Rect, bool, error) {
	return nil, false, nil
}
func (stubDriver) QueryElements(ctx context.Context, q pagedriver.ElementQuery, maxShadowDepth int) ([]pagedriver.ElementMatch, error) {
	return nil, nil
}
func (stubDriver) HideObstacles(ctx context.Context, maxShadowDepth int) (int, error) { return 0, nil }
func (stubDriver) PageText(ctx context.Context) (string, error)                       { return "", nil }
func (stubDriver) A11ySnapshot(ctx context.Context) (*pagedriver.A11ySnapshot, error) { return nil, nil }
func (stubDriver) Close(ctx context.Context) error                                    { return nil }

func sentinels(n int) []Sentinel {
	out := make([]Sentinel, n)
	for i := range out {
		out[i] = Sentinel{ConnID: string(rune('a' + i))}
	}
	return out
}

func TestRunPreCheckNoRelevantSentinelsClearsImmediately(t *testing.T) {
	e := New(Config{SyncBudget: time.Second, QuorumThreshold: 1.0}, stubDriver{}, nil, zerolog.Nop())
	result, err := e.RunPreCheck(context.Background(), Command{ID: "c1"}, nil)
	if err != nil {
		t.Fatalf("RunPreCheck: %v", err)
	}
	if result.Verdict != VerdictClear {
		t.Errorf("Verdict = %q, want clear", result.Verdict)
	}
}

func TestRunPreCheckUnanimousClear(t *testing.T) {
	send := func(ctx context.Context, s Sentinel, bc Broadcast) (Vote, error) {
		return Vote{ConnID: s.ConnID, Kind: VoteClear, Confidence: 1.0}, nil
	}
	e := New(Config{SyncBudget: time.Second, QuorumThreshold: 1.0}, stubDriver{}, send, zerolog.Nop())

	result, err := e.RunPreCheck(context.Background(), Command{ID: "c1"}, sentinels(2))
	if err != nil {
		t.Fatalf("RunPreCheck: %v", err)
	}
	if result.Verdict != VerdictClear {
		t.Errorf("Verdict = %q, want clear", result.Verdict)
	}
}

func TestRunPreCheckVetoSupremacy(t *testing.T) {
	send := func(ctx context.Context, s Sentinel, bc Broadcast) (Vote, error) {
		if s.ConnID == "b" {
			return Vote{ConnID: s.ConnID, Kind: VoteWait, RetryAfterMs: 250}, nil
		}
		return Vote{ConnID: s.ConnID, Kind: VoteClear, Confidence: 1.0}, nil
	}
	e := New(Config{SyncBudget: time.Second, QuorumThreshold: 1.0}, stubDriver{}, send, zerolog.Nop())

	result, err := e.RunPreCheck(context.Background(), Command{ID: "c1"}, sentinels(3))
	if err != nil {
		t.Fatalf("RunPreCheck: %v", err)
	}
	if result.Verdict != VerdictVeto {
		t.Errorf("Verdict = %q, want veto (one wait vote should override any number of clears)", result.Verdict)
	}
	if result.RetryAfterMs != 250 {
		t.Errorf("RetryAfterMs = %d, want 250", result.RetryAfterMs)
	}
}

func TestRunPreCheckSyncBudgetExpiryIsNotClear(t *testing.T) {
	send := func(ctx context.Context, s Sentinel, bc Broadcast) (Vote, error) {
		<-ctx.Done()
		return Vote{}, ctx.Err()
	}
	e := New(Config{SyncBudget: 50 * time.Millisecond, QuorumThreshold: 1.0}, stubDriver{}, send, zerolog.Nop())

	result, err := e.RunPreCheck(context.Background(), Command{ID: "c1"}, sentinels(1))
	if err != nil {
		t.Fatalf("RunPreCheck: %v", err)
	}
	if result.Verdict != VerdictNotClear {
		t.Errorf("Verdict = %q, want not_clear when the sync budget expires with no vote", result.Verdict)
	}
}

func TestRunPreCheckConfidenceWeightedQuorum(t *testing.T) {
	send := func(ctx context.Context, s Sentinel, bc Broadcast) (Vote, error) {
		return Vote{ConnID: s.ConnID, Kind: VoteClear, Confidence: 0.5}, nil
	}
	e := New(Config{SyncBudget: time.Second, ConsensusTimeout: 50 * time.Millisecond, QuorumThreshold: 0.5}, stubDriver{}, send, zerolog.Nop())

	result, err := e.RunPreCheck(context.Background(), Command{ID: "c1"}, sentinels(2))
	if err != nil {
		t.Fatalf("RunPreCheck: %v", err)
	}
	if result.Verdict != VerdictClear {
		t.Errorf("Verdict = %q, want clear once confidence sum reaches the threshold", result.Verdict)
	}
}

func TestRunPreCheckExplicitZeroConfidenceIsNotPromoted(t *testing.T) {
	send := func(ctx context.Context, s Sentinel, bc Broadcast) (Vote, error) {
		return Vote{ConnID: s.ConnID, Kind: VoteClear, Confidence: 0}, nil
	}
	e := New(Config{SyncBudget: 50 * time.Millisecond, ConsensusTimeout: 20 * time.Millisecond, QuorumThreshold: 0.5}, stubDriver{}, send, zerolog.Nop())

	result, err := e.RunPreCheck(context.Background(), Command{ID: "c1"}, sentinels(2))
	if err != nil {
		t.Fatalf("RunPreCheck: %v", err)
	}
	if result.Verdict != VerdictNotClear {
		t.Errorf("Verdict = %q, want not_clear: an explicit confidence=0 vote must not be promoted to 1.0", result.Verdict)
	}
}

func TestRunPreCheckDisconnectResolvesAsNonVote(t *testing.T) {
	send := func(ctx context.Context, s Sentinel, bc Broadcast) (Vote, error) {
		if s.ConnID == "a" {
			return Vote{}, context.Canceled
		}
		return Vote{ConnID: s.ConnID, Kind: VoteClear, Confidence: 1.0}, nil
	}
	e := New(Config{SyncBudget: time.Second, QuorumThreshold: 1.0}, stubDriver{}, send, zerolog.Nop())

	result, err := e.RunPreCheck(context.Background(), Command{ID: "c1"}, sentinels(2))
	if err != nil {
		t.Fatalf("RunPreCheck: %v", err)
	}
	if result.Verdict != VerdictNotClear {
		t.Errorf("Verdict = %q, want not_clear: a disconnected sentinel cannot supply its required confidence", result.Verdict)
	}
}
