// Package quorum implements the handshake/quorum engine (spec.md §4.5):
// the Hub broadcasts a pre_check to every relevant Sentinel and collects
// concurrent votes under a hard sync budget and a softer consensus
// timeout, applying veto supremacy and a confidence-weighted threshold.
package quorum

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
)

// Verdict is the final handshake outcome (spec.md §4.5 step 4-6).
type Verdict string

const (
	VerdictClear    Verdict = "clear"
	VerdictNotClear Verdict = "not_clear" // sync-budget expiry, no veto, no quorum
	VerdictVeto     Verdict = "veto"      // a Sentinel voted wait
)

// VoteKind is the shape of a single Sentinel's reply to a pre_check.
type VoteKind string

const (
	VoteClear  VoteKind = "clear"
	VoteWait   VoteKind = "wait"
	VoteHijack VoteKind = "hijack"
)

// Vote is one Sentinel's reply.
type Vote struct {
	ConnID       string
	Kind         VoteKind
	Confidence   float64 // meaningful for VoteClear only, default 1.0
	RetryAfterMs int     // meaningful for VoteWait only
}

// Sentinel is the subset of registry.Participant the engine needs to
// decide what context to gather and who to broadcast to.
type Sentinel struct {
	ConnID       string
	Layer        string
	Selectors    []string
	Capabilities []string
}

func (s Sentinel) hasCapability(cap string) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Command is the pending command the pre-check is gathering context for.
type Command struct {
	ID            string
	Cmd           string
	Goal          string
	Selector      string
	Text          string
	Value         string
	StabilityHint int
}

// Broadcaster sends a pre_check to one Sentinel and returns its vote, or
// an error if the send itself failed (treated as a non-vote). Implemented
// by the Hub's connection layer; kept as a function type so the engine
// has no direct dependency on the wire transport.
type Broadcaster func(ctx context.Context, s Sentinel, bc Broadcast) (Vote, error)

// Broadcast is the context gathered for one pre_check (spec.md §4.5 step 1).
type Broadcast struct {
	ID         string
	Command    Command
	Blocking   []pagedriver.ObstacleCandidate
	TargetRect *pagedriver.Rect
	Screenshot []byte
	PageText   string
	A11y       *pagedriver.A11ySnapshot
}

// Result is the outcome of RunPreCheck.
type Result struct {
	Verdict      Verdict
	RetryAfterMs int // set when Verdict == VerdictVeto
}

// Config carries the tunables spec.md §6 exposes for the handshake.
type Config struct {
	SyncBudget       time.Duration
	ConsensusTimeout time.Duration
	QuorumThreshold  float64
	MaxShadowDepth   int
}

// Engine runs pre-check handshakes against the currently relevant set of
// Sentinels.
type Engine struct {
	cfg    Config
	driver pagedriver.Driver
	send   Broadcaster
	log    zerolog.Logger
}

// New creates an Engine. send is invoked once per relevant Sentinel,
// concurrently, for every RunPreCheck call.
func New(cfg Config, driver pagedriver.Driver, send Broadcaster, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, driver: driver, send: send, log: log.With().Str("component", "quorum").Logger()}
}

// RunPreCheck gathers context and runs the handshake for cmd against
// relevant (spec.md §4.5). Returns VerdictClear immediately if relevant
// is empty.
func (e *Engine) RunPreCheck(ctx context.Context, cmd Command, relevant []Sentinel) (Result, error) {
	if len(relevant) == 0 {
		return Result{Verdict: VerdictClear}, nil
	}

	bc, err := e.gatherContext(ctx, cmd, relevant)
	if err != nil {
		return Result{}, err
	}

	syncCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncBudget)
	defer cancel()

	votes := make(chan Vote, len(relevant))
	g, gctx := errgroup.WithContext(syncCtx)
	for _, s := range relevant {
		s := s
		g.Go(func() error {
			v, sendErr := e.send(gctx, s, bc)
			if sendErr != nil {
				// A send failure or disconnect resolves as a non-vote
				// (spec.md §4.5: "Disconnections during the wait resolve
				// that Sentinel's slot as a non-vote").
				return nil
			}
			select {
			case votes <- v:
			case <-gctx.Done():
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(votes)
	}()

	return e.collect(syncCtx, votes, len(relevant))
}

// collect applies veto supremacy, the confidence-weighted quorum rule,
// and the consensus-timeout/sync-budget races (spec.md §4.5 steps 3-6).
func (e *Engine) collect(ctx context.Context, votes <-chan Vote, voterCount int) (Result, error) {
	needed := float64(voterCount) * e.cfg.QuorumThreshold
	var confidence float64
	var consensusTimer <-chan time.Time
	var consensusArmed bool

	for {
		select {
		case v, ok := <-votes:
			if !ok {
				return Result{Verdict: VerdictNotClear}, nil
			}
			switch v.Kind {
			case VoteWait:
				return Result{Verdict: VerdictVeto, RetryAfterMs: v.RetryAfterMs}, nil
			case VoteHijack:
				return Result{Verdict: VerdictVeto, RetryAfterMs: 0}, nil
			case VoteClear:
				// Confidence is already defaulted to 1.0 by the dispatch
				// layer when a Sentinel omits it; an explicit zero here is
				// a deliberate near-abstention and must not be promoted.
				confidence += v.Confidence
				if confidence >= needed {
					return Result{Verdict: VerdictClear}, nil
				}
				if !consensusArmed && e.cfg.QuorumThreshold < 1.0 {
					consensusArmed = true
					timer := time.NewTimer(e.cfg.ConsensusTimeout)
					defer timer.Stop()
					consensusTimer = timer.C
				}
			}
		case <-consensusTimer:
			if confidence >= needed {
				return Result{Verdict: VerdictClear}, nil
			}
			return Result{Verdict: VerdictNotClear}, nil
		case <-ctx.Done():
			return Result{Verdict: VerdictNotClear}, nil
		}
	}
}

// gatherContext assembles the broadcast payload: union of declared
// selectors, visibility-filtered obstacle list with shadow-piercing
// selectors, target rect, and capability-gated screenshot/page_text/a11y
// snapshot (spec.md §4.5 step 1).
func (e *Engine) gatherContext(ctx context.Context, cmd Command, relevant []Sentinel) (Broadcast, error) {
	selectorSet := map[string]struct{}{}
	var wantsVision, wantsPII, wantsA11y bool
	for _, s := range relevant {
		for _, sel := range s.Selectors {
			selectorSet[sel] = struct{}{}
		}
		wantsVision = wantsVision || s.hasCapability("vision")
		wantsPII = wantsPII || s.hasCapability("pii-detection")
		wantsA11y = wantsA11y || s.hasCapability("accessibility")
	}

	selectors := make([]string, 0, len(selectorSet))
	for sel := range selectorSet {
		selectors = append(selectors, sel)
	}

	bc := Broadcast{ID: uuid.NewString(), Command: cmd}

	if len(selectors) > 0 {
		obstacles, err := e.driver.FindObstacles(ctx, selectors, e.cfg.MaxShadowDepth)
		if err != nil {
			return Broadcast{}, err
		}
		bc.Blocking = obstacles
	}

	if cmd.Selector != "" {
		if rect, ok, err := e.driver.TargetRect(ctx, cmd.Selector); err == nil && ok {
			bc.TargetRect = rect
		}
	}

	if wantsVision {
		if shot, err := e.driver.Screenshot(ctx); err == nil {
			bc.Screenshot = shot
		}
	}
	if wantsPII {
		if text, err := e.driver.PageText(ctx); err == nil {
			bc.PageText = text
		}
	}
	if wantsA11y {
		if snap, err := e.driver.A11ySnapshot(ctx); err == nil {
			bc.A11y = snap
		}
	}

	return bc, nil
}
