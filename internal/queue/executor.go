package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/starlight-protocol/starlight-hub/internal/memory"
	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
	"github.com/starlight-protocol/starlight-hub/internal/quorum"
	"github.com/starlight-protocol/starlight-hub/internal/resolver"
	"github.com/starlight-protocol/starlight-hub/internal/telemetry"
)

// sideEffecting verbs actually mutate page state; ghost mode skips these
// (spec.md §4.3: "the executor does not actually perform side-effecting
// verbs on the page").
var sideEffectingVerbs = map[string]bool{
	"click": true, "fill": true, "select": true, "check": true,
	"uncheck": true, "upload": true, "hover": true, "scroll": true,
	"press": true, "type": true,
}

const settleDelay = 500 * time.Millisecond

// LockGate is the subset of lock.Manager the executor needs to obey
// "while locked, the queue executor must not advance" (spec.md §4.4).
type LockGate interface {
	Held() bool
	CheckTTL() (expired bool, previousOwner string)
}

// QuorumRunner is the subset of quorum.Engine the executor drives.
type QuorumRunner interface {
	RunPreCheck(ctx context.Context, cmd quorum.Command, relevant []quorum.Sentinel) (quorum.Result, error)
}

// GoalResolver is the subset of resolver.Resolver the executor drives.
type GoalResolver interface {
	Resolve(ctx context.Context, verb resolver.Verb, goal string) (resolver.Result, error)
}

// Learner is the subset of memory.Store the executor reads/writes.
type Learner interface {
	GhostHint(cmd, selector string) (ms int64, ok bool)
	RecordGhost(cmd, selector string, observedMs int64)
	Remember(cmd, goal, selector string)
	IsHistoricallyUnstable(bucket int64) bool
	Lookup(cmd, goal string) (selector string, ok bool)
}

// Recorder is the subset of telemetry the executor writes to.
type Recorder interface {
	Record(rec telemetry.Record)
	StartedAt() time.Time
}

// ShotSaver is the subset of telemetry.Screenshots the executor uses for
// before/after capture.
type ShotSaver interface {
	Save(label string, png []byte) (string, error)
}

// Config carries the executor's tunables (spec.md §6).
type Config struct {
	PredictiveWaitMs   int
	MaxPreCheckRetries int
	GhostMode          bool
}

// CompletionSink is invoked once per command with the final
// COMMAND_COMPLETE payload to ack back to Intent (spec.md §4.3 step 9).
type CompletionSink func(id string, success bool, errMsg string, ctxUpdate map[string]any)

// Executor drives the 9-step pipeline over commands popped from a Queue.
type Executor struct {
	cfg         Config
	queue       *Queue
	lock        LockGate
	quorumEng   QuorumRunner
	resolverEng GoalResolver
	memoryStore Learner
	trace       Recorder
	shots       ShotSaver
	driver      pagedriver.Driver
	sentinels   func() []quorum.Sentinel
	complete    CompletionSink
	log         zerolog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, q *Queue, lockGate LockGate, qe QuorumRunner, re GoalResolver, mem Learner, trace Recorder, shots ShotSaver, driver pagedriver.Driver, sentinels func() []quorum.Sentinel, complete CompletionSink, log zerolog.Logger) *Executor {
	return &Executor{
		cfg: cfg, queue: q, lock: lockGate, quorumEng: qe, resolverEng: re,
		memoryStore: mem, trace: trace, shots: shots, driver: driver,
		sentinels: sentinels, complete: complete,
		log: log.With().Str("component", "queue").Logger(),
	}
}

// Tick attempts to process exactly one command if the queue is non-empty,
// nothing is in flight, and the intervention lock is free (spec.md §4.4:
// "while locked, the queue executor must not advance"). Returns false
// when there was nothing to do.
func (e *Executor) Tick(ctx context.Context) bool {
	if expired, owner := e.lock.CheckTTL(); expired {
		e.log.Info().Str("previousOwner", owner).Msg("lock ttl expired, releasing")
	}
	if e.lock.Held() {
		return false
	}

	cmd, ok := e.queue.Dequeue()
	if !ok {
		return false
	}
	defer e.queue.Done()

	e.run(ctx, cmd)
	return true
}

func (e *Executor) run(ctx context.Context, cmd Command) {
	verb := resolver.Verb(cmd.Cmd)

	// Step 1: resolve goal -> selector when selector is absent.
	selfHealed := false
	if cmd.Goal != "" && cmd.Selector == "" {
		res, err := e.resolverEng.Resolve(ctx, verb, cmd.Goal)
		if err != nil {
			e.fail(cmd, err.Error())
			return
		}
		cmd.Selector = res.Selector
		selfHealed = res.SelfHealed
	}

	// Step 2: ghost hint raises stabilityHint.
	if ms, ok := e.memoryStore.GhostHint(cmd.Cmd, cmd.Selector); ok && int(ms) > cmd.StabilityHint {
		cmd.StabilityHint = int(ms)
	}

	// Step 3: aura predictive wait.
	bucket := memory.CurrentBucket(time.Since(e.trace.StartedAt()))
	if e.memoryStore.IsHistoricallyUnstable(bucket) {
		cmd.PredictiveWait = true
		sleepCtx(ctx, time.Duration(e.cfg.PredictiveWaitMs)*time.Millisecond)
	}

	// Step 4: pre-check handshake.
	qcmd := quorum.Command{
		ID: cmd.ID, Cmd: cmd.Cmd, Goal: cmd.Goal, Selector: cmd.Selector,
		Text: cmd.Text, Value: cmd.Value, StabilityHint: cmd.StabilityHint,
	}
	retries := 0
	for {
		result, err := e.quorumEng.RunPreCheck(ctx, qcmd, e.sentinels())
		if err != nil {
			e.fail(cmd, err.Error())
			return
		}
		switch result.Verdict {
		case quorum.VerdictClear:
		case quorum.VerdictVeto:
			retries++
			if retries > e.cfg.MaxPreCheckRetries {
				cmd.Forced = true
			} else {
				sleepCtx(ctx, time.Duration(result.RetryAfterMs)*time.Millisecond)
				continue
			}
		case quorum.VerdictNotClear:
			retries++
			if retries > e.cfg.MaxPreCheckRetries {
				cmd.Forced = true
			} else {
				continue
			}
		}
		break
	}

	// Step 5: before screenshot.
	beforeShot := e.captureShot(ctx, "before")

	// Step 6: execute with self-heal and plain retry.
	finalSelector, execErr := e.executeWithRetries(ctx, cmd, selfHealed)

	// Step 7: settle delay, after screenshot.
	sleepCtx(ctx, settleDelay)
	afterShot := e.captureShot(ctx, "after")

	success := execErr == nil
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}

	// Step 8: memory write on success with goal.
	if success && cmd.Goal != "" && finalSelector != "" {
		e.memoryStore.Remember(cmd.Cmd, cmd.Goal, finalSelector)
	}
	if success {
		e.memoryStore.RecordGhost(cmd.Cmd, finalSelector, settleDelay.Milliseconds())
	}

	// Step 9: record + ack.
	e.trace.Record(telemetry.Record{
		Direction: "send", Method: "command_complete", Goal: cmd.Goal,
		Selector: finalSelector, Success: success, Error: errMsg,
		Forced: cmd.Forced, SelfHealed: selfHealed, PredictiveWait: cmd.PredictiveWait,
		BeforeScreenshot: beforeShot, AfterScreenshot: afterShot,
	})
	if e.complete != nil {
		e.complete(cmd.ID, success, errMsg, nil)
	}
}

func (e *Executor) fail(cmd Command, errMsg string) {
	e.trace.Record(telemetry.Record{
		Direction: "send", Method: "command_complete", Goal: cmd.Goal,
		Selector: cmd.Selector, Success: false, Error: errMsg,
	})
	if e.complete != nil {
		e.complete(cmd.ID, false, errMsg, nil)
	}
}

// executeWithRetries performs PageDriver verb execution with one
// self-heal substitution (swap in the historical memory selector and
// retry once) followed by one plain 100ms-delay retry, per spec.md §4.3
// step 6. Returns the selector that finally succeeded (or the last one
// attempted, on failure).
func (e *Executor) executeWithRetries(ctx context.Context, cmd Command, alreadySelfHealed bool) (string, error) {
	if e.cfg.GhostMode && sideEffectingVerbs[cmd.Cmd] {
		return cmd.Selector, nil
	}

	selector := cmd.Selector
	err := e.execOnce(ctx, cmd, selector)
	if err == nil {
		return selector, nil
	}

	if !alreadySelfHealed && cmd.Goal != "" {
		if altSelector, found := e.memoryStore.Lookup(cmd.Cmd, cmd.Goal); found && altSelector != selector {
			if err2 := e.execOnce(ctx, cmd, altSelector); err2 == nil {
				return altSelector, nil
			}
		}
	}

	sleepCtx(ctx, 100*time.Millisecond)
	if err3 := e.execOnce(ctx, cmd, selector); err3 == nil {
		return selector, nil
	}

	return selector, err
}

func (e *Executor) execOnce(ctx context.Context, cmd Command, selector string) error {
	if selector == "" && cmd.Cmd != "goto" && cmd.Cmd != "wait" && cmd.Cmd != "finish" && cmd.Cmd != "checkpoint" {
		return errors.New("no selector resolved for command")
	}
	switch cmd.Cmd {
	case "goto":
		return e.driver.Goto(ctx, cmd.URL)
	case "checkpoint":
		// no PageDriver call; a checkpoint only needs the trace/ack that
		// the executor already records for every command (step 9).
		return nil
	case "wait", "finish":
		// internal pseudo-verbs: no PageDriver call.
		return nil
	case "click", "hover", "scroll":
		return e.driver.Execute(ctx, cmd.Cmd, selector, "", "", "", nil)
	default:
		return e.driver.Execute(ctx, cmd.Cmd, selector, cmd.Text, cmd.Value, cmd.Key, cmd.Files)
	}
}

func (e *Executor) captureShot(ctx context.Context, label string) string {
	png, err := e.driver.Screenshot(ctx)
	if err != nil {
		return ""
	}
	name, err := e.shots.Save(label, png)
	if err != nil {
		return ""
	}
	return name
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
