// Package hub is the composition root: it wires the wire server (C1),
// participant registry (C2), command queue & executor (C3), intervention
// lock (C4), handshake/quorum engine (C5), semantic resolver (C6), memory
// & learning (C7), telemetry & trace (C8), and lifecycle manager (C9)
// into one running Hub process (spec.md §2, §5).
package hub

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/starlight-protocol/starlight-hub/internal/config"
	"github.com/starlight-protocol/starlight-hub/internal/lock"
	"github.com/starlight-protocol/starlight-hub/internal/memory"
	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
	"github.com/starlight-protocol/starlight-hub/internal/protocol"
	"github.com/starlight-protocol/starlight-hub/internal/queue"
	"github.com/starlight-protocol/starlight-hub/internal/quorum"
	"github.com/starlight-protocol/starlight-hub/internal/registry"
	"github.com/starlight-protocol/starlight-hub/internal/resolver"
	"github.com/starlight-protocol/starlight-hub/internal/telemetry"
)

func encodeScreenshot(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}

// connAdapter satisfies registry.Conn over a *client.
type connAdapter struct{ c *client }

func (a connAdapter) Send(data []byte) error {
	if !a.c.SafeSend(data) {
		return errors.New("hub: send failed, client closed or buffer full")
	}
	return nil
}
func (a connAdapter) Close() error { return a.c.Close() }

// Hub is the long-lived coordination process.
type Hub struct {
	cfg *config.Config
	log zerolog.Logger

	registry  *registry.Registry
	lockMgr   *lock.Manager
	q         *queue.Queue
	executor  *queue.Executor
	quorumEng *quorum.Engine
	resolver  *resolver.Resolver
	memory    *memory.Store
	trace     *telemetry.Trace
	shots     *telemetry.Screenshots
	stats     *telemetry.StatsHistory

	driverFactory pagedriver.Factory
	driverOnce    sync.Once
	driver        pagedriver.Driver
	driverErr     error

	mu           sync.Mutex
	clients      map[string]*client
	intentConnID string
	missionCtx   map[string]any

	pendingVotes map[string]chan quorum.Vote // key: broadcastID + ":" + connID

	activity atomic.Bool // set on DOM/network activity, drained by runEntropyLoop

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownWG   sync.WaitGroup

	startedAt time.Time
}

// New constructs every subsystem and wires it into a Hub, but does not
// start the wire server or mission loop — call Start for that.
func New(cfg *config.Config, driverFactory pagedriver.Factory, log zerolog.Logger) (*Hub, error) {
	log = log.With().Str("component", "hub").Logger()

	memoryFile := filepath.Join(cfg.DataDir, "starlight_memory.json")
	ghostFile := filepath.Join(cfg.DataDir, "temporal_ghosting.json")
	traceFile := filepath.Join(cfg.DataDir, "mission_trace.json")
	screenshotsDir := filepath.Join(cfg.DataDir, "screenshots")
	statsDBPath := filepath.Join(cfg.DataDir, "stats.db")

	mem := memory.New(memoryFile, ghostFile, log)
	prior, _ := telemetry.LoadPrevious(traceFile)
	events := make([]memory.TraceEvent, 0, len(prior))
	for _, r := range prior {
		events = append(events, memory.TraceEvent{Method: r.Method, Goal: r.Goal, Selector: r.Selector,
			IsEntropy: r.IsEntropy, IsStability: r.IsStability, TimestampUnixMs: r.Timestamp.UnixMilli()})
	}
	var traceStart int64
	if len(prior) > 0 {
		traceStart = prior[0].Timestamp.UnixMilli()
	}
	if err := mem.Load(traceStart, events); err != nil {
		log.Warn().Err(err).Msg("failed to load memory/ghost files")
	}
	trace := telemetry.NewTrace(traceFile, cfg.TraceMaxEvents, cfg.SnapshotMaxBytes, log)

	shots, err := telemetry.NewScreenshots(screenshotsDir, log)
	if err != nil {
		return nil, fmt.Errorf("init screenshots dir: %w", err)
	}
	if err := shots.Cleanup(cfg.ScreenshotMaxAge); err != nil {
		log.Warn().Err(err).Msg("screenshot cleanup failed")
	}

	statsHistory, err := telemetry.OpenStatsHistory(statsDBPath)
	if err != nil {
		log.Warn().Err(err).Msg("stats history unavailable, continuing without mission trend history")
		statsHistory = nil
	}

	lockMgr := lock.New(cfg.LockTTL, log)

	h := &Hub{
		cfg:          cfg,
		log:          log,
		lockMgr:      lockMgr,
		q:            queue.New(),
		memory:       mem,
		trace:        trace,
		shots:        shots,
		stats:        statsHistory,
		driverFactory: driverFactory,
		clients:      make(map[string]*client),
		missionCtx:   make(map[string]any),
		pendingVotes: make(map[string]chan quorum.Vote),
		shutdownCh:   make(chan struct{}),
		startedAt:    time.Now(),
	}

	h.registry = registry.New(cfg.Security.AuthToken, cfg.HeartbeatTimeout, h.onParticipantDisconnect, log)

	h.quorumEng = quorum.New(quorum.Config{
		SyncBudget:       cfg.SyncBudget,
		ConsensusTimeout: cfg.ConsensusTimeout,
		QuorumThreshold:  cfg.QuorumThreshold,
		MaxShadowDepth:   cfg.ShadowDomMaxDepth,
	}, driverProxy{h}, h.sendPreCheck, log)

	h.resolver = resolver.New(driverProxy{h}, mem, cfg.ShadowDomMaxDepth)

	h.executor = queue.NewExecutor(queue.Config{
		PredictiveWaitMs:   cfg.AuraPredictiveWaitMs,
		MaxPreCheckRetries: cfg.MaxPreCheckRetries,
		GhostMode:          cfg.GhostMode,
	}, h.q, lockMgr, h.quorumEng, h.resolver, mem, trace, shots, driverProxy{h}, h.relevantSentinels, h.ackIntent, log)

	return h, nil
}

// driverProxy lazily launches the Hub's single PageDriver on first use, so
// no browser process is spawned until the first command needs it
// (spec.md §3, §4.9).
type driverProxy struct{ h *Hub }

func (p driverProxy) ensure(ctx context.Context) (pagedriver.Driver, error) {
	p.h.driverOnce.Do(func() {
		p.h.driver, p.h.driverErr = p.h.driverFactory(ctx)
	})
	return p.h.driver, p.h.driverErr
}

func (p driverProxy) Goto(ctx context.Context, url string) error {
	d, err := p.ensure(ctx)
	if err != nil {
		return err
	}
	p.h.signalActivity()
	return d.Goto(ctx, url)
}
func (p driverProxy) Execute(ctx context.Context, verb, selector, text, value, key string, files []string) error {
	d, err := p.ensure(ctx)
	if err != nil {
		return err
	}
	p.h.signalActivity()
	return d.Execute(ctx, verb, selector, text, value, key, files)
}
func (p driverProxy) ClickForced(ctx context.Context, selector string) error {
	d, err := p.ensure(ctx)
	if err != nil {
		return err
	}
	p.h.signalActivity()
	return d.ClickForced(ctx, selector)
}
func (p driverProxy) Screenshot(ctx context.Context) ([]byte, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return d.Screenshot(ctx)
}
func (p driverProxy) FindObstacles(ctx context.Context, selectors []string, maxDepth int) ([]pagedriver.ObstacleCandidate, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return d.FindObstacles(ctx, selectors, maxDepth)
}
func (p driverProxy) TargetRect(ctx context.Context, selector string) (*pagedriver.Rect, bool, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return nil, false, err
	}
	return d.TargetRect(ctx, selector)
}
func (p driverProxy) QueryElements(ctx context.Context, q pagedriver.ElementQuery, maxDepth int) ([]pagedriver.ElementMatch, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return d.QueryElements(ctx, q, maxDepth)
}
func (p driverProxy) HideObstacles(ctx context.Context, maxDepth int) (int, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return 0, err
	}
	return d.HideObstacles(ctx, maxDepth)
}
func (p driverProxy) PageText(ctx context.Context) (string, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return "", err
	}
	return d.PageText(ctx)
}
func (p driverProxy) A11ySnapshot(ctx context.Context) (*pagedriver.A11ySnapshot, error) {
	d, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return d.A11ySnapshot(ctx)
}
func (p driverProxy) Close(ctx context.Context) error {
	if p.h.driver == nil {
		return nil
	}
	return p.h.driver.Close(ctx)
}

// relevantSentinels converts the currently registered Sentinels eligible
// for handshake participation (priority <= 10) into quorum.Sentinel
// values, decoupling the quorum engine from the registry package.
func (h *Hub) relevantSentinels() []quorum.Sentinel {
	participants := h.registry.RelevantSentinels()
	out := make([]quorum.Sentinel, 0, len(participants))
	for _, p := range participants {
		out = append(out, quorum.Sentinel{
			ConnID:       p.ConnID,
			Layer:        p.Layer,
			Selectors:    p.Selectors,
			Capabilities: p.Capabilities,
		})
	}
	return out
}

// onParticipantDisconnect releases the lock if the disconnecting
// participant held it (spec.md §4.2).
func (h *Hub) onParticipantDisconnect(p *registry.Participant, reason string) {
	if h.lockMgr.IsOwner(p.ConnID) {
		if wasHeld, _ := h.lockMgr.ForceRelease("disconnected"); wasHeld {
			h.log.Info().Str("layer", p.Layer).Msg("lock released on disconnect")
		}
	}
	h.resolvePendingVotesFor(p.ConnID)
}

// resolvePendingVotesFor resolves any in-flight pre-check vote channel
// for connID as a non-vote, so a disconnect during a handshake does not
// leak a goroutine (spec.md §4.5: "Disconnections during the wait
// resolve that Sentinel's slot as a non-vote").
func (h *Hub) resolvePendingVotesFor(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, ch := range h.pendingVotes {
		if hasSuffix(key, ":"+connID) {
			close(ch)
			delete(h.pendingVotes, key)
		}
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// sendPreCheck is the quorum.Broadcaster implementation: it marshals and
// sends a pre_check frame to s, then blocks until that Sentinel's vote
// arrives, the context is done, or the connection disconnects.
func (h *Hub) sendPreCheck(ctx context.Context, s quorum.Sentinel, bc quorum.Broadcast) (quorum.Vote, error) {
	voteCh := make(chan quorum.Vote, 1)
	key := bc.ID + ":" + s.ConnID

	h.mu.Lock()
	h.pendingVotes[key] = voteCh
	client := h.clients[s.ConnID]
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pendingVotes, key)
		h.mu.Unlock()
	}()

	if client == nil {
		return quorum.Vote{}, errors.New("hub: sentinel connection no longer present")
	}

	params := protocol.PreCheckParams{
		Command: protocol.CommandInfo{
			ID: bc.Command.ID, Cmd: bc.Command.Cmd, Goal: bc.Command.Goal,
			Selector: bc.Command.Selector, Text: bc.Command.Text, Value: bc.Command.Value,
			StabilityHint: bc.Command.StabilityHint,
		},
		Blocking: toBlockingElements(bc.Blocking),
	}
	if bc.TargetRect != nil {
		params.TargetRect = &protocol.Rect{X: bc.TargetRect.X, Y: bc.TargetRect.Y, Width: bc.TargetRect.Width, Height: bc.TargetRect.Height}
	}
	if len(bc.Screenshot) > 0 {
		params.Screenshot = encodeScreenshot(bc.Screenshot)
	}
	params.PageText = bc.PageText

	msg, err := protocol.NewMessage(protocol.MethodPreCheck, params)
	if err != nil {
		return quorum.Vote{}, err
	}
	msg.ID = bc.ID
	data, err := msg.Marshal()
	if err != nil {
		return quorum.Vote{}, err
	}
	if !client.SafeSend(data) {
		return quorum.Vote{}, errors.New("hub: pre_check send failed")
	}

	select {
	case v, ok := <-voteCh:
		if !ok {
			return quorum.Vote{}, errors.New("hub: sentinel disconnected mid-handshake")
		}
		return v, nil
	case <-ctx.Done():
		return quorum.Vote{}, ctx.Err()
	}
}

func toBlockingElements(obstacles []pagedriver.ObstacleCandidate) []protocol.BlockingElement {
	out := make([]protocol.BlockingElement, 0, len(obstacles))
	for _, o := range obstacles {
		out = append(out, protocol.BlockingElement{
			Selector: o.Selector, Tag: o.Tag, ID: o.ID, Classes: o.Classes, Text: o.Text,
			Rect:          protocol.Rect{X: o.Rect.X, Y: o.Rect.Y, Width: o.Rect.Width, Height: o.Rect.Height},
			ShadowPierced: o.ShadowPierced,
		})
	}
	return out
}

// ackIntent is the queue.CompletionSink: it acks the registered Intent
// client with COMMAND_COMPLETE (spec.md §4.3 step 9, §6).
func (h *Hub) ackIntent(id string, success bool, errMsg string, ctxUpdate map[string]any) {
	h.mu.Lock()
	connID := h.intentConnID
	c := h.clients[connID]
	h.mu.Unlock()

	if c == nil {
		return
	}
	params := protocol.CommandCompleteParams{ID: id, Success: success, Error: errMsg, Context: ctxUpdate}
	msg, err := protocol.NewMessage(protocol.MethodCommandComplete, params)
	if err != nil {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	c.SafeSend(data)
}

// signalActivity marks DOM/network activity for the next throttled
// entropy_stream broadcast (spec.md §6: "throttled (default 100ms)
// broadcast on DOM/network activity").
func (h *Hub) signalActivity() {
	h.activity.Store(true)
}

// broadcastEntropyIfDirty sends one entropy_stream frame to every connected
// client if activity was signaled since the last call, then clears the
// flag; runEntropyLoop calls this once per cfg.EntropyThrottle tick.
func (h *Hub) broadcastEntropyIfDirty() {
	if !h.activity.CompareAndSwap(true, false) {
		return
	}
	msg, err := protocol.NewMessage(protocol.MethodEntropyStream, protocol.EntropyStreamParams{Entropy: true})
	if err != nil {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.SafeSend(data)
	}
}

func newConnID() string { return uuid.NewString() }
