package hub

import (
	"context"
	"strings"
	"time"

	"github.com/starlight-protocol/starlight-hub/internal/lock"
	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
	"github.com/starlight-protocol/starlight-hub/internal/protocol"
	"github.com/starlight-protocol/starlight-hub/internal/queue"
	"github.com/starlight-protocol/starlight-hub/internal/quorum"
	"github.com/starlight-protocol/starlight-hub/internal/registry"
	"github.com/starlight-protocol/starlight-hub/internal/telemetry"
)

// timeoutCtx bundles a bounded context with its cancel func for the
// lock-owner action handlers, which must not block the control loop
// indefinitely on a stalled PageDriver call.
type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// actionTimeout bounds a single lock-owner action (click/get_a11y_snapshot)
// so a stalled PageDriver call cannot wedge the control loop.
const actionTimeout = 10 * time.Second

func (h *Hub) missionContextDeadline() timeoutCtx {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	return timeoutCtx{ctx: ctx, cancel: cancel}
}

// obstacleClassHints is the closed vocabulary of obstacle classes whose
// mention in a lock-owner action selector triggers sovereign remediation
// (spec.md §4.4). Matching is substring-based against the lowercased
// selector, so it is case insensitive.
var obstacleClassHints = []string{"modal", "overlay", "close", "shadow"}

// dispatch handles one inbound frame from connID. It runs on that
// connection's read goroutine, so frames from different connections are
// handled concurrently; the registry, lock manager and Hub state each
// guard themselves with their own mutex.
func (h *Hub) dispatch(connID string, msg *protocol.Message) {
	if !msg.IsValidRequest() {
		h.log.Warn().Str("connId", connID).Str("method", msg.Method).Msg("dropping malformed frame")
		return
	}

	switch msg.Method {
	case protocol.MethodRegistration:
		h.handleRegistration(connID, msg)
	case protocol.MethodPulse:
		h.registry.Heartbeat(connID)
	case protocol.MethodContextUpdate:
		h.handleContextUpdate(connID, msg)
	case protocol.MethodIntent:
		h.handleIntent(connID, msg)
	case protocol.MethodHijack:
		h.handleHijack(connID, msg)
	case protocol.MethodResume:
		h.handleResume(connID, msg)
	case protocol.MethodClear:
		h.handleVote(connID, msg, quorum.VoteClear)
	case protocol.MethodWait:
		h.handleVote(connID, msg, quorum.VoteWait)
	case protocol.MethodAction:
		h.handleAction(connID, msg)
	case protocol.MethodFinish:
		h.handleFinish(connID, msg)
	default:
		h.log.Warn().Str("method", msg.Method).Msg("unknown method, dropping frame")
	}
}

func (h *Hub) traceRecv(method, layer string) {
	h.trace.Record(telemetry.Record{Direction: "recv", Method: method, Layer: layer})
}

func (h *Hub) handleRegistration(connID string, msg *protocol.Message) {
	var p protocol.RegistrationParams
	if err := msg.ParseParams(&p); err != nil {
		h.log.Warn().Err(err).Msg("bad registration params")
		return
	}

	kind := registry.KindSentinel
	if p.Priority == 0 && len(p.Selectors) == 0 && len(p.Capabilities) == 0 {
		// The Intent client registers without the Sentinel-only fields.
		kind = registry.KindIntent
	}

	h.mu.Lock()
	c := h.clients[connID]
	h.mu.Unlock()
	if c == nil {
		return
	}

	participant, err := h.registry.Register(connID, kind, p.Layer, p.Priority, p.Selectors, p.Capabilities, p.Version, p.AuthToken, connAdapter{c})
	if err != nil {
		if err == registry.ErrAuthMismatch {
			c.CloseWithCode(AuthCloseCode, "authentication token mismatch")
			return
		}
		h.log.Warn().Err(err).Str("connId", connID).Msg("registration rejected")
		return
	}

	if kind == registry.KindIntent {
		h.mu.Lock()
		h.intentConnID = connID
		h.mu.Unlock()
	}

	h.traceRecv(protocol.MethodRegistration, participant.Layer)

	result := protocol.RegistrationResult{Success: true, ConnectionID: connID, HubVersion: hubVersion}
	resp, err := protocol.NewMessage(protocol.MethodRegistration, result)
	if err == nil {
		data, _ := resp.Marshal()
		c.SafeSend(data)
	}
}

func (h *Hub) handleContextUpdate(connID string, msg *protocol.Message) {
	var p protocol.ContextUpdateParams
	if err := msg.ParseParams(&p); err != nil {
		return
	}
	participant, _ := h.registry.Get(connID)
	layer := ""
	if participant != nil {
		layer = participant.Layer
	}
	h.traceRecv(protocol.MethodContextUpdate, layer)

	h.mu.Lock()
	for k, v := range p.Context {
		h.missionCtx[k] = v
	}
	snapshot := make(map[string]any, len(h.missionCtx))
	for k, v := range h.missionCtx {
		snapshot[k] = v
	}
	h.mu.Unlock()

	h.broadcastSovereignUpdate(snapshot)
}

func (h *Hub) broadcastSovereignUpdate(ctxSnapshot map[string]any) {
	msg, err := protocol.NewMessage(protocol.MethodSovereignUpdate, protocol.SovereignUpdateParams{Context: ctxSnapshot})
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

func (h *Hub) handleIntent(connID string, msg *protocol.Message) {
	var p protocol.IntentParams
	if err := msg.ParseParams(&p); err != nil {
		return
	}
	participant, _ := h.registry.Get(connID)
	layer := ""
	if participant != nil {
		layer = participant.Layer
	}
	h.traceRecv(protocol.MethodIntent, layer)

	id := p.Name
	if id == "" {
		id = newConnID()
	}
	h.q.Enqueue(queue.Command{
		ID: id, Cmd: p.Cmd, Goal: p.Goal, URL: p.URL, Selector: p.Selector,
		Text: p.Text, Value: p.Value, Key: p.Key, Files: p.Files, Name: p.Name,
		StabilityHint: p.StabilityHint,
	})
}

func (h *Hub) handleHijack(connID string, msg *protocol.Message) {
	var p protocol.HijackParams
	if err := msg.ParseParams(&p); err != nil {
		return
	}
	participant, ok := h.registry.Get(connID)
	if !ok {
		return
	}
	h.traceRecv(protocol.MethodHijack, participant.Layer)

	if !h.registry.Healthy() {
		h.log.Warn().Str("layer", participant.Layer).Msg("hijack rejected: system unhealthy")
		return
	}

	holder := lockHolder(participant)
	preempted, err := h.lockMgr.Hijack(holder, p.Reason)
	if err != nil {
		h.log.Info().Str("layer", participant.Layer).Err(err).Msg("hijack denied")
		return
	}
	h.trace.Record(telemetry.Record{
		Direction: "send", Method: "hijack", Layer: participant.Layer,
		Error: p.Reason, // overloaded to carry the hijack reason for the report's HIJACK cards
	})
	_ = preempted
}

func (h *Hub) handleResume(connID string, msg *protocol.Message) {
	var p protocol.ResumeParams
	if err := msg.ParseParams(&p); err != nil {
		return
	}
	if err := h.lockMgr.Release(connID, "resumed"); err != nil {
		return
	}
	if p.ReCheck {
		h.q.EnqueueHead(queue.Command{ID: newConnID(), Cmd: "wait", StabilityHint: 0})
		time.Sleep(500 * time.Millisecond)
	}
}

func (h *Hub) handleVote(connID string, msg *protocol.Message, kind quorum.VoteKind) {
	h.mu.Lock()
	ch, ok := h.pendingVotes[msg.ID+":"+connID]
	h.mu.Unlock()
	if !ok {
		return
	}

	vote := quorum.Vote{ConnID: connID, Kind: kind}
	switch kind {
	case quorum.VoteClear:
		var p protocol.ClearParams
		_ = msg.ParseParams(&p)
		vote.Confidence = 1.0
		if p.Confidence != nil {
			vote.Confidence = *p.Confidence
		}
	case quorum.VoteWait:
		var p protocol.WaitParams
		_ = msg.ParseParams(&p)
		vote.RetryAfterMs = p.RetryAfterMs
	}

	select {
	case ch <- vote:
	default:
	}
}

func (h *Hub) handleAction(connID string, msg *protocol.Message) {
	if !h.lockMgr.IsOwner(connID) {
		h.log.Warn().Str("connId", connID).Msg("action rejected: caller does not hold the lock")
		return
	}
	var p protocol.ActionParams
	if err := msg.ParseParams(&p); err != nil {
		return
	}

	ctx := h.missionContextDeadline()
	defer ctx.cancel()

	switch p.Cmd {
	case "get_a11y_snapshot":
		snap, err := driverProxy{h}.A11ySnapshot(ctx.ctx)
		if err != nil {
			return
		}
		h.replyA11ySnapshot(connID, msg.ID, snap)
	case "click":
		if err := (driverProxy{h}).ClickForced(ctx.ctx, p.Selector); err != nil {
			h.log.Warn().Err(err).Str("selector", p.Selector).Msg("forced click failed")
		}
		h.maybeSovereignRemediate(ctx, p.Selector)
	default:
		if err := (driverProxy{h}).Execute(ctx.ctx, p.Cmd, p.Selector, "", "", "", nil); err != nil {
			h.log.Warn().Err(err).Str("cmd", p.Cmd).Msg("lock-owner action failed")
		}
		h.maybeSovereignRemediate(ctx, p.Selector)
	}
}

// maybeSovereignRemediate hides obstacle-class elements when the acting
// selector mentions one of the closed obstacle hints, regardless of
// whether the action itself succeeded — this is the "always-on sovereign
// remediation" of spec.md §4.4, gated behind the lock-owner's explicit
// "healing" capability per the redesign decision in DESIGN.md/SPEC_FULL.md.
func (h *Hub) maybeSovereignRemediate(ctx timeoutCtx, selector string) {
	participant, ok := h.registry.Get(h.currentLockOwnerConnID())
	if !ok || !participant.HasCapability(registry.CapabilityHealing) {
		return
	}
	lower := strings.ToLower(selector)
	matched := false
	for _, hint := range obstacleClassHints {
		if strings.Contains(lower, hint) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	if n, err := (driverProxy{h}).HideObstacles(ctx.ctx, h.cfg.ShadowDomMaxDepth); err == nil && n > 0 {
		h.log.Info().Int("hidden", n).Msg("sovereign remediation hid obstacle elements")
	}
}

func (h *Hub) currentLockOwnerConnID() string {
	snap := h.lockMgr.Snapshot()
	return snap.Owner
}

func (h *Hub) replyA11ySnapshot(connID, id string, snap *pagedriver.A11ySnapshot) {
	h.mu.Lock()
	c := h.clients[connID]
	h.mu.Unlock()
	if c == nil {
		return
	}
	resp, err := protocol.NewResponse(id, snap)
	if err != nil {
		return
	}
	data, err := resp.Marshal()
	if err != nil {
		return
	}
	c.SafeSend(data)
}

func (h *Hub) handleFinish(connID string, msg *protocol.Message) {
	var p protocol.FinishParams
	_ = msg.ParseParams(&p)
	reason := p.Reason
	if reason == "" {
		reason = "finish requested"
	}
	go h.Shutdown(reason)
}

func lockHolder(p *registry.Participant) lock.Holder {
	return lock.Holder{ConnID: p.ConnID, Layer: p.Layer, Priority: p.Priority}
}

const hubVersion = "1.0.0"
