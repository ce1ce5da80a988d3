package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/starlight-protocol/starlight-hub/internal/protocol"
	"github.com/starlight-protocol/starlight-hub/internal/quorum"
	"github.com/starlight-protocol/starlight-hub/internal/registry"
)

func newRequest(t *testing.T, method string, params any) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(method, params)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func TestHandleRegistrationSentinelKind(t *testing.T) {
	h, _ := newTestHub(t)
	connID := "conn-1"
	attachClient(h, connID)

	msg := newRequest(t, protocol.MethodRegistration, protocol.RegistrationParams{
		Layer: "cookie-banner", Priority: 4, Selectors: []string{".modal"}, Capabilities: []string{"healing"},
	})
	h.dispatch(connID, msg)

	p, ok := h.registry.Get(connID)
	if !ok || p.Kind != registry.KindSentinel {
		t.Fatalf("participant = %+v, ok=%v, want a registered sentinel", p, ok)
	}
}

func TestHandleRegistrationIntentKind(t *testing.T) {
	h, _ := newTestHub(t)
	connID := "conn-2"
	attachClient(h, connID)

	msg := newRequest(t, protocol.MethodRegistration, protocol.RegistrationParams{Layer: "intent-client"})
	h.dispatch(connID, msg)

	h.mu.Lock()
	got := h.intentConnID
	h.mu.Unlock()
	if got != connID {
		t.Errorf("intentConnID = %q, want %q", got, connID)
	}
}

func TestHandleRegistrationAuthMismatchClosesConnection(t *testing.T) {
	h, _ := newTestHub(t)
	h.cfg.Security.AuthToken = "secret"
	// The registry captures the shared token when it is constructed.
	h.registry = registry.New(h.cfg.Security.AuthToken, h.cfg.HeartbeatTimeout, h.onParticipantDisconnect, zerolog.Nop())
	connID := "conn-3"

	cliConn, srvConn := wsPair(t)
	_ = cliConn
	c := newClient(srvConn, connID)
	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()

	msg := newRequest(t, protocol.MethodRegistration, protocol.RegistrationParams{Layer: "bad-actor", AuthToken: "wrong"})
	h.dispatch(connID, msg)

	if _, ok := h.registry.Get(connID); ok {
		t.Error("a participant with a mismatched token must not be registered")
	}
	if !c.closed.Load() {
		t.Error("client should be closed after an auth mismatch")
	}
}

func TestHandleContextUpdateBroadcastsToAllClients(t *testing.T) {
	h, _ := newTestHub(t)
	a := attachClient(h, "a")
	b := attachClient(h, "b")

	msg := newRequest(t, protocol.MethodContextUpdate, protocol.ContextUpdateParams{Context: map[string]any{"step": "login"}})
	h.dispatch("a", msg)

	for _, c := range []*client{a, b} {
		select {
		case frame := <-c.send:
			parsed, err := protocol.ParseMessage(frame)
			if err != nil || parsed.Method != protocol.MethodSovereignUpdate {
				t.Errorf("expected a sovereign_update frame, got %+v (err=%v)", parsed, err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sovereign_update broadcast")
		}
	}
}

func TestHandleIntentEnqueuesCommand(t *testing.T) {
	h, _ := newTestHub(t)
	attachClient(h, "intent-conn")

	msg := newRequest(t, protocol.MethodIntent, protocol.IntentParams{Cmd: "click", Goal: "submit form", Name: "step-1"})
	h.dispatch("intent-conn", msg)

	if h.q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", h.q.Len())
	}
}

func TestHandleHijackGrantsLockToHigherPriority(t *testing.T) {
	h, _ := newTestHub(t)
	mustRegisterTestParticipant(t, h, "critical-layer", registry.KindSentinel, 1, nil, nil)

	msg := newRequest(t, protocol.MethodHijack, protocol.HijackParams{Reason: "cookie banner detected"})
	h.dispatch("critical-layer-conn", msg)

	if !h.lockMgr.Held() {
		t.Error("hijack from a registered sentinel with no existing holder should grant the lock")
	}
}

func TestHandleHijackRejectedWhenUnregistered(t *testing.T) {
	h, _ := newTestHub(t)
	attachClient(h, "unregistered-conn")

	msg := newRequest(t, protocol.MethodHijack, protocol.HijackParams{Reason: "x"})
	h.dispatch("unregistered-conn", msg)

	if h.lockMgr.Held() {
		t.Error("an unregistered connection must not be able to acquire the lock")
	}
}

func TestHandleResumeReleasesLock(t *testing.T) {
	h, _ := newTestHub(t)
	mustRegisterTestParticipant(t, h, "fixer", registry.KindSentinel, 2, nil, nil)
	h.dispatch("fixer-conn", newRequest(t, protocol.MethodHijack, protocol.HijackParams{Reason: "r"}))
	if !h.lockMgr.Held() {
		t.Fatal("precondition: lock should be held after hijack")
	}

	h.dispatch("fixer-conn", newRequest(t, protocol.MethodResume, protocol.ResumeParams{}))

	if h.lockMgr.Held() {
		t.Error("resume should release the lock")
	}
}

func TestHandleVoteDeliversToPendingChannel(t *testing.T) {
	h, _ := newTestHub(t)
	ch := make(chan quorum.Vote, 1)
	h.mu.Lock()
	h.pendingVotes["req-1:conn-a"] = ch
	h.mu.Unlock()

	msg := newRequest(t, protocol.MethodClear, protocol.ClearParams{})
	msg.ID = "req-1"
	h.dispatch("conn-a", msg)

	select {
	case v := <-ch:
		if v.Kind != quorum.VoteClear {
			t.Errorf("Kind = %q, want clear", v.Kind)
		}
		if v.Confidence != 1.0 {
			t.Errorf("Confidence = %v, want default 1.0", v.Confidence)
		}
	default:
		t.Fatal("expected a vote to be delivered to the pending channel")
	}
}

func TestHandleVoteWaitCarriesRetryAfter(t *testing.T) {
	h, _ := newTestHub(t)
	ch := make(chan quorum.Vote, 1)
	h.mu.Lock()
	h.pendingVotes["req-2:conn-b"] = ch
	h.mu.Unlock()

	msg := newRequest(t, protocol.MethodWait, protocol.WaitParams{RetryAfterMs: 400})
	msg.ID = "req-2"
	h.dispatch("conn-b", msg)

	v := <-ch
	if v.Kind != quorum.VoteWait || v.RetryAfterMs != 400 {
		t.Errorf("Vote = %+v, want {Kind: wait, RetryAfterMs: 400}", v)
	}
}

func TestHandleActionRejectedWhenNotLockOwner(t *testing.T) {
	h, driver := newTestHub(t)
	attachClient(h, "not-the-owner")

	msg := newRequest(t, protocol.MethodAction, protocol.ActionParams{Cmd: "click", Selector: "#x"})
	h.dispatch("not-the-owner", msg)

	if len(driver.clicked) != 0 {
		t.Error("a non-owner's action must not reach the driver")
	}
}

func TestHandleActionClicksWhenLockOwner(t *testing.T) {
	h, driver := newTestHub(t)
	mustRegisterTestParticipant(t, h, "fixer", registry.KindSentinel, 2, nil, []string{"healing"})
	h.dispatch("fixer-conn", newRequest(t, protocol.MethodHijack, protocol.HijackParams{Reason: "r"}))

	msg := newRequest(t, protocol.MethodAction, protocol.ActionParams{Cmd: "click", Selector: "#close-modal"})
	h.dispatch("fixer-conn", msg)

	if len(driver.clicked) != 1 || driver.clicked[0] != "#close-modal" {
		t.Errorf("driver.clicked = %v, want [#close-modal]", driver.clicked)
	}
}

func TestHandleActionSovereignRemediationHidesObstacles(t *testing.T) {
	h, driver := newTestHub(t)
	driver.hideCount = 2
	mustRegisterTestParticipant(t, h, "fixer", registry.KindSentinel, 2, nil, []string{"healing"})
	h.dispatch("fixer-conn", newRequest(t, protocol.MethodHijack, protocol.HijackParams{Reason: "r"}))

	msg := newRequest(t, protocol.MethodAction, protocol.ActionParams{Cmd: "click", Selector: ".modal-close"})
	h.dispatch("fixer-conn", msg)

	if driver.hiddenCalls != 1 {
		t.Errorf("HideObstacles calls = %d, want 1 (selector mentions an obstacle hint)", driver.hiddenCalls)
	}
}

func TestHandleActionWithoutHealingCapabilitySkipsRemediation(t *testing.T) {
	h, driver := newTestHub(t)
	mustRegisterTestParticipant(t, h, "fixer", registry.KindSentinel, 2, nil, nil)
	h.dispatch("fixer-conn", newRequest(t, protocol.MethodHijack, protocol.HijackParams{Reason: "r"}))

	msg := newRequest(t, protocol.MethodAction, protocol.ActionParams{Cmd: "click", Selector: ".modal-close"})
	h.dispatch("fixer-conn", msg)

	if driver.hiddenCalls != 0 {
		t.Error("sovereign remediation should be gated behind the healing capability")
	}
}

func TestDispatchDropsMalformedFrame(t *testing.T) {
	h, _ := newTestHub(t)
	bad := &protocol.Message{JSONRPC: "1.0", Method: protocol.MethodPulse}
	h.dispatch("anyone", bad) // must not panic
}

func TestDispatchUnknownMethodIsIgnored(t *testing.T) {
	h, _ := newTestHub(t)
	msg := newRequest(t, "starlight.unknown_method", nil)
	h.dispatch("anyone", msg) // must not panic
}
