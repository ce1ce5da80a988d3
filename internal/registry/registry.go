// Package registry tracks the Intent client and Sentinels connected to the
// Hub: their layer name, priority, declared selectors/capabilities, and
// liveness (spec.md §3, §4.2).
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind distinguishes the two participant variants.
type Kind string

const (
	KindIntent   Kind = "intent"
	KindSentinel Kind = "sentinel"
)

// Capability is one tag from the closed vocabulary spec.md §3 defines.
type Capability string

const (
	CapabilityVision              Capability = "vision"
	CapabilityPIIDetection        Capability = "pii-detection"
	CapabilityAccessibility       Capability = "accessibility"
	CapabilityStabilityMonitoring Capability = "stability-monitoring"
	CapabilityDetection           Capability = "detection"
	CapabilityHealing             Capability = "healing"
	CapabilityFormFilling         Capability = "form-filling"
)

// Conn is the minimal send handle a participant's transport must provide.
// The registry never reaches back into the transport beyond this.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Participant is one registered Intent or Sentinel.
type Participant struct {
	ConnID       string
	Kind         Kind
	Layer        string
	Priority     int // meaningful 1-10; >10 is advisory/observer only
	Selectors    []string
	Capabilities []string
	ProtocolVersion string
	AuthToken    string
	LastSeenAt   time.Time
	Conn         Conn
}

// HasCapability reports whether the participant declared cap.
func (p *Participant) HasCapability(cap Capability) bool {
	for _, c := range p.Capabilities {
		if c == string(cap) {
			return true
		}
	}
	return false
}

// RelevantForHandshake reports whether this Sentinel participates in
// pre-check broadcasts (priority <= 10, per spec.md §9 Open Question 1).
func (p *Participant) RelevantForHandshake() bool {
	return p.Kind == KindSentinel && p.Priority >= 1 && p.Priority <= 10
}

// Critical reports whether this Sentinel's liveness gates system health.
func (p *Participant) Critical() bool {
	return p.Kind == KindSentinel && p.Priority <= 5
}

// ErrDuplicateConn is returned when registering an already-known conn id.
type ErrDuplicateConn struct{ ConnID string }

func (e *ErrDuplicateConn) Error() string {
	return "connection " + e.ConnID + " already registered"
}

// ErrAuthMismatch is returned when a shared token is configured and the
// participant's token does not match.
var ErrAuthMismatch = &authMismatchError{}

type authMismatchError struct{}

func (e *authMismatchError) Error() string { return "authentication token mismatch" }

// DisconnectHandler is invoked when a participant disconnects, so the
// caller (the Hub) can release any lock it held. reason is a short,
// logged cause ("disconnected").
type DisconnectHandler func(p *Participant, reason string)

// Registry owns the set of connected participants.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	sharedToken  string
	heartbeatTTL time.Duration
	healthy      bool
	onDisconnect DisconnectHandler
	log          zerolog.Logger
}

// New creates a Registry. sharedToken, if non-empty, is required on every
// registration. heartbeatTTL is the watchdog's staleness threshold for
// priority<=5 Sentinels.
func New(sharedToken string, heartbeatTTL time.Duration, onDisconnect DisconnectHandler, log zerolog.Logger) *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
		sharedToken:  sharedToken,
		heartbeatTTL: heartbeatTTL,
		healthy:      true,
		onDisconnect: onDisconnect,
		log:          log.With().Str("component", "registry").Logger(),
	}
}

// Register adds a participant. Returns ErrDuplicateConn if connID is
// already registered, or ErrAuthMismatch if a shared token is configured
// and authToken doesn't match (the caller should close with code 4001).
func (r *Registry) Register(connID string, kind Kind, layer string, priority int, selectors, capabilities []string, version, authToken string, conn Conn) (*Participant, error) {
	if r.sharedToken != "" && authToken != r.sharedToken {
		return nil, ErrAuthMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[connID]; exists {
		return nil, &ErrDuplicateConn{ConnID: connID}
	}

	p := &Participant{
		ConnID:          connID,
		Kind:            kind,
		Layer:           layer,
		Priority:        priority,
		Selectors:       append([]string(nil), selectors...),
		Capabilities:    append([]string(nil), capabilities...),
		ProtocolVersion: version,
		AuthToken:       authToken,
		LastSeenAt:      time.Now(),
		Conn:            conn,
	}
	r.participants[connID] = p

	r.log.Info().
		Str("connId", connID).
		Str("kind", string(kind)).
		Str("layer", layer).
		Int("priority", priority).
		Strs("capabilities", p.Capabilities).
		Msg("participant registered")

	return p, nil
}

// Heartbeat refreshes lastSeenAt for connID. Returns false if unknown.
func (r *Registry) Heartbeat(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connID]
	if !ok {
		return false
	}
	p.LastSeenAt = time.Now()
	return true
}

// Disconnect removes connID and, if it was known, invokes onDisconnect so
// the Hub can release any lock it held.
func (r *Registry) Disconnect(connID string, reason string) {
	r.mu.Lock()
	p, ok := r.participants[connID]
	if ok {
		delete(r.participants, connID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.log.Info().Str("connId", connID).Str("layer", p.Layer).Str("reason", reason).Msg("participant disconnected")
	if r.onDisconnect != nil {
		r.onDisconnect(p, reason)
	}
}

// Get returns the participant for connID, if any.
func (r *Registry) Get(connID string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[connID]
	return p, ok
}

// Sentinels returns all registered Sentinels, ordered by ascending
// priority (then layer name) for deterministic iteration.
func (r *Registry) Sentinels() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Participant
	for _, p := range r.participants {
		if p.Kind == KindSentinel {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Layer < out[j].Layer
	})
	return out
}

// RelevantSentinels returns Sentinels eligible for handshake participation
// (priority <= 10).
func (r *Registry) RelevantSentinels() []*Participant {
	all := r.Sentinels()
	out := all[:0:0]
	for _, p := range all {
		if p.RelevantForHandshake() {
			out = append(out, p)
		}
	}
	return out
}

// All returns every registered participant.
func (r *Registry) All() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Count returns the number of registered participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Healthy reports whether every critical Sentinel has heartbeat recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

// RunWatchdog runs a 1Hz liveness check until stop is closed, flagging the
// registry unhealthy when any priority<=5 Sentinel goes silent longer than
// heartbeatTTL (spec.md §4.2).
func (r *Registry) RunWatchdog(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.checkHealth()
		}
	}
}

func (r *Registry) checkHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	healthy := true
	for _, p := range r.participants {
		if p.Critical() && now.Sub(p.LastSeenAt) > r.heartbeatTTL {
			healthy = false
			break
		}
	}
	if healthy != r.healthy {
		r.healthy = healthy
		if !healthy {
			r.log.Warn().Msg("system unhealthy: a critical sentinel missed its heartbeat")
		} else {
			r.log.Info().Msg("system healthy: all critical sentinels reporting")
		}
	}
}
