// Package lock implements the Hub's single exclusive intervention lock:
// priority-preemptive acquisition, TTL expiry, and owner validation
// (spec.md §4.4).
package lock

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotOwner is returned when a non-owner attempts to release or act
// under the lock.
var ErrNotOwner = errors.New("lock: caller is not the current owner")

// ErrPriorityTooLow is returned when a hijack fails to preempt because the
// challenger's priority is not strictly higher (lower number) than the
// holder's.
var ErrPriorityTooLow = errors.New("lock: challenger priority does not preempt current holder")

// State is a snapshot of the lock at a point in time.
type State struct {
	Held       bool
	Owner      string
	OwnerLayer string
	AcquiredAt time.Time
	TTL        time.Duration
	Reason     string
}

// Holder identifies a lock challenger/owner.
type Holder struct {
	ConnID   string
	Layer    string
	Priority int
}

// Manager owns the single active lock.
type Manager struct {
	mu    sync.Mutex
	owner *Holder
	acquiredAt time.Time
	ttl   time.Duration
	reason string
	log   zerolog.Logger
}

// New creates a Manager with the given TTL (spec.md §6 lockTTL, default 5s).
func New(ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{ttl: ttl, log: log.With().Str("component", "lock").Logger()}
}

// Hijack attempts to acquire the lock for holder. If the lock is free, it
// always succeeds. If held, it succeeds only when holder.Priority is
// strictly less than the current owner's (lower number = higher
// priority); equal priorities never preempt (spec.md §4.4, §8 invariant 5).
// Returns the reason the previous owner was released ("preempted"), or ""
// if the lock was free or holder already owned it.
func (m *Manager) Hijack(holder Holder, reason string) (preemptedReason string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner == nil {
		m.owner = &holder
		m.acquiredAt = time.Now()
		m.reason = reason
		m.log.Info().Str("owner", holder.Layer).Str("reason", reason).Msg("lock acquired")
		return "", nil
	}

	if m.owner.ConnID == holder.ConnID {
		// Re-hijack by the current owner just refreshes acquiredAt/reason.
		m.acquiredAt = time.Now()
		m.reason = reason
		return "", nil
	}

	if holder.Priority >= m.owner.Priority {
		return "", ErrPriorityTooLow
	}

	prevLayer := m.owner.Layer
	m.log.Info().
		Str("preempted", prevLayer).
		Str("newOwner", holder.Layer).
		Msg("lock preempted")

	m.owner = &holder
	m.acquiredAt = time.Now()
	m.reason = reason
	return "preempted", nil
}

// Release releases the lock if connID is the current owner. Returns
// ErrNotOwner otherwise. reason is the release cause, recorded for trace.
func (m *Manager) Release(connID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return nil
	}
	if m.owner.ConnID != connID {
		return ErrNotOwner
	}
	m.log.Info().Str("owner", m.owner.Layer).Str("reason", reason).Msg("lock released")
	m.owner = nil
	m.reason = ""
	return nil
}

// ForceRelease unconditionally releases the lock (TTL expiry or owner
// disconnect), regardless of who currently owns it.
func (m *Manager) ForceRelease(reason string) (wasHeld bool, previousOwner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return false, ""
	}
	prev := m.owner.Layer
	m.log.Info().Str("owner", prev).Str("reason", reason).Msg("lock force-released")
	m.owner = nil
	m.reason = ""
	return true, prev
}

// CheckTTL force-releases the lock if its TTL has elapsed. Returns true if
// it did. Callers poll this from the control loop (spec.md §5 suspension
// point list never advances the queue without checking this first).
func (m *Manager) CheckTTL() (expired bool, previousOwner string) {
	m.mu.Lock()
	if m.owner == nil || time.Since(m.acquiredAt) < m.ttl {
		m.mu.Unlock()
		return false, ""
	}
	prev := m.owner.Layer
	m.mu.Unlock()
	expired, _ = m.ForceRelease("ttl_expired")
	return expired, prev
}

// IsOwner reports whether connID currently owns the lock.
func (m *Manager) IsOwner(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != nil && m.owner.ConnID == connID
}

// Held reports whether any lock is currently held.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != nil
}

// Snapshot returns the current lock state for /health and telemetry.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return State{}
	}
	return State{
		Held:       true,
		Owner:      m.owner.ConnID,
		OwnerLayer: m.owner.Layer,
		AcquiredAt: m.acquiredAt,
		TTL:        m.ttl,
		Reason:     m.reason,
	}
}
