package hub

import "errors"

// The seven error kinds of spec.md §7, each given a distinct sentinel so
// callers (and tests) can distinguish propagation paths with errors.Is.
var (
	// ErrProtocol covers a malformed frame, unknown method, or bad
	// namespace: logged, frame dropped, connection preserved.
	ErrProtocol = errors.New("hub: protocol error")

	// ErrAuthorization covers a missing or wrong registration token: the
	// connection is closed with WebSocket close code 4001.
	ErrAuthorization = errors.New("hub: authorization error")

	// ErrResolution covers a semantic goal the resolver could not match.
	ErrResolution = errors.New("hub: resolution error")

	// ErrExecution covers a PageDriver verb that failed after self-heal
	// and retry.
	ErrExecution = errors.New("hub: execution error")

	// ErrHandshake covers a veto or sync-budget timeout in the quorum
	// engine.
	ErrHandshake = errors.New("hub: handshake error")

	// ErrLiveness covers a critical Sentinel's heartbeat going silent.
	ErrLiveness = errors.New("hub: liveness error")

	// ErrLock covers a TTL-expired or rejected lock operation.
	ErrLock = errors.New("hub: lock error")
)

// AuthCloseCode is the WebSocket close code used for a failed
// registration token (spec.md §6, §7).
const AuthCloseCode = 4001
