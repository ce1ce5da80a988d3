package protocol

import "encoding/json"

// RegistrationParams is sent by a participant establishing its identity.
// Layer is the human-readable name; Priority/Selectors/Capabilities are
// meaningful for Sentinels only (spec.md §3).
type RegistrationParams struct {
	Layer        string   `json:"layer"`
	Priority     int      `json:"priority"`
	Selectors    []string `json:"selectors,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
	AuthToken    string   `json:"authToken,omitempty"`
}

// RegistrationResult acknowledges a successful registration.
type RegistrationResult struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connectionId"`
	HubVersion   string `json:"hubVersion"`
}

// PulseParams is a heartbeat; not traced.
type PulseParams struct {
	Data map[string]any `json:"data,omitempty"`
}

// ContextUpdateParams merges fields into the shared mission context.
type ContextUpdateParams struct {
	Context map[string]any `json:"context"`
}

// SovereignUpdateParams is broadcast to all participants after a
// context_update.
type SovereignUpdateParams struct {
	Context map[string]any `json:"context"`
}

// IntentParams enqueues a command from the Intent client.
type IntentParams struct {
	Cmd           string   `json:"cmd"`
	Goal          string   `json:"goal,omitempty"`
	URL           string   `json:"url,omitempty"`
	Selector      string   `json:"selector,omitempty"`
	Text          string   `json:"text,omitempty"`
	Value         string   `json:"value,omitempty"`
	Key           string   `json:"key,omitempty"`
	Files         []string `json:"files,omitempty"`
	Name          string   `json:"name,omitempty"`
	StabilityHint int      `json:"stabilityHint,omitempty"`
}

// HijackParams requests the intervention lock.
type HijackParams struct {
	Reason string `json:"reason"`
}

// ResumeParams releases the intervention lock.
type ResumeParams struct {
	ReCheck bool `json:"re_check,omitempty"`
}

// ClearParams is a pre-check reply approving the pending command.
type ClearParams struct {
	Confidence *float64 `json:"confidence,omitempty"`
}

// WaitParams is a pre-check reply vetoing the pending command.
type WaitParams struct {
	RetryAfterMs int `json:"retryAfterMs,omitempty"`
}

// ActionParams requests a PageDriver action while the sender holds the lock.
type ActionParams struct {
	Cmd      string `json:"cmd"`
	Selector string `json:"selector,omitempty"`
	ID       string `json:"id,omitempty"`
}

// FinishParams triggers mission shutdown.
type FinishParams struct {
	Reason string `json:"reason,omitempty"`
}

// PreCheckParams is broadcast by the Hub before executing a command.
type PreCheckParams struct {
	Command      CommandInfo       `json:"command"`
	Blocking     []BlockingElement `json:"blocking,omitempty"`
	TargetRect   *Rect             `json:"targetRect,omitempty"`
	Screenshot   string            `json:"screenshot,omitempty"`
	PageText     string            `json:"page_text,omitempty"`
	A11ySnapshot json.RawMessage   `json:"a11y_snapshot,omitempty"`
}

// CommandInfo describes the pending command inside a pre_check broadcast.
type CommandInfo struct {
	ID            string `json:"id"`
	Cmd           string `json:"cmd"`
	Goal          string `json:"goal,omitempty"`
	Selector      string `json:"selector,omitempty"`
	Text          string `json:"text,omitempty"`
	Value         string `json:"value,omitempty"`
	StabilityHint int    `json:"stabilityHint,omitempty"`
}

// BlockingElement describes a visible obstacle candidate.
type BlockingElement struct {
	Selector      string `json:"selector"`
	Tag           string `json:"tag,omitempty"`
	ID            string `json:"id,omitempty"`
	Classes       string `json:"classes,omitempty"`
	Text          string `json:"text,omitempty"`
	Rect          Rect   `json:"rect"`
	ShadowPierced bool   `json:"shadowPierced,omitempty"`
}

// Rect is an element's bounding box in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// EntropyStreamParams is a throttled activity broadcast.
type EntropyStreamParams struct {
	Entropy bool `json:"entropy"`
}

// CommandCompleteParams is the non-RPC event acked to Intent.
type CommandCompleteParams struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}
