// Package pagedriver defines the Hub's boundary with the underlying browser
// driver. spec.md §1 treats the driver itself as an out-of-scope external
// collaborator; the Hub only needs this interface to lazy-launch it, run
// verb-specific actions, probe the DOM for the semantic resolver, capture
// screenshots, and close it once on shutdown.
package pagedriver

import "context"

// ObstacleCandidate is a visible DOM node considered during quorum/lock
// obstacle scanning (spec.md §4.4, §4.5).
type ObstacleCandidate struct {
	Selector      string
	Tag           string
	ID            string
	Classes       string
	Text          string
	Rect          Rect
	ShadowPierced bool
	ShadowDepth   int
}

// Rect is an element bounding box in page coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// ElementQuery describes one candidate the semantic resolver wants probed
// (spec.md §4.6): an element matching Tag with some attribute/text match.
type ElementQuery struct {
	Tags          []string
	TextSubstring string
	DataGoal      string
	AriaLabelOrID string
	LabelText     string
	Placeholder   string
	Name          string
	Title         string
}

// ElementMatch is one live DOM match for an ElementQuery. It carries every
// candidate field the resolver's match order (spec.md §4.6) ranks over, not
// just the one that happened to satisfy the query.
type ElementMatch struct {
	Tag           string
	ID            string
	ClassChain    string
	InnerText     string
	AriaLabel     string
	Name          string
	LabelText     string // associated <label> text, via for= or wrapping
	Placeholder   string
	Title         string
	DataGoal      string
	ShadowPierced bool
	ShadowDepth   int
}

// A11ySnapshot is an opaque accessibility tree snapshot; its shape is owned
// by the external driver implementation, the Hub only stores/forwards it.
type A11ySnapshot struct {
	Score      int // 0-100
	Violations []A11yViolation
}

// A11yViolation is a single accessibility rule violation.
type A11yViolation struct {
	Rule    string
	Count   int
	Impact  string
}

// Driver is the Hub's view of the underlying browser automation driver.
// Implementations are provided externally; the Hub never constructs one
// directly except through a Factory passed in at startup.
type Driver interface {
	// Goto navigates the page to url.
	Goto(ctx context.Context, url string) error

	// Execute performs a verb-specific action against selector (or
	// types/selects/etc. using the verb-appropriate parameter).
	Execute(ctx context.Context, verb, selector, text, value, key string, files []string) error

	// ClickForced clicks selector, falling back to a synthetic
	// dispatchEvent if a natural click is intercepted (spec.md §4.4).
	ClickForced(ctx context.Context, selector string) error

	// Screenshot captures the current page as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// FindObstacles returns visible elements matching any of selectors,
	// traversing shadow roots up to maxShadowDepth (spec.md §4.5).
	FindObstacles(ctx context.Context, selectors []string, maxShadowDepth int) ([]ObstacleCandidate, error)

	// TargetRect returns the bounding box of selector, if present.
	TargetRect(ctx context.Context, selector string) (*Rect, bool, error)

	// QueryElements returns live DOM matches for a semantic resolver query,
	// traversing shadow roots up to maxShadowDepth.
	QueryElements(ctx context.Context, q ElementQuery, maxShadowDepth int) ([]ElementMatch, error)

	// HideObstacles hides elements matching the closed obstacle-class list
	// (sovereign remediation, spec.md §4.4) and returns how many it hid.
	HideObstacles(ctx context.Context, maxShadowDepth int) (int, error)

	// PageText returns the visible text content of the page (only called
	// when a relevant Sentinel declared the pii-detection capability).
	PageText(ctx context.Context) (string, error)

	// A11ySnapshot returns an accessibility tree snapshot (only called when
	// a relevant Sentinel declared the accessibility capability, or on a
	// Sentinel's get_a11y_snapshot action request).
	A11ySnapshot(ctx context.Context) (*A11ySnapshot, error)

	// Close releases the underlying driver resources. Called at most once.
	Close(ctx context.Context) error
}

// Factory lazy-launches a Driver on first use (spec.md §3: "PageDriver is
// treated as a singleton resource owned by the Hub; it is lazy-launched on
// first command needing it").
type Factory func(ctx context.Context) (Driver, error)
