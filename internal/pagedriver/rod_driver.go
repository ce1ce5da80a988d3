package pagedriver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// obstacleClasses is the closed vocabulary of CSS class/selector fragments
// FindObstacles/HideObstacles treat as blocking UI (spec.md §4.4, §4.5).
var obstacleClasses = []string{
	".modal", ".overlay", "[class*=modal]", "[class*=overlay]",
	"[role=dialog]", "[aria-modal=true]",
}

// RodOptions configures the single browser instance the Hub drives.
type RodOptions struct {
	Headless    bool
	BrowserPath string // optional explicit Chrome/Chromium binary
	ProxyURL    string
}

// RodDriver implements Driver over a single go-rod-controlled Chrome
// instance. Unlike a request-serving pool, the Hub only ever drives one
// mission at a time, so one Browser/Page pair is launched lazily and
// reused for the mission's lifetime (spec.md §3, §4.9).
type RodDriver struct {
	browser *rod.Browser
	page    *rod.Page
	log     zerolog.Logger
}

// NewRodDriver returns a pagedriver.Factory; each call of that Factory
// launches a Chrome instance and opens its first page.
func NewRodDriver(opts RodOptions, log zerolog.Logger) Factory {
	return func(ctx context.Context) (Driver, error) {
		l := launcher.New().
			Set("no-sandbox").
			Set("disable-dev-shm-usage").
			Set("disable-blink-features", "AutomationControlled")

		if opts.BrowserPath != "" {
			l = l.Bin(opts.BrowserPath)
		}
		if opts.ProxyURL != "" {
			l = l.Set("proxy-server", opts.ProxyURL)
		}
		l = l.Headless(opts.Headless)

		controlURL, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}

		browser := rod.New().ControlURL(controlURL).Context(ctx)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("connect to browser: %w", err)
		}

		page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			_ = browser.Close()
			return nil, fmt.Errorf("open initial page: %w", err)
		}

		log.Info().Bool("headless", opts.Headless).Msg("page driver launched")
		return &RodDriver{browser: browser, page: page, log: log.With().Str("component", "pagedriver").Logger()}, nil
	}
}

func (d *RodDriver) Goto(ctx context.Context, url string) error {
	page := d.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return page.WaitLoad()
}

// Execute dispatches verb-specific behavior against selector. Unknown
// verbs return an error rather than silently no-op-ing, so a protocol
// typo surfaces as an execution error instead of a false success.
func (d *RodDriver) Execute(ctx context.Context, verb, selector, text, value, key string, files []string) error {
	page := d.page.Context(ctx)
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("locate %q: %w", selector, err)
	}

	switch verb {
	case "click":
		return el.Click(proto.InputMouseButtonLeft, 1)
	case "hover":
		return el.Hover()
	case "scroll":
		return el.ScrollIntoView()
	case "fill":
		if err := el.SelectAllText(); err != nil {
			return err
		}
		return el.Input(text)
	case "select":
		_, err := el.Select([]string{value}, true, rod.SelectorTypeText)
		return err
	case "upload":
		return el.SetFiles(files)
	case "check":
		return setChecked(el, true)
	case "uncheck":
		return setChecked(el, false)
	case "press":
		return el.Type(rodKey(key))
	case "type":
		keys := make([]input.Key, 0, len(text))
		for _, r := range text {
			keys = append(keys, input.Key(r))
		}
		return el.Type(keys...)
	default:
		return fmt.Errorf("unsupported verb %q", verb)
	}
}

func setChecked(el *rod.Element, want bool) error {
	info, err := el.Describe(1, false)
	if err != nil {
		return err
	}
	_ = info
	has, err := el.Property("checked")
	if err != nil {
		return err
	}
	if has.Bool() == want {
		return nil
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Space":      input.Space,
}

// rodKey resolves a protocol key name to its rod input.Key constant,
// falling back to the key's first rune for single-character keys.
func rodKey(key string) input.Key {
	if k, ok := namedKeys[key]; ok {
		return k
	}
	if len(key) == 0 {
		return 0
	}
	return input.Key([]rune(key)[0])
}

// ClickForced clicks selector even when a natural click would be
// intercepted by an overlapping element, falling back to a synthetic
// dispatchEvent (spec.md §4.4 step on a lock-owner's forced click).
func (d *RodDriver) ClickForced(ctx context.Context, selector string) error {
	page := d.page.Context(ctx)
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("locate %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
		return nil
	}
	_, err = el.Eval(`() => { this.dispatchEvent(new MouseEvent('click', {bubbles: true, cancelable: true})); return true; }`)
	return err
}

func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	page := d.page.Context(ctx)
	return page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
}

// FindObstacles scans selectors (plus the closed obstacle-class list) for
// currently visible elements, descending into shadow roots up to
// maxShadowDepth.
func (d *RodDriver) FindObstacles(ctx context.Context, selectors []string, maxShadowDepth int) ([]ObstacleCandidate, error) {
	page := d.page.Context(ctx)
	candidates := make([]ObstacleCandidate, 0, len(selectors))

	scan := append(append([]string{}, selectors...), obstacleClasses...)
	for _, sel := range scan {
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			c, ok, err := describeIfVisible(el, sel, false, 0)
			if err != nil || !ok {
				continue
			}
			candidates = append(candidates, c)
		}
		if maxShadowDepth > 0 {
			shadowed, err := findInShadows(page, sel, maxShadowDepth)
			if err == nil {
				candidates = append(candidates, shadowed...)
			}
		}
	}
	return candidates, nil
}

func describeIfVisible(el *rod.Element, selector string, shadowed bool, depth int) (ObstacleCandidate, bool, error) {
	visible, err := el.Visible()
	if err != nil || !visible {
		return ObstacleCandidate{}, false, err
	}
	shape, err := el.Shape()
	if err != nil {
		return ObstacleCandidate{}, false, err
	}
	box := shape.Box()

	tag, _ := el.Eval(`() => this.tagName.toLowerCase()`)
	id, _ := el.Attribute("id")
	classes, _ := el.Attribute("class")
	text, _ := el.Text()

	c := ObstacleCandidate{
		Selector:      selector,
		Tag:           evalString(tag),
		ID:            derefString(id),
		Classes:       derefString(classes),
		Text:          truncate(text, 200),
		Rect:          Rect{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height},
		ShadowPierced: shadowed,
		ShadowDepth:   depth,
	}
	return c, true, nil
}

func findInShadows(page *rod.Page, selector string, maxDepth int) ([]ObstacleCandidate, error) {
	hosts, err := page.Elements("*")
	if err != nil {
		return nil, err
	}
	var out []ObstacleCandidate
	for _, host := range hosts {
		root, err := host.ShadowRoot()
		if err != nil || root == nil {
			continue
		}
		els, err := root.Elements(selector)
		if err != nil {
			continue
		}
		for _, el := range els {
			c, ok, err := describeIfVisible(el, selector, true, 1)
			if err == nil && ok {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (d *RodDriver) TargetRect(ctx context.Context, selector string) (*Rect, bool, error) {
	page := d.page.Context(ctx)
	el, err := page.Element(selector)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, false, err
	}
	if err != nil {
		return nil, false, nil
	}
	shape, err := el.Shape()
	if err != nil {
		return nil, false, nil
	}
	box := shape.Box()
	return &Rect{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, true, nil
}

// QueryElements keeps every visible element that matches any one of the
// query's dimensions (data-goal, aria-label/id, placeholder, name, title,
// label text, text substring). When maxShadowDepth > 0 it also searches
// the shadow roots of light-DOM elements, one level deep; shadow roots
// nested inside those are not searched (spec.md §4.6).
func (d *RodDriver) QueryElements(ctx context.Context, q ElementQuery, maxShadowDepth int) ([]ElementMatch, error) {
	page := d.page.Context(ctx)
	tags := q.Tags
	if len(tags) == 0 {
		tags = []string{"*"}
	}

	var matches []ElementMatch
	for _, tag := range tags {
		els, err := page.Elements(tag)
		if err != nil {
			continue
		}
		for _, el := range els {
			if m, ok := matchElement(el, q, false, 0); ok {
				matches = append(matches, m)
			}
		}
	}

	if maxShadowDepth > 0 {
		hosts, err := page.Elements("*")
		if err == nil {
			for _, host := range hosts {
				root, err := host.ShadowRoot()
				if err != nil || root == nil {
					continue
				}
				for _, tag := range tags {
					els, err := root.Elements(tag)
					if err != nil {
						continue
					}
					for _, el := range els {
						if m, ok := matchElement(el, q, true, 1); ok {
							matches = append(matches, m)
						}
					}
				}
			}
		}
	}
	return matches, nil
}

// elementLabelText returns the text of el's associated <label> (via the
// labels collection, which covers both `for=` and wrapping labels, plus
// aria-labelledby), or "" if none.
func elementLabelText(el *rod.Element) string {
	res, err := el.Eval(`() => {
		const texts = [];
		if (this.labels) this.labels.forEach(l => texts.push(l.innerText));
		const byId = this.getAttribute('aria-labelledby');
		if (byId) {
			const ref = document.getElementById(byId);
			if (ref) texts.push(ref.innerText);
		}
		return texts.join(' ');
	}`)
	if err != nil {
		return ""
	}
	return res.Value.String()
}

func matchElement(el *rod.Element, q ElementQuery, shadowed bool, depth int) (ElementMatch, bool) {
	visible, err := el.Visible()
	if err != nil || !visible {
		return ElementMatch{}, false
	}

	text, _ := el.Text()
	ariaLabel, _ := el.Attribute("aria-label")
	name, _ := el.Attribute("name")
	placeholder, _ := el.Attribute("placeholder")
	title, _ := el.Attribute("title")
	id, _ := el.Attribute("id")
	dataGoal, _ := el.Attribute("data-goal")
	labelText := elementLabelText(el)

	matched := false
	switch {
	case q.DataGoal != "" && derefString(dataGoal) == q.DataGoal:
		matched = true
	case q.AriaLabelOrID != "" && (derefString(ariaLabel) == q.AriaLabelOrID || derefString(id) == q.AriaLabelOrID):
		matched = true
	case q.Placeholder != "" && strings.Contains(derefString(placeholder), q.Placeholder):
		matched = true
	case q.Name != "" && derefString(name) == q.Name:
		matched = true
	case q.Title != "" && strings.Contains(derefString(title), q.Title):
		matched = true
	case q.LabelText != "" && strings.Contains(labelText, q.LabelText):
		matched = true
	case q.TextSubstring != "" && strings.Contains(strings.ToLower(text), strings.ToLower(q.TextSubstring)):
		matched = true
	}
	if !matched {
		return ElementMatch{}, false
	}

	tagVal, _ := el.Eval(`() => this.tagName.toLowerCase()`)
	classes, _ := el.Attribute("class")

	return ElementMatch{
		Tag:           evalString(tagVal),
		ID:            derefString(id),
		ClassChain:    derefString(classes),
		InnerText:     truncate(text, 200),
		AriaLabel:     derefString(ariaLabel),
		Name:          derefString(name),
		LabelText:     labelText,
		Placeholder:   derefString(placeholder),
		Title:         derefString(title),
		DataGoal:      derefString(dataGoal),
		ShadowPierced: shadowed,
		ShadowDepth:   depth,
	}, true
}

// HideObstacles hides every visible light-DOM element matching the closed
// obstacle-class list and returns how many were hidden (sovereign
// remediation, spec.md §4.4). Elements inside shadow roots are not
// searched, and maxShadowDepth is not used.
func (d *RodDriver) HideObstacles(ctx context.Context, maxShadowDepth int) (int, error) {
	page := d.page.Context(ctx)
	hidden := 0
	for _, sel := range obstacleClasses {
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			visible, err := el.Visible()
			if err != nil || !visible {
				continue
			}
			if _, err := el.Eval(`() => { this.style.setProperty('display', 'none', 'important'); return true; }`); err == nil {
				hidden++
			}
		}
	}
	return hidden, nil
}

func (d *RodDriver) PageText(ctx context.Context) (string, error) {
	page := d.page.Context(ctx)
	res, err := page.Eval(`() => document.body.innerText`)
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}

// A11ySnapshot derives a coarse accessibility score from a handful of
// common WCAG checks (missing alt text and unlabeled form controls; no
// contrast check is made); a full axe-core style
// audit is out of scope for this driver (spec.md §4.8 Non-goals).
func (d *RodDriver) A11ySnapshot(ctx context.Context) (*A11ySnapshot, error) {
	page := d.page.Context(ctx)

	missingAlt, err := page.Eval(`() => document.querySelectorAll('img:not([alt])').length`)
	if err != nil {
		return nil, err
	}
	unlabeled, err := page.Eval(`() => {
		const controls = document.querySelectorAll('input, select, textarea');
		let count = 0;
		controls.forEach(c => {
			if (!c.labels || c.labels.length === 0) {
				if (!c.getAttribute('aria-label') && !c.getAttribute('aria-labelledby')) count++;
			}
		});
		return count;
	}`)
	if err != nil {
		return nil, err
	}

	violations := []A11yViolation{}
	score := 100
	if n := int(missingAlt.Value.Int()); n > 0 {
		violations = append(violations, A11yViolation{Rule: "image-alt", Count: n, Impact: "serious"})
		score -= min(n*5, 40)
	}
	if n := int(unlabeled.Value.Int()); n > 0 {
		violations = append(violations, A11yViolation{Rule: "label", Count: n, Impact: "critical"})
		score -= min(n*8, 50)
	}
	if score < 0 {
		score = 0
	}

	return &A11ySnapshot{Score: score, Violations: violations}, nil
}

func (d *RodDriver) Close(ctx context.Context) error {
	return d.browser.Close()
}

func evalString(res *proto.RuntimeRemoteObject) string {
	if res == nil {
		return ""
	}
	return res.Value.String()
}

func derefString(v *proto.RuntimeRemoteObject) string {
	if v == nil {
		return ""
	}
	return v.Value.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
