// Package resolver implements the semantic resolver (spec.md §4.6): it
// turns a verb plus a human goal string into a concrete selector by
// scanning the live page for the best match, falling back to memory when
// nothing on the page currently qualifies.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
)

// Verb is one command verb the resolver knows how to match candidates
// for. Resolve also accepts unlisted verbs (goto, press, type, ...); for
// those it runs no live-page query and only consults memory.
type Verb string

const (
	VerbClick   Verb = "click"
	VerbHover   Verb = "hover"
	VerbScroll  Verb = "scroll"
	VerbFill    Verb = "fill"
	VerbUpload  Verb = "upload"
	VerbSelect  Verb = "select"
	VerbCheck   Verb = "check"
	VerbUncheck Verb = "uncheck"
)

// family groups verbs sharing a match order (spec.md §4.6).
func family(v Verb) string {
	switch v {
	case VerbClick, VerbHover, VerbScroll:
		return "click-like"
	case VerbFill, VerbUpload:
		return "fill"
	case VerbSelect:
		return "select"
	case VerbCheck, VerbUncheck:
		return "check"
	default:
		return ""
	}
}

// MemoryLookup is the subset of memory.Store the resolver needs; kept as
// an interface so resolver tests can fake it without depending on the
// memory package's disk I/O.
type MemoryLookup interface {
	Lookup(cmd, goal string) (selector string, ok bool)
}

// Result is the outcome of a successful resolution.
type Result struct {
	Selector      string
	SelfHealed    bool
	ShadowPierced bool
}

// ErrNoMatch is returned when neither the live page nor memory produced a
// candidate. The executor acks Intent with this as a failed COMMAND,
// per spec.md §4.6.
type ErrNoMatch struct {
	Goal string
}

func (e *ErrNoMatch) Error() string {
	return fmt.Sprintf("could not find element matching goal %q", e.Goal)
}

// Resolver implements Resolve over a PageDriver and a memory fallback.
type Resolver struct {
	driver         pagedriver.Driver
	memory         MemoryLookup
	maxShadowDepth int
}

// New creates a Resolver. maxShadowDepth bounds shadow-root traversal
// (spec.md §6 shadowDom.maxDepth).
func New(driver pagedriver.Driver, memory MemoryLookup, maxShadowDepth int) *Resolver {
	return &Resolver{driver: driver, memory: memory, maxShadowDepth: maxShadowDepth}
}

// Resolve finds a selector for verb+goal, trying the live page first (per
// the verb family's match order) then the memory fallback (spec.md §4.6).
func (r *Resolver) Resolve(ctx context.Context, verb Verb, goal string) (Result, error) {
	q := queryFor(verb, goal)
	if q != nil {
		matches, err := r.driver.QueryElements(ctx, *q, r.maxShadowDepth)
		if err != nil {
			return Result{}, err
		}
		if best, ok := pickBest(family(verb), goal, matches); ok {
			return Result{
				Selector:      selectorFor(best),
				SelfHealed:    false,
				ShadowPierced: best.ShadowPierced,
			}, nil
		}
	}

	cmd := string(verb)
	if sel, ok := r.memory.Lookup(cmd, goal); ok {
		return Result{Selector: sel, SelfHealed: true}, nil
	}

	return Result{}, &ErrNoMatch{Goal: goal}
}

// queryFor builds the live-DOM query for verb+goal per the per-family
// candidate set spec.md §4.6 defines. Returns nil for verbs the resolver
// does not handle, in which case Resolve falls back to memory only.
func queryFor(verb Verb, goal string) *pagedriver.ElementQuery {
	switch family(verb) {
	case "click-like":
		return &pagedriver.ElementQuery{
			Tags:          []string{"button", "a", "input[type=button]", "input[type=submit]"},
			TextSubstring: strings.ToLower(goal),
			DataGoal:      goal,
			AriaLabelOrID: goal,
		}
	case "fill":
		return &pagedriver.ElementQuery{
			Tags:        []string{"input", "textarea", "select"},
			LabelText:   goal,
			Placeholder: goal,
			Name:        goal,
			Title:       goal,
		}
	case "select":
		return &pagedriver.ElementQuery{
			Tags:        []string{"select"},
			LabelText:   goal,
			Placeholder: goal,
			Name:        goal,
			Title:       goal,
		}
	case "check":
		return &pagedriver.ElementQuery{
			Tags:      []string{"input[type=checkbox]", "input[type=radio]"},
			LabelText: goal,
		}
	default:
		return nil
	}
}

// pickBest applies the within-family priority-of-criteria match order
// (spec.md §4.6) over the live matches returned for a query, since the
// driver's QueryElements only narrows by tag/attribute presence and the
// resolver still has to rank which candidate is the best match.
func pickBest(fam, goal string, matches []pagedriver.ElementMatch) (pagedriver.ElementMatch, bool) {
	if len(matches) == 0 {
		return pagedriver.ElementMatch{}, false
	}

	lowerGoal := strings.ToLower(goal)

	rank := func(m pagedriver.ElementMatch) int {
		switch fam {
		case "click-like":
			// spec.md §4.6: innerText substring, then exact data-goal,
			// then aria-label/id substring.
			switch {
			case strings.Contains(strings.ToLower(m.InnerText), lowerGoal):
				return 0
			case strings.EqualFold(m.DataGoal, goal):
				return 1
			case strings.Contains(strings.ToLower(m.AriaLabel), lowerGoal) || strings.Contains(strings.ToLower(m.ID), lowerGoal):
				return 2
			default:
				return 99
			}
		case "fill", "select":
			// spec.md §4.6: label text (via for=), then placeholder,
			// then aria-label, then name, then title.
			switch {
			case strings.Contains(strings.ToLower(m.LabelText), lowerGoal):
				return 0
			case strings.Contains(strings.ToLower(m.Placeholder), lowerGoal):
				return 1
			case strings.EqualFold(m.AriaLabel, goal):
				return 2
			case strings.EqualFold(m.Name, goal):
				return 3
			case strings.Contains(strings.ToLower(m.Title), lowerGoal):
				return 4
			default:
				return 99
			}
		case "check":
			// spec.md §4.6: wrapping label text, then for= label, then
			// aria-label. The driver surfaces both label forms through the
			// same labels collection, so they share a rank here.
			switch {
			case strings.Contains(strings.ToLower(m.LabelText), lowerGoal):
				return 0
			case strings.EqualFold(m.AriaLabel, goal):
				return 1
			default:
				return 99
			}
		default:
			return 99
		}
	}

	best := matches[0]
	bestRank := rank(best)
	for _, m := range matches[1:] {
		if r := rank(m); r < bestRank {
			best, bestRank = m, r
		}
	}
	if bestRank == 99 {
		return pagedriver.ElementMatch{}, false
	}
	return best, true
}

// selectorFor synthesizes a concrete selector string for a matched
// element, preferring a text-based selector for short link/button text,
// then #id, then a class chain, then the bare tag (spec.md §4.6). Shadow-
// pierced matches use the implementation-specific descend-via-host-
// boundary syntax.
func selectorFor(m pagedriver.ElementMatch) string {
	var base string
	switch {
	case m.InnerText != "" && len(m.InnerText) <= 40:
		base = fmt.Sprintf("%s:has-text(%q)", m.Tag, m.InnerText)
	case m.ID != "":
		base = "#" + m.ID
	case m.ClassChain != "":
		base = m.Tag + "." + strings.ReplaceAll(strings.TrimSpace(m.ClassChain), " ", ".")
	default:
		base = m.Tag
	}

	if m.ShadowPierced {
		return ">>> " + base
	}
	return base
}
