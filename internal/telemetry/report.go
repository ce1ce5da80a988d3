package telemetry

import (
	"html/template"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
)

// CommandCard is one per-command card in the HTML report.
type CommandCard struct {
	ID               string
	Cmd              string
	Goal             string
	Selector         string
	Success          bool
	Error            string
	Forced           bool
	SelfHealed       bool
	PredictiveWait   bool
	BeforeScreenshot string
	AfterScreenshot  string
	Timestamp        string
}

// HijackCard is one intervention card.
type HijackCard struct {
	Layer      string
	Reason     string
	Screenshot string
	Timestamp  string
}

// FailureCard is one command that failed outright.
type FailureCard struct {
	ID        string
	Cmd       string
	Error     string
	Timestamp string
}

// A11yBucket is the bucketed accessibility dashboard (spec.md §4.8: "score
// bucketed to good/acceptable/needs-work/critical").
type A11yBucket string

const (
	A11yGood       A11yBucket = "good"
	A11yAcceptable A11yBucket = "acceptable"
	A11yNeedsWork  A11yBucket = "needs-work"
	A11yCritical   A11yBucket = "critical"
)

// BucketA11yScore maps a 0-100 score to its dashboard bucket.
func BucketA11yScore(score int) A11yBucket {
	switch {
	case score >= 90:
		return A11yGood
	case score >= 70:
		return A11yAcceptable
	case score >= 40:
		return A11yNeedsWork
	default:
		return A11yCritical
	}
}

// A11yViolationGroup groups violations by rule for the dashboard.
type A11yViolationGroup struct {
	Rule   string
	Count  int
	Impact string
}

// ReportData is everything report.html renders (spec.md §4.8).
type ReportData struct {
	MissionStart      string
	Commands          []CommandCard
	Hijacks           []HijackCard
	Failures          []FailureCard
	A11yScore         int
	A11yBucket        A11yBucket
	A11yViolations    []A11yViolationGroup
	SavedTimeHuman    string
	InterventionCount int
}

// BuildReportData derives ReportData from the flat trace records plus the
// last observed accessibility snapshot, computing the business-value
// block (saved-time minutes, intervention count) along the way. savedTime
// is the estimated time a self-heal or predictive wait saved the mission.
func BuildReportData(records []Record, a11y *pagedriver.A11ySnapshot, missionStart string, savedTime time.Duration) ReportData {
	d := ReportData{MissionStart: missionStart}

	byID := map[string]*CommandCard{}
	order := []string{}
	for _, r := range records {
		switch {
		case r.Method == "intent" && r.Direction == "recv":
			// The command id isn't carried on intent in this trimmed
			// record shape, so intent records are not correlated; each
			// command_complete record becomes its own card, keyed by
			// Selector+Goal+Timestamp.
		case r.Method == "command_complete":
			id := r.Selector + "|" + r.Goal + "|" + r.Timestamp.String()
			card, ok := byID[id]
			if !ok {
				card = &CommandCard{}
				byID[id] = card
				order = append(order, id)
			}
			card.Success = r.Success
			card.Error = r.Error
			card.Forced = r.Forced
			card.SelfHealed = r.SelfHealed
			card.PredictiveWait = r.PredictiveWait
			card.Selector = r.Selector
			card.Goal = r.Goal
			card.BeforeScreenshot = r.BeforeScreenshot
			card.AfterScreenshot = r.AfterScreenshot
			card.Timestamp = r.Timestamp.Format("15:04:05.000")
			if !r.Success {
				d.Failures = append(d.Failures, FailureCard{Cmd: r.Method, Error: r.Error, Timestamp: card.Timestamp})
			}
		case r.Method == "hijack":
			d.Hijacks = append(d.Hijacks, HijackCard{
				Layer:      r.Layer,
				Reason:     r.Error,
				Screenshot: r.BeforeScreenshot,
				Timestamp:  r.Timestamp.Format("15:04:05.000"),
			})
			d.InterventionCount++
		}
	}
	for _, id := range order {
		d.Commands = append(d.Commands, *byID[id])
	}

	if a11y != nil {
		d.A11yScore = a11y.Score
		d.A11yBucket = BucketA11yScore(a11y.Score)
		for _, v := range a11y.Violations {
			d.A11yViolations = append(d.A11yViolations, A11yViolationGroup{Rule: v.Rule, Count: v.Count, Impact: v.Impact})
		}
	}

	now := time.Now()
	d.SavedTimeHuman = humanize.RelTime(now, now.Add(savedTime), "saved", "saved")
	return d
}

const reportTemplateSrc = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Mission Report — {{.MissionStart}}</title>
<style>
body{font-family:sans-serif;background:#111;color:#eee;margin:2rem}
.card{background:#1d1d1d;border-radius:6px;padding:1rem;margin-bottom:1rem}
.badge{display:inline-block;padding:.1rem .4rem;border-radius:4px;font-size:.75rem;margin-right:.3rem}
.badge-forced{background:#a33}
.badge-healed{background:#368}
.badge-aura{background:#883}
.fail{border-left:4px solid #c33}
.ok{border-left:4px solid #3a3}
img{max-width:320px;border-radius:4px;margin-right:.5rem}
</style>
</head>
<body>
<h1>Mission Report</h1>
<p>Started: {{.MissionStart}} &middot; Saved time: {{.SavedTimeHuman}} &middot; Interventions: {{.InterventionCount}}</p>

<h2>Commands</h2>
{{range .Commands}}
<div class="card {{if .Success}}ok{{else}}fail{{end}}">
  <strong>{{.Cmd}}</strong> {{if .Goal}}&rarr; "{{.Goal}}"{{end}} <code>{{.Selector}}</code>
  {{if .Forced}}<span class="badge badge-forced">FORCED</span>{{end}}
  {{if .SelfHealed}}<span class="badge badge-healed">SELF-HEALED</span>{{end}}
  {{if .PredictiveWait}}<span class="badge badge-aura">AURA</span>{{end}}
  {{if not .Success}}<p>{{.Error}}</p>{{end}}
  <div>
    {{if .BeforeScreenshot}}<img src="screenshots/{{.BeforeScreenshot}}" alt="before">{{end}}
    {{if .AfterScreenshot}}<img src="screenshots/{{.AfterScreenshot}}" alt="after">{{end}}
  </div>
  <small>{{.Timestamp}}</small>
</div>
{{end}}

<h2>Interventions</h2>
{{range .Hijacks}}
<div class="card">
  <strong>{{.Layer}}</strong> — {{.Reason}}
  {{if .Screenshot}}<img src="screenshots/{{.Screenshot}}" alt="hijack">{{end}}
  <small>{{.Timestamp}}</small>
</div>
{{end}}

<h2>Failures</h2>
{{range .Failures}}
<div class="card fail">{{.Cmd}}: {{.Error}} <small>{{.Timestamp}}</small></div>
{{end}}

<h2>Accessibility</h2>
<p>Score: {{.A11yScore}} ({{.A11yBucket}})</p>
<ul>
{{range .A11yViolations}}<li>{{.Rule}}: {{.Count}} ({{.Impact}})</li>{{end}}
</ul>
</body>
</html>
`

var reportTemplate = template.Must(template.New("report").Parse(reportTemplateSrc))

// Render writes the HTML report for d to w using a strict auto-escaping
// html/template (see DESIGN.md for why this does not use the reference
// codebase's templ compiler here).
func Render(w io.Writer, d ReportData) error {
	return reportTemplate.Execute(w, d)
}
