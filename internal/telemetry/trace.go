// Package telemetry implements the rolling mission trace, the screenshot
// folder, the HTML report, and aggregate stats (spec.md §4.8).
package telemetry

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// Record is one traced RECV/SEND event. Heartbeats are never recorded
// (spec.md §4.8).
type Record struct {
	Direction        string    `json:"direction"` // "recv" or "send"
	Method           string    `json:"method"`
	Layer            string    `json:"layer"`
	Timestamp        time.Time `json:"timestamp"`
	Goal             string    `json:"goal,omitempty"`
	Selector         string    `json:"selector,omitempty"`
	Success          bool      `json:"success,omitempty"`
	Error            string    `json:"error,omitempty"`
	Forced           bool      `json:"forced,omitempty"`
	SelfHealed       bool      `json:"selfHealed,omitempty"`
	PredictiveWait   bool      `json:"predictiveWait,omitempty"`
	BeforeScreenshot string    `json:"beforeScreenshot,omitempty"`
	AfterScreenshot  string    `json:"afterScreenshot,omitempty"`
	DOMSnapshot      string    `json:"domSnapshot,omitempty"`
	Truncated        bool      `json:"truncated,omitempty"`
	IsEntropy        bool      `json:"isEntropy,omitempty"`
	IsStability      bool      `json:"isStability,omitempty"`
}

// Trace is a rolling, size-capped record of every traced RPC exchange.
type Trace struct {
	mu               sync.Mutex
	records          []Record
	maxEvents        int
	snapshotMaxBytes int
	startedAt        time.Time
	file             string
	log              zerolog.Logger
}

// NewTrace creates an empty Trace capped at maxEvents, truncating DOM
// snapshots beyond snapshotMaxBytes with an explicit marker.
func NewTrace(file string, maxEvents, snapshotMaxBytes int, log zerolog.Logger) *Trace {
	return &Trace{
		maxEvents:        maxEvents,
		snapshotMaxBytes: snapshotMaxBytes,
		startedAt:        time.Now(),
		file:             file,
		log:              log.With().Str("component", "telemetry").Logger(),
	}
}

// StartedAt returns the mission start time this trace is anchored to,
// used by memory.CurrentBucket for aura-bucket computation.
func (t *Trace) StartedAt() time.Time {
	return t.startedAt
}

// Record appends rec to the rolling trace, truncating any attached DOM
// snapshot to snapshotMaxBytes and dropping the oldest record once the
// trace exceeds maxEvents (spec.md §4.8).
func (t *Trace) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if len(rec.DOMSnapshot) > t.snapshotMaxBytes {
		rec.DOMSnapshot = rec.DOMSnapshot[:t.snapshotMaxBytes]
		rec.Truncated = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	if len(t.records) > t.maxEvents {
		t.records = t.records[len(t.records)-t.maxEvents:]
	}
}

// Snapshot returns a copy of the current trace records.
func (t *Trace) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Flush atomically rewrites the trace file with the current records,
// truncated to maxEvents (spec.md §6 persistence: "append-and-truncate
// semantics for trace").
func (t *Trace) Flush() error {
	t.mu.Lock()
	n := len(t.records)
	data, err := json.MarshalIndent(t.records, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(t.file, bytes.NewReader(data)); err != nil {
		return err
	}
	t.log.Debug().Int("events", n).Msg("trace flushed")
	return nil
}

// LoadPrevious reads a previous mission's trace file, tolerating its
// absence. hub.New converts these records into memory.TraceEvent values
// and passes them to memory.Load, which rebuilds aura buckets and
// goal/selector mappings across restarts (spec.md §4.7).
func LoadPrevious(file string) ([]Record, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil // a corrupt previous trace is not fatal, just unused
	}
	return records, nil
}
