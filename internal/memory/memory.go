// Package memory implements the Hub's cross-mission learning loop: a
// goal-to-selector map that lets the semantic resolver self-heal, a ghost
// latency table used for predictive waits, and the aura bucket set used to
// flag historically unstable moments in a mission (spec.md §4.7).
package memory

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// auraBucketMs is the width of one aura time bucket (spec.md §4.7).
const auraBucketMs = 500

// GhostObservation is one flat entry in the ghost file: the maximum
// observed settle latency for a given command+selector pair.
type GhostObservation struct {
	Cmd       string `json:"cmd"`
	Selector  string `json:"selector"`
	LatencyMs int64  `json:"latencyMs"`
}

// Store holds the goal→selector map, the ghost latency table, and the
// aura bucket set, merging in-session writes with what was loaded from
// disk at shutdown.
type Store struct {
	mu sync.Mutex

	memoryFile string
	ghostFile  string

	onDisk    map[string]string // goal -> selector, as loaded
	session   map[string]string // goal -> selector, written this session
	ghosts    map[string]int64  // "cmd:selector" -> max observed latency ms
	auras     map[int64]struct{}

	log zerolog.Logger
}

// New creates an empty Store bound to the given persisted file paths.
func New(memoryFile, ghostFile string, log zerolog.Logger) *Store {
	return &Store{
		memoryFile: memoryFile,
		ghostFile:  ghostFile,
		onDisk:     make(map[string]string),
		session:    make(map[string]string),
		ghosts:     make(map[string]int64),
		auras:      make(map[int64]struct{}),
		log:        log.With().Str("component", "memory").Logger(),
	}
}

// TraceEvent is the minimal shape memory.Load needs out of a previous
// mission's trace to rebuild aura buckets and upsert goal/selector pairs
// observed there, without importing the telemetry package (memory is
// loaded before telemetry is constructed).
type TraceEvent struct {
	Method          string
	Goal            string
	Selector        string
	IsEntropy       bool
	IsStability     bool
	TimestampUnixMs int64
}

// Load reads the memory file and ghost file from disk (tolerating either
// being absent) and folds in prior-mission trace events: any event
// carrying both Goal and Selector upserts the map, and any entropy-stream
// or stability event contributes its bucket to the aura set (spec.md §4.7).
func (s *Store) Load(traceStartUnixMs int64, priorTrace []TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, err := os.ReadFile(s.memoryFile); err == nil {
		var m map[string]string
		if jsonErr := json.Unmarshal(data, &m); jsonErr == nil {
			s.onDisk = m
		} else {
			s.log.Warn().Err(jsonErr).Str("file", s.memoryFile).Msg("discarding unreadable memory file")
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if data, err := os.ReadFile(s.ghostFile); err == nil {
		var obs []GhostObservation
		if jsonErr := json.Unmarshal(data, &obs); jsonErr == nil {
			for _, o := range obs {
				key := ghostKey(o.Cmd, o.Selector)
				if cur, ok := s.ghosts[key]; !ok || o.LatencyMs > cur {
					s.ghosts[key] = o.LatencyMs
				}
			}
		} else {
			s.log.Warn().Err(jsonErr).Str("file", s.ghostFile).Msg("discarding unreadable ghost file")
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	for _, ev := range priorTrace {
		if ev.Goal != "" && ev.Selector != "" {
			s.onDisk[ev.Goal] = ev.Selector
		}
		if ev.IsEntropy || ev.IsStability {
			bucket := (ev.TimestampUnixMs - traceStartUnixMs) / auraBucketMs
			s.auras[bucket] = struct{}{}
		}
	}

	return nil
}

func ghostKey(cmd, selector string) string { return cmd + ":" + selector }

// Lookup returns the remembered selector for goal, trying the
// command-prefixed key first (e.g. "fill:Username") and falling back to
// the bare goal, per spec.md §4.6. ok is false on a total miss.
func (s *Store) Lookup(cmd, goal string) (selector string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefixed := cmd + ":" + goal
	if sel, found := s.session[prefixed]; found {
		return sel, true
	}
	if sel, found := s.onDisk[prefixed]; found {
		return sel, true
	}
	if sel, found := s.session[goal]; found {
		return sel, true
	}
	if sel, found := s.onDisk[goal]; found {
		return sel, true
	}
	return "", false
}

// Remember records a goal→selector mapping discovered this session. It is
// stored under both the bare goal and the cmd-prefixed key so future
// lookups of either form succeed.
func (s *Store) Remember(cmd, goal, selector string) {
	if goal == "" || selector == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session[goal] = selector
	s.session[cmd+":"+goal] = selector
}

// GhostHint returns the max observed settle latency for cmd+selector, used
// by the executor to seed a predictive wait before acting (spec.md §4.3
// step 2). ok is false if no observation exists yet.
func (s *Store) GhostHint(cmd, selector string) (ms int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.ghosts[ghostKey(cmd, selector)]
	return v, found
}

// RecordGhost upserts the observed settle latency for cmd+selector,
// keeping the maximum seen this session.
func (s *Store) RecordGhost(cmd, selector string, observedMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ghostKey(cmd, selector)
	if cur, ok := s.ghosts[key]; !ok || observedMs > cur {
		s.ghosts[key] = observedMs
	}
}

// IsHistoricallyUnstable reports whether bucket, or either neighboring
// bucket, is flagged in the aura set — a ±500ms predictive buffer around
// moments where entropy or instability was previously observed.
func (s *Store) IsHistoricallyUnstable(bucket int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range []int64{bucket - 1, bucket, bucket + 1} {
		if _, ok := s.auras[b]; ok {
			return true
		}
	}
	return false
}

// CurrentBucket converts an elapsed-since-mission-start duration into the
// 500ms-wide aura bucket index used by IsHistoricallyUnstable.
func CurrentBucket(elapsed time.Duration) int64 {
	return elapsed.Milliseconds() / auraBucketMs
}

// Save merges the in-session map over the on-disk map (current session
// wins on conflict) and atomically rewrites both the memory file and the
// ghost file via temp-file-then-rename, matching the reference codebase's
// own crash-safe file replacement pattern.
func (s *Store) Save() error {
	s.mu.Lock()
	merged := make(map[string]string, len(s.onDisk)+len(s.session))
	for k, v := range s.onDisk {
		merged[k] = v
	}
	for k, v := range s.session {
		merged[k] = v
	}

	ghostList := make([]GhostObservation, 0, len(s.ghosts))
	for key, latency := range s.ghosts {
		cmd, selector := splitGhostKey(key)
		ghostList = append(ghostList, GhostObservation{Cmd: cmd, Selector: selector, LatencyMs: latency})
	}
	s.mu.Unlock()

	memBytes, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.memoryFile, bytes.NewReader(memBytes)); err != nil {
		return err
	}

	ghostBytes, err := json.MarshalIndent(ghostList, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.ghostFile, bytes.NewReader(ghostBytes)); err != nil {
		return err
	}

	s.log.Info().Int("goals", len(merged)).Int("ghosts", len(ghostList)).Msg("memory persisted")
	return nil
}

func splitGhostKey(key string) (cmd, selector string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
