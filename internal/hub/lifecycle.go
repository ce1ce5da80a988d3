package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/starlight-protocol/starlight-hub/internal/telemetry"
)

const (
	missionLoopTick  = 50 * time.Millisecond
	queueDrainGrace  = 5 * time.Second
	webhookTimeout   = 10 * time.Second
	webhookMaxElapse = 30 * time.Second
)

// Start launches the mission control loop, the registry watchdog, and (if
// configured) the mission-timeout watchdog. It returns immediately; the
// loops run on background goroutines tracked by shutdownWG so Shutdown
// can wait for them to exit cleanly.
func (h *Hub) Start(ctx context.Context) {
	h.shutdownWG.Add(1)
	go func() {
		defer h.shutdownWG.Done()
		h.registry.RunWatchdog(h.shutdownCh)
	}()

	h.shutdownWG.Add(1)
	go func() {
		defer h.shutdownWG.Done()
		h.runMissionLoop(ctx)
	}()

	h.shutdownWG.Add(1)
	go func() {
		defer h.shutdownWG.Done()
		h.runEntropyLoop()
	}()

	if h.cfg.MissionTimeout > 0 {
		h.shutdownWG.Add(1)
		go func() {
			defer h.shutdownWG.Done()
			h.runMissionTimeout()
		}()
	}
}

// runMissionLoop is the single control loop that advances the command
// queue: one Tick per iteration, so the executor's 9-step pipeline never
// overlaps itself (spec.md §5).
func (h *Hub) runMissionLoop(ctx context.Context) {
	ticker := time.NewTicker(missionLoopTick)
	defer ticker.Stop()
	for {
		select {
		case <-h.shutdownCh:
			return
		case <-ticker.C:
			h.runTickSafely(ctx)
		}
	}
}

// runTickSafely recovers from an executor panic so one bad command cannot
// take down the mission loop; the panic is logged and the loop resumes on
// the next tick.
func (h *Hub) runTickSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("recovered panic in mission loop tick")
		}
	}()
	h.executor.Tick(ctx)
}

// runEntropyLoop drains the activity flag into a throttled entropy_stream
// broadcast, at most once per cfg.EntropyThrottle (spec.md §6).
func (h *Hub) runEntropyLoop() {
	interval := h.cfg.EntropyThrottle
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.shutdownCh:
			return
		case <-ticker.C:
			h.broadcastEntropyIfDirty()
		}
	}
}

func (h *Hub) runMissionTimeout() {
	timer := time.NewTimer(h.cfg.MissionTimeout)
	defer timer.Stop()
	select {
	case <-h.shutdownCh:
	case <-timer.C:
		h.log.Warn().Dur("missionTimeout", h.cfg.MissionTimeout).Msg("mission timeout elapsed, shutting down")
		go h.Shutdown("mission_timeout")
	}
}

// Shutdown drains the queue, flushes every persisted artifact, fires the
// webhook notification, and closes the PageDriver — once, regardless of
// how many callers race to trigger it (spec.md §4.9).
func (h *Hub) Shutdown(reason string) {
	h.shutdownOnce.Do(func() {
		h.log.Info().Str("reason", reason).Msg("shutdown starting")
		close(h.shutdownCh)

		h.q.Drain()
		h.waitForQueueDrain(queueDrainGrace)

		time.Sleep(500 * time.Millisecond) // final settle so an in-flight screenshot lands before flush

		if err := h.trace.Flush(); err != nil {
			h.log.Warn().Err(err).Msg("failed to flush trace")
		}
		if err := h.memory.Save(); err != nil {
			h.log.Warn().Err(err).Msg("failed to save memory/ghost state")
		}
		var report bytes.Buffer
		reportData := telemetry.BuildReportData(h.trace.Snapshot(), h.lastA11ySnapshot(), h.startedAt.Format(time.RFC3339), h.savedTime())
		if err := telemetry.Render(&report, reportData); err != nil {
			h.log.Warn().Err(err).Msg("failed to render mission report")
		} else if err := os.WriteFile(filepath.Join(h.cfg.DataDir, "report.html"), report.Bytes(), 0o644); err != nil {
			h.log.Warn().Err(err).Msg("failed to write mission report")
		}

		h.recordStatsHistory()
		h.sendWebhook(reason)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := (driverProxy{h}).Close(ctx); err != nil {
			h.log.Warn().Err(err).Msg("failed to close page driver")
		}

		if h.stats != nil {
			_ = h.stats.Close()
		}

		h.mu.Lock()
		clients := make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()
		for _, c := range clients {
			_ = c.Close()
		}

		h.shutdownWG.Wait()
		h.log.Info().Msg("shutdown complete")
	})
}

func (h *Hub) waitForQueueDrain(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if h.q.Len() == 0 && !h.q.Processing() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	h.recordInterruptedCommand()
}

// recordInterruptedCommand handles a shutdown whose grace period elapsed
// with a command still in flight: it captures a final-state screenshot,
// records the command as a failed COMMAND trace entry, and acks Intent so
// that command still gets exactly one COMMAND_COMPLETE (spec.md §4.9).
func (h *Hub) recordInterruptedCommand() {
	cmd, ok := h.q.Current()
	if !ok {
		return
	}
	h.log.Warn().Str("commandId", cmd.ID).Msg("queue drain grace period elapsed with a command still pending, recording as interrupted")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shot := ""
	if png, err := (driverProxy{h}).Screenshot(ctx); err == nil {
		if name, err := h.shots.Save("interrupted", png); err == nil {
			shot = name
		}
	}

	const errMsg = "interrupted by shutdown"
	h.trace.Record(telemetry.Record{
		Direction: "send", Method: "command_complete", Goal: cmd.Goal,
		Selector: cmd.Selector, Success: false, Error: errMsg,
		AfterScreenshot: shot,
	})
	h.ackIntent(cmd.ID, false, errMsg, nil)
}

func (h *Hub) recordStatsHistory() {
	if h.stats == nil {
		return
	}
	report := telemetry.BuildReportData(h.trace.Snapshot(), nil, h.startedAt.Format(time.RFC3339), h.savedTime())
	s := telemetry.ComputeStats(report.Commands, report.InterventionCount, nil, h.savedTime())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.stats.Append(ctx, s); err != nil {
		h.log.Warn().Err(err).Msg("failed to append mission stats history")
	}
}

// sendWebhook posts a mission-complete notification with exponential
// backoff retry, bounded to webhookMaxElapse total, so a flaky receiving
// endpoint cannot stall shutdown indefinitely (spec.md §6 webhookURL).
func (h *Hub) sendWebhook(reason string) {
	if h.cfg.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"reason":    reason,
		"startedAt": h.startedAt,
	})
	if err != nil {
		return
	}

	op := func() error {
		client := &http.Client{Timeout: webhookTimeout}
		req, err := http.NewRequest(http.MethodPost, h.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &webhookStatusError{resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&webhookStatusError{resp.StatusCode})
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = webhookMaxElapse

	if err := backoff.Retry(op, bo); err != nil {
		h.log.Warn().Err(err).Str("url", h.cfg.WebhookURL).Msg("webhook delivery failed")
	}
}

type webhookStatusError struct{ status int }

func (e *webhookStatusError) Error() string {
	return "webhook endpoint returned non-2xx status"
}
