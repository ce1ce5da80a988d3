package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
	"github.com/starlight-protocol/starlight-hub/internal/protocol"
	"github.com/starlight-protocol/starlight-hub/internal/telemetry"
)

// healthDoc is the /health response body (spec.md §6).
type healthDoc struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	UptimeMs     int64  `json:"uptimeMs"`
	Participants int    `json:"participants"`
	QueueLength  int    `json:"queueLength"`
	Lock         struct {
		Held  bool   `json:"held"`
		Owner string `json:"owner,omitempty"`
	} `json:"lock"`
	AuthEnabled bool `json:"authEnabled"`
	TLSEnabled  bool `json:"tlsEnabled"`
}

// Router builds the chi mux: /health, the WebSocket endpoint, and the
// static HTML mission report, mirroring the reference dashboard's
// middleware stack (RequestID, RealIP, Recoverer, securityHeaders).
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.securityHeaders)

	r.Get("/health", h.handleHealth)
	r.Get("/ws", h.handleWebSocket)
	r.Get("/report", h.handleReport)

	return r
}

// securityHeaders adds the standard hardening headers to every response.
func (h *Hub) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	doc := healthDoc{
		Status:       "ok",
		Version:      hubVersion,
		UptimeMs:     time.Since(h.startedAt).Milliseconds(),
		Participants: h.registry.Count(),
		QueueLength:  h.q.Len(),
		AuthEnabled:  h.cfg.AuthEnabled(),
		TLSEnabled:   h.cfg.TLSEnabled(),
	}
	if !h.registry.Healthy() {
		doc.Status = "degraded"
	}
	snap := h.lockMgr.Snapshot()
	doc.Lock.Held = snap.Held
	doc.Lock.Owner = snap.OwnerLayer

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (h *Hub) handleReport(w http.ResponseWriter, _ *http.Request) {
	records := h.trace.Snapshot()
	data := telemetry.BuildReportData(records, h.lastA11ySnapshot(), h.startedAt.Format(time.RFC3339), h.savedTime())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := telemetry.Render(w, data); err != nil {
		h.log.Warn().Err(err).Msg("failed to render mission report")
	}
}

// lastA11ySnapshot best-effort fetches a fresh accessibility snapshot for
// the report without blocking the request if no driver is running yet.
func (h *Hub) lastA11ySnapshot() *pagedriver.A11ySnapshot {
	if h.driver == nil {
		return nil
	}
	snap, err := h.driver.A11ySnapshot(context.Background())
	if err != nil {
		return nil
	}
	return snap
}

// savedTime estimates total time saved by self-heal and predictive-wait
// shortcuts this mission, summed from the trace (spec.md §4.8 business
// value block). Each self-heal stands in for a manual selector fix; each
// predictive wait stands in for a blind retry loop.
func (h *Hub) savedTime() time.Duration {
	var saved time.Duration
	for _, r := range h.trace.Snapshot() {
		if r.Method != "command_complete" {
			continue
		}
		if r.SelfHealed {
			saved += 30 * time.Second
		}
		if r.PredictiveWait {
			saved += 5 * time.Second
		}
	}
	return saved
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local automation peers, not a browser-facing multi-tenant surface
}

// handleWebSocket upgrades the connection and hands it a connID before any
// starlight.registration frame arrives, so pre_check/command_complete
// frames sent to an unregistered conn degrade gracefully rather than panic.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := newConnID()
	c := newClient(conn, connID)

	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()

	h.shutdownWG.Add(1)
	go func() {
		defer h.shutdownWG.Done()
		c.writePump()
	}()

	c.readPump(
		func(data []byte) { h.handleFrame(connID, data) },
		func() { h.onConnClosed(connID) },
	)
}

func (h *Hub) handleFrame(connID string, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.log.Warn().Err(err).Str("connId", connID).Msg("dropping unparsable frame")
		return
	}
	h.dispatch(connID, msg)
}

func (h *Hub) onConnClosed(connID string) {
	h.mu.Lock()
	delete(h.clients, connID)
	h.mu.Unlock()
	h.registry.Disconnect(connID, "disconnected")
}
