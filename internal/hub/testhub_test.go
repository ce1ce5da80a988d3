package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/starlight-protocol/starlight-hub/internal/config"
)

// newTestHub builds a real Hub against a fresh temp data dir and a
// fakeDriver, without starting the control loop or wire server.
func newTestHub(t *testing.T) (*Hub, *fakeDriver) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LockTTL = 200 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second

	driver := &fakeDriver{}
	h, err := New(cfg, newFakeDriverFactory(driver), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, driver
}

// attachClient registers a bare client (no underlying websocket) under
// connID so dispatch handlers that look it up in h.clients find something
// to SafeSend into; its outbound frames can be read off raw/send.
func attachClient(h *Hub, connID string) *client {
	c := newClient(nil, connID)
	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()
	return c
}

// wsPair dials a real client/server websocket.Conn pair over an httptest
// server, for tests that exercise code paths touching the underlying
// connection (e.g. CloseWithCode's WriteControl/Close).
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cliConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cliConn.Close() })

	select {
	case srvConn := <-connCh:
		t.Cleanup(func() { srvConn.Close() })
		return cliConn, srvConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side websocket upgrade")
		return nil, nil
	}
}
