package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/essfleet/hbgate/pkg/health"
	"github.com/essfleet/hbgate/pkg/status"
)

type serverFixture struct {
	hub     *Hub
	cache   *status.Cache
	links   *fakeLinks
	store   *fakeStore
	httpURL string
	wsURL   string
}

func startTestServer(t *testing.T) *serverFixture {
	t.Helper()

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	cache := status.NewCache(hub, nopWriter{})
	links := &fakeLinks{eval: &fakeEvaluator{result: "ok"}}
	store := &fakeStore{}
	srv := New("127.0.0.1:0", hub, NewSession(links, store, cache), health.NewChecker())

	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("hub did not stop")
		}
		ts.Close()
	})

	return &serverFixture{
		hub:     hub,
		cache:   cache,
		links:   links,
		store:   store,
		httpURL: ts.URL,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var out map[string]interface{}
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return out
}

func TestServerSeedsNewBrowser(t *testing.T) {
	fx := startTestServer(t)
	fx.cache.ApplyDatapoint("10.0.0.5", "system", "hostname", "rig-e")

	conn := dialWS(t, fx.wsURL)

	f := readFrame(t, conn)
	if f["type"] != "status" {
		t.Fatalf("first frame type = %v, want status", f["type"])
	}
	entries, ok := f["data"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("status snapshot = %v", f["data"])
	}
	entry := entries[0].(map[string]interface{})
	if entry["host"] != "10.0.0.5" || entry["value"] != "rig-e" {
		t.Fatalf("entry = %v", entry)
	}

	if f := readFrame(t, conn); f["type"] != "commStatus" {
		t.Fatalf("second frame type = %v, want commStatus", f["type"])
	}
	if f := readFrame(t, conn); f["type"] != "perfStats" {
		t.Fatalf("third frame type = %v, want perfStats", f["type"])
	}
}

func TestServerStreamsStatusChanges(t *testing.T) {
	fx := startTestServer(t)
	conn := dialWS(t, fx.wsURL)
	for i := 0; i < 3; i++ {
		readFrame(t, conn) // seed
	}

	fx.cache.ApplyDatapoint("10.0.0.5", "ess", "state", "running")

	f := readFrame(t, conn)
	if f["type"] != status.EventStatusChanges {
		t.Fatalf("frame type = %v, want %s", f["type"], status.EventStatusChanges)
	}
	data := f["data"].(map[string]interface{})
	if data["host"] != "10.0.0.5" || data["source"] != "ess" || data["value"] != "running" {
		t.Fatalf("data = %v", data)
	}
}

func TestServerCommandRoundTrip(t *testing.T) {
	fx := startTestServer(t)
	conn := dialWS(t, fx.wsURL)
	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	req := map[string]string{"msg_type": "esscmd", "ip": "10.0.0.5", "msg": "start kokoro"}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	f := readFrame(t, conn)
	if f["type"] != "cmd_ok" || f["ip"] != "10.0.0.5" || f["result"] != "ok" {
		t.Fatalf("reply = %v", f)
	}
	if got := fx.links.eval.lastScript(); got != "start kokoro" {
		t.Fatalf("script = %q", got)
	}
}

func TestServerDisconnectUnregisters(t *testing.T) {
	fx := startTestServer(t)
	conn := dialWS(t, fx.wsURL)
	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	deadline := time.Now().Add(3 * time.Second)
	for fx.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want 1", fx.hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	for fx.hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d after disconnect, want 0", fx.hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	fx := startTestServer(t)

	resp, err := http.Get(fx.httpURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var report map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report["overall"] != string(health.StatusOK) {
		t.Fatalf("overall = %v", report["overall"])
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	fx := startTestServer(t)

	resp, err := http.Get(fx.httpURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "hbgate_") {
		t.Fatal("metrics exposition is missing the gateway collectors")
	}
}
