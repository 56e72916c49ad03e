// Package testutil provides test doubles shared across packages,
// chiefly a fake homebase: an HTTP server upgrading /ws that hands
// each WebSocket session to the test as raw JSON frames.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const waitTimeout = 3 * time.Second

// Homebase is the fake remote controller endpoint.
type Homebase struct {
	srv      *httptest.Server
	sessions chan *HomebaseSession
}

// HomebaseSession is one accepted WebSocket connection. Inbound frames
// are decoded into maps; Closed is closed when the peer goes away.
type HomebaseSession struct {
	Conn    *websocket.Conn
	Inbound chan map[string]interface{}
	Closed  chan struct{}

	wmu sync.Mutex
}

// NewHomebase starts the fake endpoint and registers its teardown.
func NewHomebase(t *testing.T) *Homebase {
	t.Helper()
	f := &Homebase{sessions: make(chan *HomebaseSession, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := &HomebaseSession{
			Conn:    conn,
			Inbound: make(chan map[string]interface{}, 1024),
			Closed:  make(chan struct{}),
		}
		go s.readLoop()
		f.sessions <- s
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// HostPort splits the listener address for link configuration.
func (f *Homebase) HostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

// WaitSession blocks until the endpoint accepts a connection.
func (f *Homebase) WaitSession(t *testing.T) *HomebaseSession {
	t.Helper()
	select {
	case s := <-f.sessions:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a homebase session")
		return nil
	}
}

// Close stops the endpoint, refusing further connections.
func (f *Homebase) Close() {
	f.srv.Close()
}

func (s *HomebaseSession) readLoop() {
	for {
		var m map[string]interface{}
		if err := s.Conn.ReadJSON(&m); err != nil {
			close(s.Closed)
			return
		}
		s.Inbound <- m
	}
}

// Send writes one JSON frame, failing the test on error. Only call it
// from the test goroutine.
func (s *HomebaseSession) Send(t *testing.T, v interface{}) {
	t.Helper()
	if err := s.TrySend(v); err != nil {
		t.Fatalf("fake homebase write: %v", err)
	}
}

// TrySend is for responder goroutines, which must not fail the test.
func (s *HomebaseSession) TrySend(v interface{}) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.Conn.WriteJSON(v)
}

// Next returns the next frame received from the peer.
func (s *HomebaseSession) Next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case m := <-s.Inbound:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame from the link")
		return nil
	}
}

// Drain consumes and discards n frames.
func (s *HomebaseSession) Drain(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		s.Next(t)
	}
}
