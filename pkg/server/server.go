package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/essfleet/hbgate/pkg/health"
	"github.com/essfleet/hbgate/pkg/util"
)

// Server is the browser-facing HTTP surface: the WebSocket endpoint
// plus metrics and health.
type Server struct {
	addr     string
	hub      *Hub
	session  *Session
	checker  *health.Checker
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func New(addr string, hub *Hub, session *Session, checker *health.Checker) *Server {
	return &Server{
		addr:    addr,
		hub:     hub,
		session: session,
		checker: checker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The lab UI is served from arbitrary hosts on the
			// private network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: util.WithComponent("server"),
	}
}

// Handler builds the route table. The context bounds the lifetime of
// every WebSocket session it accepts.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(ctx, w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

// Run serves until the context is cancelled, then drains with a short
// shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infof("browser endpoint listening on %s", s.addr)

	select {
	case err := <-errc:
		return fmt.Errorf("browser server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// serveWS upgrades the connection, registers it with the hub, seeds
// the snapshots and starts the pumps. Seeding happens after
// registration so no change event can fall between snapshot and
// stream.
func (s *Server) serveWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := newClient(s.hub, conn, cancel)

	select {
	case s.hub.register <- c:
	case <-ctx.Done():
		cancel()
		conn.Close()
		return
	}

	s.session.seed(c)
	go c.writePump()
	go c.readPump(clientCtx, s.session)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Run(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(report.HTTPStatus())
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.log.Debugf("health encode: %v", err)
	}
}
