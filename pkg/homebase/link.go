package homebase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/essfleet/hbgate/pkg/metrics"
	"github.com/essfleet/hbgate/pkg/status"
	"github.com/essfleet/hbgate/pkg/util"
)

// State is the link lifecycle position. There are no terminal states
// while the process runs; Closed always schedules another Connecting.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// writeWait bounds any single frame write on the homebase socket.
	writeWait = 10 * time.Second

	// maxFrameBytes bounds a single inbound frame. Oversized state is
	// delivered chunked, so this only has to fit one chunk envelope.
	maxFrameBytes = 1 << 20
)

// LinkConfig carries the per-link timing and capacity settings. The
// daemon builds one from the loaded configuration and shares it across
// every link.
type LinkConfig struct {
	Port           int
	SubscribeEvery int

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StaleAfter        time.Duration
	RefreshInterval   time.Duration
	PollInterval      time.Duration

	RequestTimeout time.Duration
	MaxInFlight    int
	MaxQueue       int

	Backoff BackoffConfig
}

// StatusSink receives translated datapoints. The process-wide status
// cache implements it; its methods are safe for concurrent use.
type StatusSink interface {
	ApplyDatapoint(host, source, typ, value string) bool
}

// Link maintains the persistent session to one homebase. All link
// state (socket, request table, chunk buffers, timers) is owned by the
// run loop goroutine; other goroutines interact only through channels
// and the Eval API.
type Link struct {
	addr string
	cfg  LinkConfig
	sink StatusSink
	pub  status.Publisher
	log  *logrus.Entry

	calls    chan *evalCall
	dialc    chan dialOutcome
	frames   chan inboundData
	readErrs chan readerError
	pongs    chan int

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	st atomic.Int32

	// Everything below is owned by the run loop.
	conn        *websocket.Conn
	gen         int
	table       *requestTable
	chunks      *chunkAssembler
	backoff     *Backoff
	lastInbound time.Time

	reconnectTimer *time.Timer
	pongTimer      *time.Timer
	staleTimer     *time.Timer
	deadlineTimer  *time.Timer
	heartbeatTick  *time.Ticker
	refreshTick    *time.Ticker
	pollTick       *time.Ticker
}

type dialOutcome struct {
	gen  int
	conn *websocket.Conn
	err  error
}

type inboundData struct {
	gen  int
	data []byte
}

type readerError struct {
	gen int
	err error
}

// NewLink creates a link supervisor for one device address. Call Start
// to begin dialing.
func NewLink(addr string, cfg LinkConfig, sink StatusSink, pub status.Publisher) *Link {
	l := &Link{
		addr:     addr,
		cfg:      cfg,
		sink:     sink,
		pub:      pub,
		log:      util.WithDevice(addr),
		calls:    make(chan *evalCall),
		dialc:    make(chan dialOutcome, 1),
		frames:   make(chan inboundData, 256),
		readErrs: make(chan readerError, 2),
		pongs:    make(chan int, 4),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		table:    newRequestTable(cfg.MaxInFlight, cfg.MaxQueue),
		chunks:   newChunkAssembler(),
		backoff:  NewBackoff(cfg.Backoff),
	}
	l.st.Store(int32(StateIdle))
	return l
}

// Addr returns the device address this link serves.
func (l *Link) Addr() string { return l.addr }

// State returns the current lifecycle state. Safe to call from any
// goroutine.
func (l *Link) State() State { return State(l.st.Load()) }

func (l *Link) setState(s State) { l.st.Store(int32(s)) }

// Start launches the run loop and the first dial.
func (l *Link) Start() {
	go l.run()
}

// Shutdown stops the link and waits for the run loop to exit. Pending
// and queued requests are rejected.
func (l *Link) Shutdown() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.stopped
}

// Eval executes a script on the homebase and returns the remote
// result, using the configured default deadline.
func (l *Link) Eval(ctx context.Context, script string) (string, error) {
	return l.EvalTimeout(ctx, script, l.cfg.RequestTimeout)
}

// EvalTimeout is Eval with a caller-chosen deadline. The deadline runs
// from enqueue, so a request stuck behind a dead link still times out.
// When the waiting queue is full the call fails immediately with
// ErrQueueFull.
func (l *Link) EvalTimeout(ctx context.Context, script string, timeout time.Duration) (string, error) {
	c := &evalCall{
		requestID: uuid.NewString(),
		script:    script,
		deadline:  time.Now().Add(timeout),
		result:    make(chan evalResult, 1),
	}

	select {
	case l.calls <- c:
	case <-l.stopped:
		return "", util.ErrLinkClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-c.result:
		return r.value, r.err
	case <-l.stopped:
		return "", util.ErrLinkClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run is the serialized owner of all link state.
func (l *Link) run() {
	defer close(l.stopped)

	l.startDial()

	for {
		select {
		case <-l.stop:
			l.shutdown()
			return

		case c := <-l.calls:
			l.handleCall(c)

		case d := <-l.dialc:
			l.handleDialOutcome(d)

		case m := <-l.frames:
			if m.gen == l.gen {
				l.lastInbound = time.Now()
				l.handleFrame(m.data, false)
			}

		case e := <-l.readErrs:
			if e.gen == l.gen {
				l.teardown("read_error", e.err)
			}

		case g := <-l.pongs:
			if g == l.gen {
				clearTimer(&l.pongTimer)
			}

		case <-timerC(l.reconnectTimer):
			l.reconnectTimer = nil
			l.startDial()

		case <-tickC(l.heartbeatTick):
			l.sendPing()

		case <-timerC(l.pongTimer):
			l.pongTimer = nil
			l.teardown("pong_timeout", fmt.Errorf("no pong within %s", l.cfg.HeartbeatTimeout))

		case <-timerC(l.staleTimer):
			l.staleTimer = nil
			l.checkStale()

		case <-tickC(l.refreshTick):
			l.refreshSubscriptions()

		case <-tickC(l.pollTick):
			l.pollDeviceState()

		case <-timerC(l.deadlineTimer):
			l.deadlineTimer = nil
			l.expireRequests()
		}
	}
}

// startDial begins a connection attempt unless one is already running.
func (l *Link) startDial() {
	switch l.State() {
	case StateConnecting:
		l.log.Debug("dial already in progress")
		return
	case StateOpen:
		return
	}

	l.gen++
	gen := l.gen
	l.setState(StateConnecting)

	url := fmt.Sprintf("ws://%s:%d/ws", l.addr, l.cfg.Port)
	l.log.Debugf("dialing %s", url)

	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: l.cfg.ConnectTimeout}
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
		defer cancel()

		conn, _, err := dialer.DialContext(ctx, url, nil)
		select {
		case l.dialc <- dialOutcome{gen: gen, conn: conn, err: err}:
		case <-l.stop:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (l *Link) handleDialOutcome(d dialOutcome) {
	if d.gen != l.gen {
		if d.conn != nil {
			d.conn.Close()
		}
		return
	}

	if d.err != nil {
		l.log.Debugf("dial failed: %v", d.err)
		l.setState(StateClosed)
		l.scheduleReconnect()
		return
	}

	l.onOpen(d.conn)
}

// onOpen installs the fresh socket: reset backoff, start watchdogs,
// announce connectivity, and replay the subscription catalog.
func (l *Link) onOpen(conn *websocket.Conn) {
	l.conn = conn
	l.setState(StateOpen)
	l.backoff.Reset()
	metrics.LinkConnects.WithLabelValues(l.addr).Inc()
	metrics.LinksOpen.Inc()
	l.log.Info("homebase connected")

	conn.SetReadLimit(maxFrameBytes)
	gen := l.gen
	conn.SetPongHandler(func(string) error {
		select {
		case l.pongs <- gen:
		case <-l.stop:
		}
		return nil
	})

	l.lastInbound = time.Now()
	setTimer(&l.staleTimer, l.cfg.StaleAfter)
	l.heartbeatTick = time.NewTicker(l.cfg.HeartbeatInterval)
	l.refreshTick = time.NewTicker(l.cfg.RefreshInterval)
	l.pollTick = time.NewTicker(l.cfg.PollInterval)

	l.applyDatapoint("ess/connected", "1")

	for _, key := range SubscriptionCatalog {
		if err := l.writeJSON(subscribeCommand{Cmd: "subscribe", Match: key, Every: l.cfg.SubscribeEvery}); err != nil {
			l.teardown("write_error", fmt.Errorf("subscribe %s: %w", key, err))
			return
		}
	}
	for _, key := range SubscriptionCatalog {
		if err := l.writeJSON(touchCommand{Cmd: "touch", Name: key}); err != nil {
			l.teardown("write_error", fmt.Errorf("touch %s: %w", key, err))
			return
		}
	}

	go l.readLoop(conn, l.gen)

	l.drainQueue()
}

// readLoop feeds inbound frames to the run loop until the socket dies.
func (l *Link) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case l.readErrs <- readerError{gen: gen, err: err}:
			case <-l.stop:
			}
			return
		}
		select {
		case l.frames <- inboundData{gen: gen, data: data}:
		case <-l.stop:
			return
		}
	}
}

func (l *Link) handleCall(c *evalCall) {
	if err := l.table.enqueue(c); err != nil {
		metrics.EvalRequests.WithLabelValues("queue_full").Inc()
		c.reject(err)
		return
	}
	l.armDeadline()
	l.drainQueue()
}

// drainQueue dispatches queued calls while the link is open and
// in-flight slots are free.
func (l *Link) drainQueue() {
	for l.State() == StateOpen {
		c := l.table.next()
		if c == nil {
			return
		}
		cmd := evalCommand{Cmd: "eval", Script: c.script, RequestID: c.requestID}
		if err := l.writeJSON(cmd); err != nil {
			l.teardown("write_error", fmt.Errorf("eval write: %w", err))
			return
		}
	}
}

// handleFrame parses and dispatches one inbound frame. Reassembled
// chunk payloads re-enter here exactly once (fromChunks guards against
// nesting).
func (l *Link) handleFrame(data []byte, fromChunks bool) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		l.log.Warnf("malformed frame dropped: %v", err)
		return
	}

	switch {
	case f.IsChunkedMessage:
		if fromChunks {
			l.log.Warn("nested chunked message dropped")
			return
		}
		l.handleChunk(f)

	case f.RequestID != "":
		l.handleResponse(f)

	case f.Type == "datapoint":
		metrics.Datapoints.WithLabelValues(l.addr).Inc()
		l.applyDatapoint(f.Name, rawValue(f.Data))

	case f.Status != "":
		// Benign control acks, including "Datapoint not found" answers
		// to touches on keys the remote has not published yet.
		l.log.Debugf("control ack: status=%s action=%s error=%s", f.Status, f.Action, f.Error)

	default:
		l.log.Debugf("unrecognized frame dropped: %.120s", data)
	}
}

func (l *Link) handleChunk(f inboundFrame) {
	payload, done, err := l.chunks.add(f.MessageID, f.ChunkIndex, f.TotalChunks, rawValue(f.Data))
	if err != nil {
		l.log.Warnf("chunk dropped: %v", err)
		return
	}
	if done {
		l.handleFrame([]byte(payload), true)
	}
}

func (l *Link) handleResponse(f inboundFrame) {
	c := l.table.complete(f.RequestID)
	if c == nil {
		l.log.Debugf("response for unknown requestId %s dropped", f.RequestID)
		return
	}

	if f.Status == "ok" {
		metrics.EvalRequests.WithLabelValues("ok").Inc()
		c.resolve(rawValue(f.Result))
	} else {
		msg := f.Error
		if msg == "" {
			msg = "remote error"
		}
		metrics.EvalRequests.WithLabelValues("error").Inc()
		c.reject(fmt.Errorf("%s", msg))
		l.pub.Publish(status.EventTCLError, msg)
	}

	l.armDeadline()
	l.drainQueue()
}

// applyDatapoint translates a raw datapoint and hands it to the cache.
func (l *Link) applyDatapoint(name, value string) {
	source, typ, v := status.Translate(name, value)
	l.sink.ApplyDatapoint(l.addr, source, typ, v)
}

func (l *Link) sendPing() {
	if l.conn == nil {
		return
	}
	if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		l.teardown("write_error", fmt.Errorf("ping write: %w", err))
		return
	}
	setTimer(&l.pongTimer, l.cfg.HeartbeatTimeout)
}

// checkStale terminates the session when no frame has arrived within
// StaleAfter; otherwise it re-arms for the remainder.
func (l *Link) checkStale() {
	if l.State() != StateOpen {
		return
	}
	elapsed := time.Since(l.lastInbound)
	if elapsed >= l.cfg.StaleAfter {
		l.teardown("stale", fmt.Errorf("no frames for %s", elapsed.Round(time.Second)))
		return
	}
	setTimer(&l.staleTimer, l.cfg.StaleAfter-elapsed)
}

// refreshSubscriptions re-touches every catalog key, recovering values
// whose pushes were missed.
func (l *Link) refreshSubscriptions() {
	if l.State() != StateOpen {
		return
	}
	for _, key := range SubscriptionCatalog {
		if err := l.writeJSON(touchCommand{Cmd: "touch", Name: key}); err != nil {
			l.teardown("write_error", fmt.Errorf("refresh touch %s: %w", key, err))
			return
		}
	}
}

func (l *Link) expireRequests() {
	expired := l.table.expire(time.Now())
	for _, c := range expired {
		metrics.EvalRequests.WithLabelValues("timeout").Inc()
		c.reject(fmt.Errorf("eval: %w", util.ErrRequestTimeout))
	}
	if len(expired) > 0 {
		l.log.Debugf("%d request(s) timed out", len(expired))
	}
	l.armDeadline()
	l.drainQueue()
}

// armDeadline points the expiry timer at the earliest outstanding
// request deadline, or stops it when the table is empty.
func (l *Link) armDeadline() {
	next, ok := l.table.nextDeadline()
	if !ok {
		clearTimer(&l.deadlineTimer)
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	setTimer(&l.deadlineTimer, d)
}

// teardown closes the current session and schedules a reconnect. Only
// meaningful while Open; dial failures take the scheduleReconnect path
// directly.
func (l *Link) teardown(cause string, err error) {
	if l.State() != StateOpen {
		return
	}
	l.setState(StateDraining)
	l.log.Warnf("link down (%s): %v", cause, err)
	metrics.LinksOpen.Dec()
	metrics.LinkDisconnects.WithLabelValues(l.addr, cause).Inc()

	l.conn.Close()
	l.conn = nil
	l.stopSessionTimers()
	l.chunks.drop()

	for _, c := range l.table.takePending() {
		metrics.EvalRequests.WithLabelValues("link_closed").Inc()
		c.reject(fmt.Errorf("eval: %w", util.ErrLinkClosed))
	}
	l.armDeadline()

	l.applyDatapoint("ess/connected", "0")

	l.setState(StateClosed)
	l.scheduleReconnect()
}

func (l *Link) scheduleReconnect() {
	delay := l.backoff.Next(time.Now())
	l.log.Infof("reconnecting in %s", delay.Round(time.Millisecond))
	setTimer(&l.reconnectTimer, delay)
}

// shutdown releases everything on process exit. Queued calls are
// rejected too: no reconnect is coming to drain them.
func (l *Link) shutdown() {
	if l.State() == StateOpen {
		metrics.LinksOpen.Dec()
		for _, key := range SubscriptionCatalog {
			if err := l.writeJSON(unsubscribeCommand{Cmd: "unsubscribe", Match: key}); err != nil {
				break
			}
		}
		l.applyDatapoint("ess/connected", "0")
	}
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	// A dial may have landed in the buffer after stop was signalled.
	select {
	case d := <-l.dialc:
		if d.conn != nil {
			d.conn.Close()
		}
	default:
	}
	l.stopSessionTimers()
	clearTimer(&l.reconnectTimer)
	clearTimer(&l.deadlineTimer)
	l.chunks.drop()

	for _, c := range l.table.takePending() {
		c.reject(util.ErrLinkClosed)
	}
	for _, c := range l.table.takeQueued() {
		c.reject(util.ErrLinkClosed)
	}
	l.setState(StateClosed)
	l.log.Info("link stopped")
}

func (l *Link) stopSessionTimers() {
	if l.heartbeatTick != nil {
		l.heartbeatTick.Stop()
		l.heartbeatTick = nil
	}
	if l.refreshTick != nil {
		l.refreshTick.Stop()
		l.refreshTick = nil
	}
	if l.pollTick != nil {
		l.pollTick.Stop()
		l.pollTick = nil
	}
	clearTimer(&l.pongTimer)
	clearTimer(&l.staleTimer)
}

func (l *Link) writeJSON(v interface{}) error {
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(v)
}

// timerC returns the timer's channel, or nil (block forever) when the
// timer is not armed.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// setTimer arms (or re-arms) a loop-owned timer.
func setTimer(t **time.Timer, d time.Duration) {
	if *t == nil {
		*t = time.NewTimer(d)
		return
	}
	if !(*t).Stop() {
		select {
		case <-(*t).C:
		default:
		}
	}
	(*t).Reset(d)
}

// clearTimer stops and forgets a loop-owned timer.
func clearTimer(t **time.Timer) {
	if *t == nil {
		return
	}
	if !(*t).Stop() {
		select {
		case <-(*t).C:
		default:
		}
	}
	*t = nil
}
