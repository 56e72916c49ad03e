package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/essfleet/hbgate/pkg/metrics"
	"github.com/essfleet/hbgate/pkg/status"
	"github.com/essfleet/hbgate/pkg/util"
)

// notifyChannels are the trigger channels the gateway bridges to
// browsers.
var notifyChannels = []string{
	"status_changes",
	"comm_status_changes",
	"perf_stats_changes",
	"new_image",
}

const (
	listenMinReconnect = 5 * time.Second
	listenMaxReconnect = 30 * time.Second
	listenPingEvery    = 90 * time.Second
)

// applier is the slice of the status cache the listener drives.
type applier interface {
	ApplyRemote(e status.Entry) bool
	ApplyComm(e status.CommEntry)
	ApplyPerf(e status.PerfEntry)
}

// RowFetcher resolves new_image notifications, whose payloads carry
// only the row key, into full status rows.
type RowFetcher interface {
	FetchStatus(ctx context.Context, host, statusType string) (status.Entry, error)
}

// Listener bridges PostgreSQL NOTIFY traffic into the cache and the
// browser stream. It owns reconnection: pq.Listener redials and
// re-LISTENs on its own, and a periodic ping flushes silent drops.
type Listener struct {
	url   string
	cache applier
	pub   status.Publisher
	fetch RowFetcher
	log   *logrus.Entry
}

// NewListener wires a listener to the cache, the broadcast publisher,
// and the row fetcher used for new_image.
func NewListener(databaseURL string, cache applier, pub status.Publisher, fetch RowFetcher) *Listener {
	return &Listener{
		url:   databaseURL,
		cache: cache,
		pub:   pub,
		fetch: fetch,
		log:   util.WithComponent("listener"),
	}
}

// Run listens until the context is cancelled. Connection trouble is
// logged and retried; it never returns an error after startup
// succeeds.
func (l *Listener) Run(ctx context.Context) error {
	pl := pq.NewListener(l.url, listenMinReconnect, listenMaxReconnect, l.event)
	defer pl.Close()

	for _, ch := range notifyChannels {
		if err := pl.Listen(ch); err != nil {
			return fmt.Errorf("listening on %s: %w", ch, err)
		}
	}
	l.log.Infof("listening on %d channels", len(notifyChannels))

	ping := time.NewTicker(listenPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-pl.Notify:
			if n == nil {
				// pq delivers nil after an automatic reconnect.
				l.log.Warn("reconnected; notifications may have been missed")
				continue
			}
			l.dispatch(ctx, n.Channel, []byte(n.Extra))

		case <-ping.C:
			go pl.Ping()
		}
	}
}

func (l *Listener) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.log.Info("connected")
	case pq.ListenerEventDisconnected:
		l.log.Warnf("disconnected: %v", err)
	case pq.ListenerEventReconnected:
		l.log.Info("reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.log.Warnf("connection attempt failed: %v", err)
	}
}

func (l *Listener) dispatch(ctx context.Context, channel string, payload []byte) {
	metrics.Notifications.WithLabelValues(channel).Inc()

	switch channel {
	case "status_changes":
		l.handleStatus(payload)
	case "comm_status_changes":
		l.handleComm(payload)
	case "perf_stats_changes":
		l.handlePerf(payload)
	case "new_image":
		l.handleImage(ctx, payload)
	default:
		l.log.Debugf("notification on unexpected channel %s dropped", channel)
	}
}

// statusRow is the trigger payload for status_changes, in database
// column names. It converts to the canonical wire shape before use.
type statusRow struct {
	Host    string `json:"host"`
	Source  string `json:"status_source"`
	Type    string `json:"status_type"`
	Value   string `json:"status_value"`
	SysTime string `json:"sys_time"`
}

func (r statusRow) entry() status.Entry {
	return status.Entry{
		Host:    r.Host,
		Source:  r.Source,
		Type:    r.Type,
		Value:   r.Value,
		SysTime: r.SysTime,
	}
}

func (l *Listener) handleStatus(payload []byte) {
	var row statusRow
	if err := json.Unmarshal(payload, &row); err != nil {
		l.log.Warnf("malformed status_changes payload dropped: %v", err)
		return
	}
	if row.Host == "" || row.Type == "" {
		l.log.Warnf("status_changes payload missing key fields dropped: %.120s", payload)
		return
	}
	e := row.entry()
	// Replayed rows with an unchanged value stay silent.
	if l.cache.ApplyRemote(e) {
		l.pub.Publish(status.EventStatusChanges, e)
	}
}

func (l *Listener) handleComm(payload []byte) {
	var e status.CommEntry
	if err := json.Unmarshal(payload, &e); err != nil {
		l.log.Warnf("malformed comm_status_changes payload dropped: %v", err)
		return
	}
	if e.Device == "" && e.Address == "" {
		l.log.Warnf("comm_status_changes payload missing key fields dropped: %.120s", payload)
		return
	}
	l.cache.ApplyComm(e)
	l.pub.Publish(status.EventCommStatusChanges, e)
}

func (l *Listener) handlePerf(payload []byte) {
	var e status.PerfEntry
	if err := json.Unmarshal(payload, &e); err != nil {
		l.log.Warnf("malformed perf_stats_changes payload dropped: %v", err)
		return
	}
	if e.Host == "" {
		l.log.Warnf("perf_stats_changes payload missing host dropped: %.120s", payload)
		return
	}
	l.cache.ApplyPerf(e)
	l.pub.Publish(status.EventPerfStatsChanges, e)
}

// imageKey is the new_image payload: just enough to fetch the real row,
// which is too large to ride through NOTIFY.
type imageKey struct {
	Host string `json:"host"`
	Type string `json:"status_type"`
}

func (l *Listener) handleImage(ctx context.Context, payload []byte) {
	var key imageKey
	if err := json.Unmarshal(payload, &key); err != nil {
		l.log.Warnf("malformed new_image payload dropped: %v", err)
		return
	}
	if key.Host == "" || key.Type == "" {
		l.log.Warnf("new_image payload missing key fields dropped: %.120s", payload)
		return
	}

	e, err := l.fetch.FetchStatus(ctx, key.Host, key.Type)
	if err != nil {
		l.log.Warnf("new_image row fetch %s/%s failed: %v", key.Host, key.Type, err)
		return
	}
	if l.cache.ApplyRemote(e) {
		l.pub.Publish(status.EventStatusChanges, e)
	}
}
