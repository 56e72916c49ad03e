package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/essfleet/hbgate/pkg/status"
)

type nopPub struct{}

func (nopPub) Publish(string, interface{}) {}

type nopWriter struct{}

func (nopWriter) WriteStatus(status.Entry) error { return nil }

type capturePub struct {
	mu     sync.Mutex
	events []string
	data   []interface{}
}

func (p *capturePub) Publish(event string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.data = append(p.data, data)
}

func (p *capturePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type stubFetcher struct {
	entry status.Entry
	err   error
	calls int
}

func (f *stubFetcher) FetchStatus(ctx context.Context, host, statusType string) (status.Entry, error) {
	f.calls++
	return f.entry, f.err
}

func testListener(fetch RowFetcher) (*Listener, *status.Cache, *capturePub) {
	cache := status.NewCache(nopPub{}, nopWriter{})
	pub := &capturePub{}
	l := NewListener("postgres://unused", cache, pub, fetch)
	return l, cache, pub
}

func TestListenerStatusChangeIsIdempotent(t *testing.T) {
	l, cache, pub := testListener(&stubFetcher{})

	payload := []byte(`{"host":"10.0.0.1","status_source":"ess","status_type":"subject","status_value":"sally","sys_time":"2026-08-25 10:00:00"}`)

	l.dispatch(context.Background(), "status_changes", payload)
	if pub.count() != 1 {
		t.Fatalf("broadcasts after first apply = %d, want 1", pub.count())
	}
	if pub.events[0] != status.EventStatusChanges {
		t.Errorf("event = %q, want status_changes", pub.events[0])
	}
	e, ok := pub.data[0].(status.Entry)
	if !ok {
		t.Fatalf("payload type = %T, want status.Entry", pub.data[0])
	}
	if e.Source != "ess" || e.Type != "subject" || e.Value != "sally" {
		t.Errorf("canonical entry = %+v", e)
	}
	if v, ok := cache.Value("10.0.0.1", "ess", "subject"); !ok || v != "sally" {
		t.Errorf("cache value = %q (%v), want sally", v, ok)
	}

	// Replaying the identical row must stay silent.
	l.dispatch(context.Background(), "status_changes", payload)
	if pub.count() != 1 {
		t.Errorf("broadcasts after replay = %d, want 1", pub.count())
	}
}

func TestListenerMalformedPayloadsDropped(t *testing.T) {
	l, _, pub := testListener(&stubFetcher{})

	l.dispatch(context.Background(), "status_changes", []byte(`{not json`))
	l.dispatch(context.Background(), "status_changes", []byte(`{"status_value":"orphan"}`))
	l.dispatch(context.Background(), "comm_status_changes", []byte(`[]`))
	l.dispatch(context.Background(), "perf_stats_changes", []byte(`{"trials":3}`))
	l.dispatch(context.Background(), "new_image", []byte(`{"host":""}`))
	l.dispatch(context.Background(), "bogus_channel", []byte(`{}`))

	if pub.count() != 0 {
		t.Errorf("broadcasts = %d, want 0", pub.count())
	}
}

func TestListenerCommChange(t *testing.T) {
	l, cache, pub := testListener(&stubFetcher{})

	payload := []byte(`{"device":"rig-a","address":"10.0.0.1","ping_avg":12,"ping_success":0.95,"last_ping":"2026-08-25 10:00:00","server_time":"2026-08-25 10:00:01"}`)
	l.dispatch(context.Background(), "comm_status_changes", payload)

	if pub.count() != 1 || pub.events[0] != status.EventCommStatusChanges {
		t.Fatalf("events = %v, want one comm_status_changes", pub.events)
	}
	snap := cache.CommSnapshot()
	if len(snap) != 1 || snap[0].Device != "rig-a" || snap[0].PingAvg != 12 {
		t.Errorf("comm snapshot = %+v", snap)
	}
}

func TestListenerPerfChangeAndRemoval(t *testing.T) {
	l, cache, pub := testListener(&stubFetcher{})

	add := []byte(`{"host":"10.0.0.1","status_type":"trialdata","subject":"sally","system":"match","protocol":"p1","variant":"v1","trials":5,"pct_correct":0.8,"pct_complete":1,"sys_time":"2026-08-25 10:00:00"}`)
	l.dispatch(context.Background(), "perf_stats_changes", add)

	if len(cache.PerfSnapshot()) != 1 {
		t.Fatalf("perf snapshot = %d rows, want 1", len(cache.PerfSnapshot()))
	}

	remove := []byte(`{"host":"10.0.0.1","status_type":"trialdata","subject":"sally","system":"match","protocol":"p1","variant":"v1","trials":0,"pct_correct":0,"pct_complete":0,"sys_time":"2026-08-25 10:00:05"}`)
	l.dispatch(context.Background(), "perf_stats_changes", remove)

	if len(cache.PerfSnapshot()) != 0 {
		t.Errorf("perf snapshot after trials=0 = %d rows, want 0", len(cache.PerfSnapshot()))
	}
	if pub.count() != 2 {
		t.Errorf("broadcasts = %d, want 2 (both rows forwarded)", pub.count())
	}
}

func TestListenerNewImageFetchesRow(t *testing.T) {
	fetch := &stubFetcher{entry: status.Entry{
		Host:    "10.0.0.1",
		Source:  "system",
		Type:    "photo_cartoon",
		Value:   "base64-blob",
		SysTime: "2026-08-25 10:00:00",
	}}
	l, cache, pub := testListener(fetch)

	l.dispatch(context.Background(), "new_image", []byte(`{"host":"10.0.0.1","status_type":"photo_cartoon"}`))

	if fetch.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetch.calls)
	}
	if pub.count() != 1 || pub.events[0] != status.EventStatusChanges {
		t.Fatalf("events = %v, want one status_changes", pub.events)
	}
	if v, ok := cache.Value("10.0.0.1", "system", "photo_cartoon"); !ok || v != "base64-blob" {
		t.Errorf("cache value = %q (%v), want the fetched blob", v, ok)
	}
}

func TestListenerNewImageFetchFailureIsSwallowed(t *testing.T) {
	fetch := &stubFetcher{err: errors.New("connection refused")}
	l, _, pub := testListener(fetch)

	l.dispatch(context.Background(), "new_image", []byte(`{"host":"10.0.0.1","status_type":"photo_cartoon"}`))

	if pub.count() != 0 {
		t.Errorf("broadcasts = %d, want 0", pub.count())
	}
}
