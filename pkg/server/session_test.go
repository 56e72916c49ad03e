package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/essfleet/hbgate/pkg/status"
)

type fakeEvaluator struct {
	mu      sync.Mutex
	scripts []string
	result  string
	err     error
}

func (f *fakeEvaluator) Eval(ctx context.Context, script string) (string, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeEvaluator) lastScript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return ""
	}
	return f.scripts[len(f.scripts)-1]
}

type fakeLinks struct {
	mu        sync.Mutex
	eval      *fakeEvaluator
	ensureErr error
	ensured   []string
	names     map[string]string
	addresses []string
}

func (f *fakeLinks) Ensure(address string) (Evaluator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	f.ensured = append(f.ensured, address)
	return f.eval, nil
}

func (f *fakeLinks) SetName(address, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.names == nil {
		f.names = make(map[string]string)
	}
	f.names[address] = name
}

func (f *fakeLinks) Addresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.addresses...)
}

type fakeStore struct {
	mu      sync.Mutex
	devices map[string]string
	addErr  error
	rows    []map[string]interface{}
	rowsErr error
	queries []string
}

func (f *fakeStore) AddDevice(ctx context.Context, address, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	if f.devices == nil {
		f.devices = make(map[string]string)
	}
	f.devices[address] = name
	return nil
}

func (f *fakeStore) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.rows, f.rowsErr
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

type nopWriter struct{}

func (nopWriter) WriteStatus(status.Entry) error { return nil }

func testSession(links *fakeLinks, store *fakeStore) (*Session, *status.Cache) {
	cache := status.NewCache(nopPublisher{}, nopWriter{})
	return NewSession(links, store, cache), cache
}

// handleRaw drives one frame through the session and returns the first
// reply queued for the client.
func handleRaw(t *testing.T, s *Session, raw string) map[string]interface{} {
	t.Helper()
	c := newTestClient(16)
	s.handle(context.Background(), c, []byte(raw))
	return waitReply(t, c)
}

func waitReply(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.send:
		var out map[string]interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("bad reply %q: %v", data, err)
		}
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func TestSessionEssCommand(t *testing.T) {
	links := &fakeLinks{eval: &fakeEvaluator{result: "ok: started"}}
	s, _ := testSession(links, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":"esscmd","ip":"10.0.0.5","msg":"start kokoro"}`)
	if reply["type"] != "cmd_ok" || reply["kind"] != "esscmd" || reply["ip"] != "10.0.0.5" {
		t.Fatalf("reply = %v", reply)
	}
	if reply["result"] != "ok: started" {
		t.Fatalf("result = %v", reply["result"])
	}
	if got := links.eval.lastScript(); got != "start kokoro" {
		t.Fatalf("script = %q", got)
	}
}

func TestSessionGitCommandIsWrapped(t *testing.T) {
	links := &fakeLinks{eval: &fakeEvaluator{result: "up to date"}}
	s, _ := testSession(links, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":"gitcmd","ip":"10.0.0.5","msg":"pull origin main"}`)
	if reply["type"] != "cmd_ok" || reply["kind"] != "gitcmd" {
		t.Fatalf("reply = %v", reply)
	}
	if got := links.eval.lastScript(); got != "send git {pull origin main}" {
		t.Fatalf("script = %q", got)
	}
}

func TestSessionCommandEnsureFailure(t *testing.T) {
	links := &fakeLinks{ensureErr: errors.New("address 10.9.9.9 is not in the allow list")}
	s, _ := testSession(links, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":"esscmd","ip":"10.9.9.9","msg":"start"}`)
	if reply["type"] != "cmd_error" || reply["kind"] != "esscmd" || reply["ip"] != "10.9.9.9" {
		t.Fatalf("reply = %v", reply)
	}
	if msg, _ := reply["error"].(string); !strings.Contains(msg, "allow list") {
		t.Fatalf("error = %v", reply["error"])
	}
}

func TestSessionCommandEvalFailure(t *testing.T) {
	links := &fakeLinks{eval: &fakeEvaluator{err: errors.New(`invalid command name "strat"`)}}
	s, _ := testSession(links, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":"esscmd","ip":"10.0.0.5","msg":"strat"}`)
	if reply["type"] != "cmd_error" {
		t.Fatalf("reply = %v", reply)
	}
	if msg, _ := reply["error"].(string); !strings.Contains(msg, "invalid command") {
		t.Fatalf("error = %v", reply["error"])
	}
}

func TestSessionAddDevice(t *testing.T) {
	links := &fakeLinks{eval: &fakeEvaluator{}}
	store := &fakeStore{}
	s, _ := testSession(links, store)

	c := newTestClient(16)
	s.handle(context.Background(), c, []byte(`{"msg_type":"AddDevice","ip":"10.0.0.7","msg":"rig-g"}`))

	deadline := time.Now().Add(3 * time.Second)
	for {
		links.mu.Lock()
		done := len(links.names) > 0
		links.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("AddDevice never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	store.mu.Lock()
	name := store.devices["10.0.0.7"]
	store.mu.Unlock()
	if name != "rig-g" {
		t.Fatalf("stored name = %q, want rig-g", name)
	}
	links.mu.Lock()
	ensured := append([]string(nil), links.ensured...)
	display := links.names["10.0.0.7"]
	links.mu.Unlock()
	if len(ensured) != 1 || ensured[0] != "10.0.0.7" {
		t.Fatalf("ensured = %v", ensured)
	}
	if display != "rig-g" {
		t.Fatalf("display name = %q", display)
	}
	// Success is silent.
	select {
	case data := <-c.send:
		t.Fatalf("unexpected reply %q", data)
	default:
	}
}

func TestSessionAddDeviceDefaultsNameToAddress(t *testing.T) {
	links := &fakeLinks{eval: &fakeEvaluator{}}
	store := &fakeStore{}
	s, _ := testSession(links, store)

	c := newTestClient(16)
	s.handle(context.Background(), c, []byte(`{"msg_type":"AddDevice","ip":"10.0.0.8"}`))

	deadline := time.Now().Add(3 * time.Second)
	for {
		store.mu.Lock()
		name := store.devices["10.0.0.8"]
		store.mu.Unlock()
		if name == "10.0.0.8" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("device name = %q, want the address", name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionAddDeviceRequiresAddress(t *testing.T) {
	s, _ := testSession(&fakeLinks{eval: &fakeEvaluator{}}, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":"AddDevice","msg":"nameless"}`)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v", reply)
	}
	if msg, _ := reply["message"].(string); !strings.Contains(msg, "ip") {
		t.Fatalf("message = %v", reply["message"])
	}
}

func TestSessionAddDeviceStoreFailure(t *testing.T) {
	links := &fakeLinks{eval: &fakeEvaluator{}}
	store := &fakeStore{addErr: errors.New("pq: connection refused")}
	s, _ := testSession(links, store)

	reply := handleRaw(t, s, `{"msg_type":"AddDevice","ip":"10.0.0.7","msg":"rig-g"}`)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v", reply)
	}
	links.mu.Lock()
	defer links.mu.Unlock()
	if len(links.ensured) != 0 {
		t.Fatal("link brought up despite store failure")
	}
}

func TestSessionAddSubjectMergesOptions(t *testing.T) {
	links := &fakeLinks{addresses: []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"}}
	s, cache := testSession(links, &fakeStore{})

	cache.ApplyDatapoint("10.0.0.5", "ess", "animalOptions", "test,momo,riker")
	cache.ApplyDatapoint("10.0.0.6", "ess", "animalOptions", "Momo,glenn,,")

	c := newTestClient(16)
	s.handle(context.Background(), c, []byte(`{"msg_type":"Addsubject","msg":"sally"}`))

	want := "test,momo,riker,glenn,sally"
	for _, addr := range links.addresses {
		got, ok := cache.Value(addr, "ess", "animalOptions")
		if !ok || got != want {
			t.Fatalf("options for %s = %q, want %q", addr, got, want)
		}
	}
}

func TestSessionAddSubjectAlreadyPresent(t *testing.T) {
	links := &fakeLinks{addresses: []string{"10.0.0.5"}}
	s, cache := testSession(links, &fakeStore{})

	cache.ApplyDatapoint("10.0.0.5", "ess", "animalOptions", "test,Momo")

	c := newTestClient(16)
	s.handle(context.Background(), c, []byte(`{"msg_type":"Addsubject","msg":"MOMO"}`))

	got, _ := cache.Value("10.0.0.5", "ess", "animalOptions")
	if got != "test,Momo" {
		t.Fatalf("options = %q, want existing casing kept without a duplicate", got)
	}
}

func TestSessionAddSubjectRequiresName(t *testing.T) {
	s, _ := testSession(&fakeLinks{}, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":"Addsubject","msg":"  "}`)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestSessionSQLQuery(t *testing.T) {
	store := &fakeStore{rows: []map[string]interface{}{
		{"host": "10.0.0.5", "status_value": "running"},
	}}
	s, _ := testSession(&fakeLinks{}, store)

	reply := handleRaw(t, s, `{"msg_type":"sql_query","msg":"SELECT host FROM status"}`)
	if reply["type"] != "sql_table" {
		t.Fatalf("reply = %v", reply)
	}
	rows, ok := reply["result"].([]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("result = %v", reply["result"])
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.queries) != 1 || store.queries[0] != "SELECT host FROM status" {
		t.Fatalf("queries = %v", store.queries)
	}
}

func TestSessionGetOptionsReplyType(t *testing.T) {
	store := &fakeStore{rows: []map[string]interface{}{{"name": "sally"}}}
	s, _ := testSession(&fakeLinks{}, store)

	reply := handleRaw(t, s, `{"msg_type":"get_options","msg":"SELECT name FROM subjects"}`)
	if reply["type"] != "listbox_options" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestSessionQueryFailure(t *testing.T) {
	store := &fakeStore{rowsErr: errors.New("query rejected: forbidden keyword DELETE")}
	s, _ := testSession(&fakeLinks{}, store)

	reply := handleRaw(t, s, `{"msg_type":"sql_query","msg":"DELETE FROM status"}`)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v", reply)
	}
	if msg, _ := reply["message"].(string); !strings.Contains(msg, "forbidden") {
		t.Fatalf("message = %v", reply["message"])
	}
}

func TestSessionMalformedFrame(t *testing.T) {
	s, _ := testSession(&fakeLinks{}, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":`)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestSessionUnknownMsgType(t *testing.T) {
	s, _ := testSession(&fakeLinks{}, &fakeStore{})

	reply := handleRaw(t, s, `{"msg_type":"reboot_lab"}`)
	if reply["type"] != "error" {
		t.Fatalf("reply = %v", reply)
	}
	if msg, _ := reply["message"].(string); !strings.Contains(msg, "reboot_lab") {
		t.Fatalf("message = %v", reply["message"])
	}
}

func TestSessionSeedSendsSnapshots(t *testing.T) {
	links := &fakeLinks{}
	s, cache := testSession(links, &fakeStore{})
	cache.ApplyDatapoint("10.0.0.5", "system", "hostname", "rig-e")

	c := newTestClient(16)
	s.seed(c)

	for _, want := range []string{"status", "commStatus", "perfStats"} {
		f := waitReply(t, c)
		if f["type"] != want {
			t.Fatalf("frame type = %v, want %s", f["type"], want)
		}
	}
}
