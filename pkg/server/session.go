package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/essfleet/hbgate/pkg/status"
	"github.com/essfleet/hbgate/pkg/util"
)

// Evaluator runs one script on a homebase and returns its printed
// result.
type Evaluator interface {
	Eval(ctx context.Context, script string) (string, error)
}

// Links resolves browser-supplied addresses to live homebase links.
type Links interface {
	Ensure(address string) (Evaluator, error)
	SetName(address, name string)
	Addresses() []string
}

// DeviceStore is the slice of the database the browser handlers touch.
type DeviceStore interface {
	AddDevice(ctx context.Context, address, name string) error
	Query(ctx context.Context, query string) ([]map[string]interface{}, error)
}

// browserRequest is the union of every inbound browser frame.
type browserRequest struct {
	MsgType string `json:"msg_type"`
	IP      string `json:"ip,omitempty"`
	Msg     string `json:"msg,omitempty"`
}

type cmdOK struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	IP     string `json:"ip"`
	Result string `json:"result"`
}

type cmdFailed struct {
	Type  string `json:"type"`
	Kind  string `json:"kind"`
	IP    string `json:"ip"`
	Error string `json:"error"`
}

type errorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type rowsReply struct {
	Type   string                   `json:"type"`
	Result []map[string]interface{} `json:"result"`
}

// Session turns inbound browser frames into link evals, device
// registrations and store queries. Handlers that can block run on
// their own goroutine under the client's context so a slow homebase
// never stalls the browser's read loop.
type Session struct {
	links Links
	store DeviceStore
	cache *status.Cache
	log   *logrus.Entry
}

func NewSession(links Links, store DeviceStore, cache *status.Cache) *Session {
	return &Session{
		links: links,
		store: store,
		cache: cache,
		log:   util.WithComponent("session"),
	}
}

// seed pushes the three snapshot frames a fresh browser needs before
// it can apply the change stream.
func (s *Session) seed(c *Client) {
	c.sendEvent("status", s.cache.StatusSnapshot())
	c.sendEvent("commStatus", s.cache.CommSnapshot())
	c.sendEvent("perfStats", s.cache.PerfSnapshot())
}

func (s *Session) handle(ctx context.Context, c *Client, raw []byte) {
	var req browserRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendJSON(errorReply{Type: "error", Message: "malformed request: " + err.Error()})
		return
	}

	switch req.MsgType {
	case "esscmd", "gitcmd":
		go s.runCommand(ctx, c, req)
	case "AddDevice":
		go s.addDevice(ctx, c, req)
	case "Addsubject":
		s.addSubject(c, req)
	case "sql_query":
		go s.runQuery(ctx, c, req.Msg, "sql_table")
	case "get_options":
		go s.runQuery(ctx, c, req.Msg, "listbox_options")
	default:
		c.sendJSON(errorReply{Type: "error", Message: fmt.Sprintf("unknown msg_type %q", req.MsgType)})
	}
}

// runCommand evaluates one esscmd or gitcmd on the addressed homebase.
// gitcmd payloads are wrapped so the remote git helper receives them.
func (s *Session) runCommand(ctx context.Context, c *Client, req browserRequest) {
	script := req.Msg
	if req.MsgType == "gitcmd" {
		script = fmt.Sprintf("send git {%s}", req.Msg)
	}

	link, err := s.links.Ensure(req.IP)
	if err != nil {
		c.sendJSON(cmdFailed{Type: "cmd_error", Kind: req.MsgType, IP: req.IP, Error: err.Error()})
		return
	}

	result, err := link.Eval(ctx, script)
	if err != nil {
		c.sendJSON(cmdFailed{Type: "cmd_error", Kind: req.MsgType, IP: req.IP, Error: err.Error()})
		return
	}
	c.sendJSON(cmdOK{Type: "cmd_ok", Kind: req.MsgType, IP: req.IP, Result: result})
}

// addDevice persists the device, brings up its link and records the
// display name. Success is silent; the devices table change reaches
// browsers through the usual notification path.
func (s *Session) addDevice(ctx context.Context, c *Client, req browserRequest) {
	address := strings.TrimSpace(req.IP)
	name := strings.TrimSpace(req.Msg)
	if address == "" {
		c.sendJSON(errorReply{Type: "error", Message: "AddDevice requires an ip"})
		return
	}
	if name == "" {
		name = address
	}

	if err := s.store.AddDevice(ctx, address, name); err != nil {
		c.sendJSON(errorReply{Type: "error", Message: err.Error()})
		return
	}
	if _, err := s.links.Ensure(address); err != nil {
		c.sendJSON(errorReply{Type: "error", Message: err.Error()})
		return
	}
	s.links.SetName(address, name)
	s.log.Infof("device %s (%s) added", address, name)
}

// addSubject merges the new subject into every device's option list
// and writes the result back to the cache, which broadcasts the
// per-host changes.
func (s *Session) addSubject(c *Client, req browserRequest) {
	subject := strings.TrimSpace(req.Msg)
	if subject == "" {
		c.sendJSON(errorReply{Type: "error", Message: "Addsubject requires a subject name"})
		return
	}

	joined := strings.Join(s.mergedSubjectOptions(subject), ",")
	for _, addr := range s.links.Addresses() {
		s.cache.ApplyDatapoint(addr, "ess", "animalOptions", joined)
	}
	s.log.Infof("subject %s added to options", subject)
}

// mergedSubjectOptions folds every device's animalOptions list into
// one: "test" always leads, duplicates collapse case-insensitively
// with the first casing winning, and the new subject is appended when
// absent.
func (s *Session) mergedSubjectOptions(subject string) []string {
	seen := map[string]bool{"test": true}
	merged := []string{"test"}

	for _, e := range s.cache.EntriesByType("ess", "animalOptions") {
		for _, opt := range util.SplitCommaSeparated(e.Value) {
			lower := strings.ToLower(opt)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			merged = append(merged, opt)
		}
	}

	if !seen[strings.ToLower(subject)] {
		merged = append(merged, subject)
	}
	return merged
}

// runQuery executes one read-only query and replies with the coerced
// rows under the given frame type.
func (s *Session) runQuery(ctx context.Context, c *Client, query, replyType string) {
	rows, err := s.store.Query(ctx, query)
	if err != nil {
		c.sendJSON(errorReply{Type: "error", Message: err.Error()})
		return
	}
	c.sendJSON(rowsReply{Type: replyType, Result: rows})
}
