package homebase

import (
	"time"

	"github.com/essfleet/hbgate/pkg/util"
)

// evalResult carries the outcome of one eval request back to its
// caller.
type evalResult struct {
	value string
	err   error
}

// evalCall is one in-progress eval request: created by Eval, queued
// until an in-flight slot frees, resolved exactly once by response,
// deadline expiry, or link teardown.
type evalCall struct {
	requestID string
	script    string
	deadline  time.Time
	result    chan evalResult
}

func (c *evalCall) resolve(value string) {
	c.result <- evalResult{value: value}
}

func (c *evalCall) reject(err error) {
	c.result <- evalResult{err: err}
}

// requestTable holds the waiting queue and the in-flight map for one
// link. The link run loop is its only caller, so no locking. The
// table enforces both caps and guarantees every accepted call is
// removed exactly once.
type requestTable struct {
	maxInFlight int
	maxQueue    int

	queue   []*evalCall
	pending map[string]*evalCall
}

func newRequestTable(maxInFlight, maxQueue int) *requestTable {
	return &requestTable{
		maxInFlight: maxInFlight,
		maxQueue:    maxQueue,
		pending:     make(map[string]*evalCall),
	}
}

// enqueue appends a call to the waiting queue, failing synchronously
// when the queue is at capacity.
func (t *requestTable) enqueue(c *evalCall) error {
	if len(t.queue) >= t.maxQueue {
		return util.ErrQueueFull
	}
	t.queue = append(t.queue, c)
	return nil
}

// next pops the head of the queue into the pending map if an in-flight
// slot is free. Returns nil when nothing can be dispatched.
func (t *requestTable) next() *evalCall {
	if len(t.queue) == 0 || len(t.pending) >= t.maxInFlight {
		return nil
	}
	c := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	t.pending[c.requestID] = c
	return c
}

// complete removes and returns the pending call for a response, or nil
// if the requestId is unknown (late response after timeout, or noise).
// Removal here is what makes completion atomic: a call handed out is
// never handed out again.
func (t *requestTable) complete(requestID string) *evalCall {
	c, ok := t.pending[requestID]
	if !ok {
		return nil
	}
	delete(t.pending, requestID)
	return c
}

// expire removes every call, queued or in-flight, whose deadline has
// passed. The caller rejects them.
func (t *requestTable) expire(now time.Time) []*evalCall {
	var expired []*evalCall

	kept := t.queue[:0]
	for _, c := range t.queue {
		if !c.deadline.After(now) {
			expired = append(expired, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(t.queue); i++ {
		t.queue[i] = nil
	}
	t.queue = kept

	for id, c := range t.pending {
		if !c.deadline.After(now) {
			delete(t.pending, id)
			expired = append(expired, c)
		}
	}
	return expired
}

// takePending empties the in-flight map, returning the calls so the
// link can reject them on teardown. Queued calls stay put; they are
// re-dispatched after reconnect or expire on their own deadlines.
func (t *requestTable) takePending() []*evalCall {
	if len(t.pending) == 0 {
		return nil
	}
	out := make([]*evalCall, 0, len(t.pending))
	for id, c := range t.pending {
		delete(t.pending, id)
		out = append(out, c)
	}
	return out
}

// takeQueued empties the waiting queue, returning the calls. Used on
// shutdown, when no reconnect will ever drain them.
func (t *requestTable) takeQueued() []*evalCall {
	if len(t.queue) == 0 {
		return nil
	}
	out := make([]*evalCall, len(t.queue))
	copy(out, t.queue)
	for i := range t.queue {
		t.queue[i] = nil
	}
	t.queue = t.queue[:0]
	return out
}

// nextDeadline returns the earliest deadline across queued and
// in-flight calls, or false when the table is empty.
func (t *requestTable) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, c := range t.queue {
		if !found || c.deadline.Before(earliest) {
			earliest = c.deadline
			found = true
		}
	}
	for _, c := range t.pending {
		if !found || c.deadline.Before(earliest) {
			earliest = c.deadline
			found = true
		}
	}
	return earliest, found
}

func (t *requestTable) inFlight() int { return len(t.pending) }
func (t *requestTable) queued() int   { return len(t.queue) }
