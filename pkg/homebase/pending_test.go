package homebase

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/essfleet/hbgate/pkg/util"
)

func makeCall(id string, deadline time.Time) *evalCall {
	return &evalCall{
		requestID: id,
		script:    "test",
		deadline:  deadline,
		result:    make(chan evalResult, 1),
	}
}

func TestRequestTableCaps(t *testing.T) {
	tab := newRequestTable(2, 3)
	deadline := time.Now().Add(time.Minute)

	for i := 0; i < 3; i++ {
		if err := tab.enqueue(makeCall(fmt.Sprintf("r%d", i), deadline)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// Fourth hits the queue cap synchronously.
	err := tab.enqueue(makeCall("r3", deadline))
	if !errors.Is(err, util.ErrQueueFull) {
		t.Fatalf("enqueue over cap = %v, want ErrQueueFull", err)
	}

	// Only maxInFlight calls dispatch.
	if c := tab.next(); c == nil || c.requestID != "r0" {
		t.Fatal("expected r0 to dispatch first")
	}
	if c := tab.next(); c == nil || c.requestID != "r1" {
		t.Fatal("expected r1 to dispatch second")
	}
	if c := tab.next(); c != nil {
		t.Fatalf("dispatch over in-flight cap: got %s", c.requestID)
	}
	if tab.inFlight() != 2 || tab.queued() != 1 {
		t.Errorf("inFlight=%d queued=%d, want 2/1", tab.inFlight(), tab.queued())
	}

	// Completing one frees a slot.
	if c := tab.complete("r0"); c == nil {
		t.Fatal("complete(r0) should return the call")
	}
	if c := tab.next(); c == nil || c.requestID != "r2" {
		t.Fatal("r2 should dispatch after slot freed")
	}
}

func TestRequestTableCompleteIsAtomic(t *testing.T) {
	tab := newRequestTable(8, 200)
	deadline := time.Now().Add(time.Minute)

	tab.enqueue(makeCall("r1", deadline))
	tab.next()

	if c := tab.complete("r1"); c == nil {
		t.Fatal("first complete should find the call")
	}
	// A duplicate or late response is a no-op.
	if c := tab.complete("r1"); c != nil {
		t.Error("second complete must return nil")
	}
	if c := tab.complete("unknown"); c != nil {
		t.Error("unknown requestId must return nil")
	}
}

func TestRequestTableExpire(t *testing.T) {
	tab := newRequestTable(1, 10)
	now := time.Now()

	tab.enqueue(makeCall("sent", now.Add(10*time.Millisecond)))
	tab.enqueue(makeCall("waiting", now.Add(10*time.Millisecond)))
	tab.enqueue(makeCall("later", now.Add(time.Hour)))
	tab.next() // "sent" goes in flight

	expired := tab.expire(now.Add(20 * time.Millisecond))
	if len(expired) != 2 {
		t.Fatalf("expired %d calls, want 2 (one queued, one in flight)", len(expired))
	}
	if tab.inFlight() != 0 {
		t.Errorf("in-flight slot not freed on expiry")
	}
	if tab.queued() != 1 {
		t.Errorf("queued=%d, want 1 survivor", tab.queued())
	}

	// The expired in-flight call is gone from the table; a late
	// response finds nothing.
	if c := tab.complete("sent"); c != nil {
		t.Error("expired call must be removed from the pending table")
	}
}

func TestRequestTableTakePendingLeavesQueue(t *testing.T) {
	tab := newRequestTable(2, 10)
	deadline := time.Now().Add(time.Minute)

	tab.enqueue(makeCall("a", deadline))
	tab.enqueue(makeCall("b", deadline))
	tab.enqueue(makeCall("c", deadline))
	tab.next()
	tab.next()

	taken := tab.takePending()
	if len(taken) != 2 {
		t.Fatalf("takePending returned %d, want 2", len(taken))
	}
	if tab.inFlight() != 0 {
		t.Error("pending map should be empty after takePending")
	}
	// Queued requests survive teardown and re-dispatch on reconnect.
	if tab.queued() != 1 {
		t.Errorf("queued=%d, want 1", tab.queued())
	}
	if c := tab.next(); c == nil || c.requestID != "c" {
		t.Error("queued call should dispatch after slots reset")
	}
}

func TestRequestTableNextDeadline(t *testing.T) {
	tab := newRequestTable(1, 10)
	now := time.Now()

	if _, ok := tab.nextDeadline(); ok {
		t.Fatal("empty table should report no deadline")
	}

	tab.enqueue(makeCall("late", now.Add(time.Hour)))
	tab.enqueue(makeCall("soon", now.Add(time.Second)))
	tab.next() // "late" in flight

	d, ok := tab.nextDeadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if !d.Equal(now.Add(time.Second)) {
		t.Errorf("nextDeadline = %v, want the queued call's earlier deadline", d)
	}
}
