package tracker

import (
	"testing"
	"time"
)

func TestRecentReturnsNewestFirst(t *testing.T) {
	tr := New(10)
	base := time.Now()
	for i := 0; i < 3; i++ {
		tr.Record(Snapshot{Timestamp: base.Add(time.Duration(i) * time.Millisecond), CallID: "c", Method: "INVITE"})
	}
	recent := tr.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(recent))
	}
	if !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Fatalf("expected newest-first order")
	}
}

func TestRingBufferDropsOldestOnOverflow(t *testing.T) {
	tr := New(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		tr.Record(Snapshot{Timestamp: base.Add(time.Duration(i) * time.Second), CallID: "c", Method: "INVITE"})
	}
	all := tr.Recent(10)
	if len(all) != 3 {
		t.Fatalf("Recent(10) on capacity-3 tracker returned %d, want 3", len(all))
	}
	if all[0].Timestamp != base.Add(4*time.Second) {
		t.Fatalf("expected newest entry retained, got %v", all[0].Timestamp)
	}
}

func TestRetransmissionFlaggedWithinWindow(t *testing.T) {
	tr := New(10)
	base := time.Now()
	tr.Record(Snapshot{Timestamp: base, CallID: "abc", Method: "INVITE", Direction: "inbound"})
	tr.Record(Snapshot{Timestamp: base.Add(500 * time.Millisecond), CallID: "abc", Method: "INVITE", Direction: "inbound"})

	recent := tr.Recent(1)
	if !recent[0].IsRetransmission {
		t.Fatalf("expected second identical INVITE within window to be flagged as retransmission")
	}
}

func TestRetransmissionNotFlaggedOutsideWindow(t *testing.T) {
	tr := New(10)
	base := time.Now()
	tr.Record(Snapshot{Timestamp: base, CallID: "abc", Method: "INVITE", Direction: "inbound"})
	tr.Record(Snapshot{Timestamp: base.Add(5 * time.Second), CallID: "abc", Method: "INVITE", Direction: "inbound"})

	recent := tr.Recent(1)
	if recent[0].IsRetransmission {
		t.Fatalf("expected INVITE outside the retransmission window not to be flagged")
	}
}

func TestSubscribeReceivesPublishedSnapshot(t *testing.T) {
	tr := New(10)
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.Record(Snapshot{CallID: "x", Method: "BYE"})
	select {
	case s := <-ch:
		if s.CallID != "x" {
			t.Fatalf("got CallID %q, want x", s.CallID)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive snapshot")
	}
}
