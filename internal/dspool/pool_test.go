package dspool

import (
	"testing"
	"time"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error { c.closed = true; return nil }

func TestAcquireReadyFromIdle(t *testing.T) {
	p := New(2, 0, 0, 0)
	conn := &fakeConn{}
	p.Release("a:11211", conn, true)

	outcome, got := p.Acquire("a:11211")
	if outcome != Ready || got != conn {
		t.Fatalf("expected Ready with the released conn, got %v/%v", outcome, got)
	}
	if p.AcquiredCount("a:11211") != 1 {
		t.Fatalf("expected acquired count 1, got %d", p.AcquiredCount("a:11211"))
	}
}

func TestAcquireConnectingBelowMax(t *testing.T) {
	p := New(2, 0, 0, 0)
	outcome, conn := p.Acquire("a:11211")
	if outcome != Connecting || conn != nil {
		t.Fatalf("expected Connecting with nil conn, got %v/%v", outcome, conn)
	}
}

func TestAcquireMaxReached(t *testing.T) {
	p := New(1, 0, 0, 0)
	if outcome, _ := p.Acquire("a:11211"); outcome != Connecting {
		t.Fatalf("expected first acquire to be Connecting, got %v", outcome)
	}
	outcome, _ := p.Acquire("a:11211")
	if outcome != MaxReached {
		t.Fatalf("expected second acquire to be MaxReached, got %v", outcome)
	}
}

func TestReleaseWakesOldestWaiter(t *testing.T) {
	p := New(1, 0, 0, 0)
	p.Acquire("a:11211") // Connecting, acquiredCount=1
	p.Enqueue("a:11211", "waiter-1")
	p.Enqueue("a:11211", "waiter-2")

	conn := &fakeConn{}
	woken := p.Release("a:11211", conn, true)
	if woken == nil || woken.Value != "waiter-1" {
		t.Fatalf("expected waiter-1 to be woken, got %+v", woken)
	}
	if p.WaiterCount("a:11211") != 1 {
		t.Fatalf("expected one remaining waiter, got %d", p.WaiterCount("a:11211"))
	}
}

func TestReleaseWithoutKeepClosesConn(t *testing.T) {
	p := New(1, 0, 0, 0)
	conn := &fakeConn{}
	p.Acquire("a:11211")
	p.Release("a:11211", conn, false)
	if !conn.closed {
		t.Fatal("expected conn to be closed when not kept")
	}
	if p.IdleCount("a:11211") != 0 {
		t.Fatal("expected no idle conns after a non-keeping release")
	}
}

func TestBlacklistPolicy(t *testing.T) {
	clock := time.Unix(1000, 0)
	p := New(1, 3, time.Second, 0)
	p.now = func() time.Time { return clock }

	// Four successive errors: error_count goes 1,2,3,4. Blacklist requires
	// error_count > connect_max_errors(3), so only the 4th+ trips it.
	for i := 0; i < 3; i++ {
		p.RecordError("a:11211", true)
	}
	if p.blacklisted(p.entry("a:11211")) {
		t.Fatal("expected not blacklisted after exactly connect_max_errors errors")
	}
	p.RecordError("a:11211", true)
	if !p.blacklisted(p.entry("a:11211")) {
		t.Fatal("expected blacklisted after exceeding connect_max_errors")
	}

	clock = clock.Add(2 * time.Second)
	if p.blacklisted(p.entry("a:11211")) {
		t.Fatal("expected blacklist to lift after connect_retry_interval elapses")
	}
}

func TestRecordErrorWakesWaitersWhenFullyIdle(t *testing.T) {
	p := New(1, 0, 0, 0)
	p.Acquire("a:11211")
	p.Enqueue("a:11211", "waiter-1")

	woken := p.RecordError("a:11211", true)
	if len(woken) != 1 || woken[0].Value != "waiter-1" {
		t.Fatalf("expected waiter-1 to be propagated an error, got %+v", woken)
	}
	if p.WaiterCount("a:11211") != 0 {
		t.Fatal("expected waiters cleared after error propagation")
	}
}

func TestRecordErrorResetsOnSuccess(t *testing.T) {
	p := New(1, 3, time.Second, 0)
	p.RecordError("a:11211", true)
	p.RecordError("a:11211", true)
	p.RecordError("a:11211", false)
	if p.entry("a:11211").errorCount != 0 {
		t.Fatalf("expected error count reset to 0, got %d", p.entry("a:11211").errorCount)
	}
}

func TestExpireWaiters(t *testing.T) {
	clock := time.Unix(2000, 0)
	p := New(1, 0, 0, 0)
	p.now = func() time.Time { return clock }

	p.Enqueue("a:11211", "old")
	clock = clock.Add(100 * time.Millisecond)
	p.Enqueue("a:11211", "new")

	clock = clock.Add(50 * time.Millisecond)
	expired := p.ExpireWaiters("a:11211", 50*time.Millisecond)
	if len(expired) != 1 || expired[0].Value != "old" {
		t.Fatalf("expected only the old waiter to expire, got %+v", expired)
	}
	if p.WaiterCount("a:11211") != 1 {
		t.Fatalf("expected one waiter remaining, got %d", p.WaiterCount("a:11211"))
	}
}
