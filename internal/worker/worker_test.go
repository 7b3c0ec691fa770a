package worker

import (
	"testing"
	"time"

	"moxi/pkg/clusterconfig"
)

func newTestWorker(timeout time.Duration) (*Worker, *time.Time) {
	clock := time.Unix(0, 0)
	w := New(0, nil, nil, clusterconfig.Behavior{WaitQueueTimeout: timeout})
	w.now = func() time.Time { return clock }
	return w, &clock
}

func TestPauseUpstreamArmsTimerOnFirstWaiter(t *testing.T) {
	w, _ := newTestWorker(50 * time.Millisecond)
	w.PauseUpstream("up-1", nil)
	if w.waitTimer == nil {
		t.Fatal("expected wait timer to be armed on first waiter")
	}
	if w.WaitQueueLen() != 1 {
		t.Fatalf("expected queue length 1, got %d", w.WaitQueueLen())
	}
}

func TestExpireWaitQueueTimesOutStaleWaiters(t *testing.T) {
	w, clock := newTestWorker(50 * time.Millisecond)

	var timedOut []string
	w.PauseUpstream("old", func(id string) { timedOut = append(timedOut, id) })
	*clock = clock.Add(10 * time.Millisecond)
	w.PauseUpstream("new", func(id string) { timedOut = append(timedOut, id) })

	*clock = clock.Add(45 * time.Millisecond) // old is 55ms stale, new is 45ms stale
	expired := w.expireWaitQueue(*clock)

	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("expected only 'old' to expire, got %+v", expired)
	}
	if len(timedOut) != 1 || timedOut[0] != "old" {
		t.Fatalf("expected OnTimeout called for 'old', got %v", timedOut)
	}
	if w.WaitQueueLen() != 1 {
		t.Fatalf("expected 'new' to remain queued, got len %d", w.WaitQueueLen())
	}
}

func TestExpireWaitQueueClearsTimerWhenEmpty(t *testing.T) {
	w, clock := newTestWorker(10 * time.Millisecond)
	w.PauseUpstream("only", nil)
	*clock = clock.Add(20 * time.Millisecond)
	w.expireWaitQueue(*clock)
	if w.waitTimer != nil {
		t.Fatal("expected wait timer cleared once queue is empty")
	}
}

func TestApplyConfigBumpsGeneration(t *testing.T) {
	w, _ := newTestWorker(0)
	if w.ConfigVer() != 0 {
		t.Fatalf("expected initial config ver 0, got %d", w.ConfigVer())
	}
	w.applyConfig(&clusterconfig.Config{Version: 3})
	if w.ConfigVer() != 3 {
		t.Fatalf("expected config ver 3, got %d", w.ConfigVer())
	}
}
