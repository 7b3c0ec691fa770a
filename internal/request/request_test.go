package request

import "testing"

func TestNewSetsRetryBudget(t *testing.T) {
	r := New(3, 7)
	if r.MaxRetries != 6 {
		t.Fatalf("expected max retries 2*3=6, got %d", r.MaxRetries)
	}
	if r.State != Pending {
		t.Fatalf("expected initial state Pending, got %v", r.State)
	}
	if len(r.Slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(r.Slots))
	}
	if r.ConfigVer != 7 {
		t.Fatalf("expected config ver 7, got %d", r.ConfigVer)
	}
}

func TestCanRetryAndBeginRetry(t *testing.T) {
	r := New(1, 0)
	if r.MaxRetries != 2 {
		t.Fatalf("expected max retries 2, got %d", r.MaxRetries)
	}
	for i := 0; i < 2; i++ {
		if !r.CanRetry() {
			t.Fatalf("expected retry %d to be within budget", i)
		}
		r.BeginRetry()
	}
	if r.CanRetry() {
		t.Fatal("expected retry budget to be exhausted")
	}
	if r.State != Retry {
		t.Fatalf("expected state Retry, got %v", r.State)
	}
}

func TestReserveAndReleaseSlot(t *testing.T) {
	r := New(2, 0)
	r.ReserveSlot(0, SlotLive, "conn-a")
	if r.Slots[0].State != SlotLive || r.Slots[0].Conn != "conn-a" {
		t.Fatalf("unexpected slot state: %+v", r.Slots[0])
	}
	got := r.ReleaseSlot(0)
	if got != "conn-a" {
		t.Fatalf("expected released conn-a, got %v", got)
	}
	if r.Slots[0].State != SlotNone {
		t.Fatalf("expected slot cleared, got %+v", r.Slots[0])
	}
}

func TestAddDedupeFirstThenChained(t *testing.T) {
	r := New(1, 0)
	if first := r.AddDedupe("foo", "up-a"); !first {
		t.Fatal("expected the first caller for a key to be reported as first")
	}
	if first := r.AddDedupe("foo", "up-b"); first {
		t.Fatal("expected the second caller for the same key to not be first")
	}
	entry := r.DedupeMap["foo"]
	if entry.First != "up-a" || len(entry.Next) != 1 || entry.Next[0] != "up-b" {
		t.Fatalf("unexpected dedupe entry: %+v", entry)
	}
}

func TestDropDedupe(t *testing.T) {
	r := New(1, 0)
	r.AddDedupe("foo", "up-a")
	r.DropDedupe("foo")
	if _, ok := r.DedupeMap["foo"]; ok {
		t.Fatal("expected dedupe entry to be removed")
	}
}

func TestClampedDeadlinePicksMinimum(t *testing.T) {
	got := ClampedDeadline(500, 200, 900)
	if got != 200 {
		t.Fatalf("expected minimum of candidates, got %v", got)
	}
}
