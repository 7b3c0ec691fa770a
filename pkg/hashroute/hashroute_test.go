package hashroute

import (
	"hash/crc32"
	"testing"
)

func ketamaConfig() Config {
	return Config{
		Backend: BackendKetama,
		Servers: []Server{
			{HostIdentity: "a:11211::ascii", Weight: 1},
			{HostIdentity: "b:11211::ascii", Weight: 1},
		},
	}
}

func TestRouteKetamaIsDeterministic(t *testing.T) {
	r, err := New(ketamaConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx1, vb1 := r.Route([]byte("foo"))
	idx2, vb2 := r.Route([]byte("foo"))
	if idx1 != idx2 || vb1 != vb2 {
		t.Fatalf("routing is not deterministic: (%d,%d) vs (%d,%d)", idx1, vb1, idx2, vb2)
	}
	if vb1 != -1 {
		t.Fatalf("ketama backend must report vbucket -1, got %d", vb1)
	}
	if idx1 < 0 || idx1 >= len(r.cfg.Servers) {
		t.Fatalf("server index %d out of range", idx1)
	}
}

func TestRouteKetamaSpreadsKeysAcrossServers(t *testing.T) {
	r, err := New(ketamaConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		idx, _ := r.Route([]byte{byte(i), byte(i >> 8)})
		seen[idx] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected keys to spread across both servers, only hit %v", seen)
	}
}

func vbucketConfig() Config {
	return Config{
		Backend:      BackendVBucket,
		Servers:      []Server{{HostIdentity: "a:11211"}, {HostIdentity: "b:11211"}},
		VBucketCount: 8,
		VBucketMap: []VBucketEntry{
			{Master: 0, Replicas: []int{1}},
			{Master: 1, Replicas: []int{0}},
			{Master: 0, Replicas: []int{1}},
			{Master: 1, Replicas: []int{0}},
			{Master: 0, Replicas: []int{1}},
			{Master: 1, Replicas: []int{0}},
			{Master: 0, Replicas: []int{1}},
			{Master: 1, Replicas: []int{0}},
		},
	}
}

func TestValidateRejectsNonPowerOfTwo(t *testing.T) {
	cfg := vbucketConfig()
	cfg.VBucketCount = 7
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-power-of-two vbucket count")
	}
}

func TestValidateRejectsOutOfRangeIndex(t *testing.T) {
	cfg := vbucketConfig()
	cfg.VBucketMap[0].Master = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range master index")
	}
}

func TestRouteVBucketMatchesFormula(t *testing.T) {
	r, err := New(vbucketConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"foo", "bar", "baz", "quux"} {
		idx, vb := r.Route([]byte(key))
		if wantVB := int(crc32.ChecksumIEEE([]byte(key))) & (8 - 1); vb != wantVB {
			t.Fatalf("key %q: vbucket %d, want crc32(key)&7 = %d", key, vb, wantVB)
		}
		want := r.cfg.VBucketMap[vb].Master
		if idx != want {
			t.Fatalf("key %q: Route returned server %d for vbucket %d, map says master %d", key, idx, vb, want)
		}
		if vb < 0 || vb >= 8 {
			t.Fatalf("key %q: vbucket %d out of range", key, vb)
		}
	}
}

func TestMarkBadMasterAdvancesToReplica(t *testing.T) {
	r, err := New(vbucketConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.MarkBadMaster(0, 0)
	if r.cfg.VBucketMap[0].Master != 1 {
		t.Fatalf("expected vbucket 0 master to advance to 1, got %d", r.cfg.VBucketMap[0].Master)
	}
	if len(r.cfg.VBucketMap[0].Replicas) != 0 {
		t.Fatalf("expected replica list to be drained, got %v", r.cfg.VBucketMap[0].Replicas)
	}
}

func TestMarkBadMasterIsANoOpWhenAlreadyAdvanced(t *testing.T) {
	r, err := New(vbucketConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.MarkBadMaster(0, 0) // advances 0 -> 1
	r.MarkBadMaster(0, 0) // stale oldMaster, must not advance again
	if r.cfg.VBucketMap[0].Master != 1 {
		t.Fatalf("expected master to stay at 1, got %d", r.cfg.VBucketMap[0].Master)
	}
}

func TestMarkBadMasterNoOpForKetama(t *testing.T) {
	r, err := New(ketamaConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.MarkBadMaster(0, 0) // must not panic; ketama has no vbucket map
}

func TestStableUpdateSwapsMapWhenServersUnchanged(t *testing.T) {
	r, err := New(vbucketConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	next := vbucketConfig()
	next.VBucketMap[0].Master = 1
	next.VBucketMap[0].Replicas = []int{0}
	if !r.StableUpdate(next) {
		t.Fatal("expected stable update to succeed when server list is unchanged")
	}
	if r.cfg.VBucketMap[0].Master != 1 {
		t.Fatalf("expected map to be swapped in, got master %d", r.cfg.VBucketMap[0].Master)
	}
}

func TestStableUpdateFailsWhenServerListChanges(t *testing.T) {
	r, err := New(vbucketConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	next := vbucketConfig()
	next.Servers = append(next.Servers, Server{HostIdentity: "c:11211"})
	if r.StableUpdate(next) {
		t.Fatal("expected stable update to fail when server list changes")
	}
}
