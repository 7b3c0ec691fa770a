package proxy

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"moxi/internal/dspool"
	"moxi/internal/downstream"
	"moxi/internal/upstream"
	"moxi/internal/worker"
	"moxi/pkg/clusterconfig"
	"moxi/pkg/hashroute"
)

func startedSched(pool *dspool.Pool, router *hashroute.Router, behavior clusterconfig.Behavior) *worker.Worker {
	sched := worker.New(0, pool, router, behavior)
	sched.Start()
	return sched
}

type fakeRWC struct {
	bytes.Buffer
}

func (f *fakeRWC) Close() error { return nil }

func newUpstreamWithInput(input string) (*upstream.Conn, *fakeRWC) {
	rwc := &fakeRWC{}
	rwc.WriteString(input)
	return upstream.New("u1", rwc, upstream.ProtoAscii), rwc
}

func singleServerConfig(ascii bool) *clusterconfig.Config {
	return &clusterconfig.Config{
		Version: 1,
		Backend: hashroute.BackendKetama,
		Servers: []clusterconfig.Server{{Host: "a", Port: 11211, Ascii: ascii, Weight: 1}},
		Behavior: clusterconfig.DefaultBehavior(),
	}
}

func TestEngineSingleBackendAsciiGetMiss(t *testing.T) {
	cfg := singleServerConfig(true)
	router, err := hashroute.New(cfg.RouterConfig())
	if err != nil {
		t.Fatalf("hashroute.New: %v", err)
	}
	pool := dspool.New(4, 0, 0, 0)

	var downstreamWire *fakeRWC
	dial := func(server clusterconfig.Server) (*downstream.Conn, error) {
		downstreamWire = &fakeRWC{}
		downstreamWire.WriteString("END\r\n")
		return downstream.New(server.HostIdentity(), downstreamWire, true), nil
	}

	sched := startedSched(pool, router, cfg.Behavior)
	defer sched.Stop()
	engine := New(router, pool, cfg, dial, nil, sched)
	upConn, upRWC := newUpstreamWithInput("get absent\r\n")

	if err := engine.HandleOne(upConn); err != nil {
		t.Fatalf("HandleOne: %v", err)
	}
	if upRWC.String() != "END\r\n" {
		t.Fatalf("expected upstream to receive END\\r\\n, got %q", upRWC.String())
	}
	if downstreamWire == nil {
		t.Fatal("expected a downstream dial")
	}
}

func TestEngineTwoBackendRouting(t *testing.T) {
	cfg := &clusterconfig.Config{
		Version: 1,
		Backend: hashroute.BackendKetama,
		Servers: []clusterconfig.Server{
			{Host: "a", Port: 11211, Ascii: true, Weight: 1},
			{Host: "b", Port: 11211, Ascii: true, Weight: 1},
		},
		Behavior: clusterconfig.DefaultBehavior(),
	}
	router, err := hashroute.New(cfg.RouterConfig())
	if err != nil {
		t.Fatalf("hashroute.New: %v", err)
	}
	pool := dspool.New(4, 0, 0, 0)

	dialed := map[string]bool{}
	dial := func(server clusterconfig.Server) (*downstream.Conn, error) {
		dialed[server.HostIdentity()] = true
		rwc := &fakeRWC{}
		rwc.WriteString("END\r\n")
		return downstream.New(server.HostIdentity(), rwc, true), nil
	}

	sched := startedSched(pool, router, cfg.Behavior)
	defer sched.Stop()
	engine := New(router, pool, cfg, dial, nil, sched)
	upConn, _ := newUpstreamWithInput("get somekey\r\n")
	if err := engine.HandleOne(upConn); err != nil {
		t.Fatalf("HandleOne: %v", err)
	}
	if len(dialed) != 1 {
		t.Fatalf("expected routing to exactly one backend, dialed %v", dialed)
	}
}

func TestEngineBlacklistedServerFailsFast(t *testing.T) {
	cfg := singleServerConfig(true)
	router, _ := hashroute.New(cfg.RouterConfig())
	pool := dspool.New(1, 3, time.Second, 0)

	identity := cfg.Servers[0].HostIdentity()
	for i := 0; i < 4; i++ {
		pool.RecordError(identity, true)
	}

	dial := func(server clusterconfig.Server) (*downstream.Conn, error) {
		t.Fatal("dial should not be called while blacklisted")
		return nil, nil
	}
	sched := startedSched(pool, router, cfg.Behavior)
	defer sched.Stop()
	engine := New(router, pool, cfg, dial, nil, sched)
	upConn, upRWC := newUpstreamWithInput("get k\r\n")
	if err := engine.HandleOne(upConn); err != nil {
		t.Fatalf("HandleOne: %v", err)
	}
	if !bytes.Contains(upRWC.Bytes(), []byte("SERVER_ERROR")) {
		t.Fatalf("expected SERVER_ERROR while blacklisted, got %q", upRWC.String())
	}
}

// TestEngineMaxReachedQueuesThenTimesOut covers the second-requester-waits
// path: downstream_conn_max is saturated by one long-held connection, a
// second request on the same identity queues instead of failing fast, and
// once downstream_conn_queue_timeout elapses it gets SERVER_ERROR with the
// identity's bookkeeping forced back to a clean state.
func TestEngineMaxReachedQueuesThenTimesOut(t *testing.T) {
	behavior := clusterconfig.DefaultBehavior()
	behavior.DownstreamConnMax = 1
	behavior.DownstreamConnQueueTimeout = 20 * time.Millisecond
	cfg := &clusterconfig.Config{
		Version:  1,
		Backend:  hashroute.BackendKetama,
		Servers:  []clusterconfig.Server{{Host: "a", Port: 11211, Ascii: true, Weight: 1}},
		Behavior: behavior,
	}
	router, err := hashroute.New(cfg.RouterConfig())
	if err != nil {
		t.Fatalf("hashroute.New: %v", err)
	}
	pool := dspool.New(behavior.DownstreamConnMax, 0, 0, 0)
	sched := startedSched(pool, router, behavior)
	defer sched.Stop()

	// far is drained but never answers, so the first request's downstream
	// read blocks forever, holding the identity's only slot.
	near, far := net.Pipe()
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := far.Read(buf); err != nil {
				return
			}
		}
	}()
	dial := func(server clusterconfig.Server) (*downstream.Conn, error) {
		return downstream.New(server.HostIdentity(), near, true), nil
	}
	engine := New(router, pool, cfg, dial, nil, sched)

	firstUp, _ := newUpstreamWithInput("get k1\r\n")
	firstDone := make(chan error, 1)
	go func() { firstDone <- engine.HandleOne(firstUp) }()

	// Let the first request acquire its slot (Connecting -> dial) before
	// the second one is dispatched, so the second deterministically
	// observes MaxReached instead of racing it for the same slot.
	time.Sleep(10 * time.Millisecond)

	secondUp, secondRWC := newUpstreamWithInput("get k2\r\n")
	if err := engine.HandleOne(secondUp); err != nil {
		t.Fatalf("HandleOne (second): %v", err)
	}
	if !bytes.Contains(secondRWC.Bytes(), []byte("SERVER_ERROR proxy downstream timeout")) {
		t.Fatalf("expected queue timeout SERVER_ERROR, got %q", secondRWC.String())
	}

	identity := cfg.Servers[0].HostIdentity()
	if n := pool.WaiterCount(identity); n != 0 {
		t.Fatalf("expected the expired waiter to be dequeued, got %d still queued", n)
	}

	near.Close()
	select {
	case <-firstDone:
	case <-time.After(time.Second):
		t.Fatal("first request's goroutine never returned after its connection closed")
	}
}

// TestEngineMultiGetSquashCollapsesAcrossConnections covers cross-upstream
// squashing: two different upstream connections ask for the same key in
// concurrent multi-gets, and with MultiGetSquash on, the backend sees that
// key fetched at most once.
func TestEngineMultiGetSquashCollapsesAcrossConnections(t *testing.T) {
	behavior := clusterconfig.DefaultBehavior()
	behavior.MultiGetSquash = true
	cfg := &clusterconfig.Config{
		Version:  1,
		Backend:  hashroute.BackendKetama,
		Servers:  []clusterconfig.Server{{Host: "a", Port: 11211, Ascii: true, Weight: 1}},
		Behavior: behavior,
	}
	router, err := hashroute.New(cfg.RouterConfig())
	if err != nil {
		t.Fatalf("hashroute.New: %v", err)
	}
	pool := dspool.New(4, 0, 0, 0)
	sched := startedSched(pool, router, behavior)
	defer sched.Stop()

	var sharedFetches int32
	requestSeen := make(chan struct{}, 1)
	proceed := make(chan struct{})

	dial := func(server clusterconfig.Server) (*downstream.Conn, error) {
		near, far := net.Pipe()
		go func() {
			br := bufio.NewReader(far)
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return
				}
				switch strings.TrimSpace(line) {
				case "get shared":
					if atomic.AddInt32(&sharedFetches, 1) == 1 {
						select {
						case requestSeen <- struct{}{}:
						default:
						}
						<-proceed
					}
					far.Write([]byte("VALUE shared 0 5\r\nhello\r\nEND\r\n"))
				default:
					far.Write([]byte("END\r\n"))
				}
			}
		}()
		return downstream.New(server.HostIdentity(), near, true), nil
	}
	engine := New(router, pool, cfg, dial, nil, sched)

	firstUp, firstRWC := newUpstreamWithInput("get shared pad\r\n")
	firstDone := make(chan error, 1)
	go func() { firstDone <- engine.HandleOne(firstUp) }()

	<-requestSeen // the first fetch is in flight, blocked on proceed

	secondUp, secondRWC := newUpstreamWithInput("get shared pad\r\n")
	secondDone := make(chan error, 1)
	go func() {
		// Give the second call time to join the in-flight squash.Do
		// before the first one is allowed to complete.
		time.Sleep(10 * time.Millisecond)
		secondDone <- engine.HandleOne(secondUp)
	}()

	time.Sleep(20 * time.Millisecond)
	close(proceed)

	if err := <-firstDone; err != nil {
		t.Fatalf("HandleOne (first): %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("HandleOne (second): %v", err)
	}

	if got := atomic.LoadInt32(&sharedFetches); got != 1 {
		t.Fatalf("expected squash to collapse both upstreams onto one backend fetch, got %d", got)
	}
	for _, rwc := range []*fakeRWC{firstRWC, secondRWC} {
		if !bytes.Contains(rwc.Bytes(), []byte("VALUE shared 0 5")) {
			t.Fatalf("expected upstream to see the squashed value, got %q", rwc.String())
		}
	}
}
