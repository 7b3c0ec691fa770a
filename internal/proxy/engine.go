// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy wires hashroute, dspool, upstream, downstream, proto and
// request together into the request forwarding engine: upstream socket
// readable -> parse -> route -> acquire a pooled downstream -> translate ->
// forward -> reply -> release.
package proxy

import (
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"moxi/internal/dspool"
	"moxi/internal/downstream"
	"moxi/internal/metrics"
	"moxi/internal/proto"
	"moxi/internal/request"
	"moxi/internal/upstream"
	"moxi/internal/worker"
	"moxi/pkg/clusterconfig"
	"moxi/pkg/hashroute"
)

// Dialer opens a new downstream connection for a server identity. The
// caller provides this so the engine never hard-codes net.Dial, which keeps
// it testable against in-memory pipes.
type Dialer func(server clusterconfig.Server) (*downstream.Conn, error)

// Engine is one worker's forwarding engine: its router, its pool, its
// dialer, and the behavior tunables that govern retries and timeouts.
// Pool is owned by Sched; every touch of Pool state runs on Sched's single
// goroutine (see withPool) so concurrent connections assigned to the same
// Engine never race on it.
type Engine struct {
	Router *hashroute.Router
	Pool   *dspool.Pool
	Config *clusterconfig.Config
	Dial   Dialer
	Worker *metrics.Worker
	Sched  *worker.Worker

	squash singleflight.Group
}

// New creates an Engine. Error propagation always renders as
// "SERVER_ERROR ...\r\n" with a scrubbed host identity. sched must already
// be started (sched.Start) and must own pool exclusively: the Engine never
// touches pool except through sched's work queue.
func New(router *hashroute.Router, pool *dspool.Pool, cfg *clusterconfig.Config, dial Dialer, w *metrics.Worker, sched *worker.Worker) *Engine {
	return &Engine{Router: router, Pool: pool, Config: cfg, Dial: dial, Worker: w, Sched: sched}
}

// withPool runs fn on the Engine's scheduling worker and waits for it to
// finish, so every dspool.Pool mutation happens on that worker's single
// goroutine regardless of which connection's goroutine called in.
func (e *Engine) withPool(fn func()) {
	done := make(chan struct{})
	e.Sched.Submit(func(*worker.Worker) {
		fn()
		close(done)
	})
	<-done
}

// HandleOne reads and services exactly one upstream command, writing its
// reply (unless NoReply) before returning. It is the engine's unit of work,
// meant to be called in a loop by the connection-accept goroutine.
func (e *Engine) HandleOne(conn *upstream.Conn) error {
	cmd, err := conn.ReadCommand()
	if err != nil {
		return err
	}

	if cmd.Unknown() {
		if cmd.Ascii != nil {
			_, werr := conn.Write([]byte("ERROR\r\n"))
			return werr
		}
	}

	if cmd.IsBroadcast() {
		return e.handleBroadcast(conn, cmd)
	}
	if cmd.IsMultiGet() {
		return e.handleMultiGet(conn, cmd)
	}
	return e.handleSingleKey(conn, cmd)
}

func (e *Engine) handleSingleKey(conn *upstream.Conn, cmd upstream.Command) error {
	key := cmd.Key()
	serverIdx, vbucket := e.Router.Route([]byte(key))
	server := e.Config.Servers[serverIdx]
	identity := server.HostIdentity()

	d, outcome, err := e.acquire(identity, server)
	switch outcome {
	case dspool.Blacklisted:
		return e.writeServerError(conn, identity, "proxy downstream closed")
	case dspool.MaxReached:
		// Waited the full downstream_conn_queue_timeout and still got no
		// slot; force the identity's bookkeeping back to a clean state so
		// the next request dials fresh rather than queuing behind the same
		// stuck slot.
		e.recordError(identity, true)
		return e.writeServerError(conn, identity, "proxy downstream timeout")
	}
	if err != nil {
		e.recordError(identity, true)
		if e.Worker != nil {
			e.Worker.DownstreamConnectFailed.Add(1)
		}
		return e.writeServerError(conn, identity, "proxy write to downstream")
	}
	defer e.release(identity, d, true)

	retries := 0
	maxRetries := 2 * len(e.Config.Servers)
	for {
		allowRetry := retries < maxRetries
		if err := e.forwardOnce(conn, cmd, d, vbucket, key, allowRetry); err != nil {
			if err == errRetryVBucket {
				retries++
				e.Router.MarkBadMaster(vbucket, serverIdx)
				serverIdx, vbucket = e.Router.Route([]byte(key))
				server = e.Config.Servers[serverIdx]
				continue
			}
			e.recordError(identity, true)
			return e.writeServerError(conn, identity, "proxy downstream error")
		}
		e.recordError(identity, false)
		return nil
	}
}

var errRetryVBucket = fmt.Errorf("proxy: NOT_MY_VBUCKET, retry")

// errSkipKey marks a multi-get key whose backend was unreachable (pool not
// Ready/Connecting); the key is simply omitted from the END-terminated
// response rather than failing the whole command.
var errSkipKey = fmt.Errorf("proxy: skip multi-get key, pool unavailable")

// forwardOnce translates and forwards cmd once. allowRetry gates whether a
// NOT_MY_VBUCKET response is reported back as errRetryVBucket (for the
// caller to re-route and retry) or, once the retry budget is exhausted,
// translated and forwarded to the upstream like any other response instead
// of being discarded.
func (e *Engine) forwardOnce(conn *upstream.Conn, cmd upstream.Command, d *downstream.Conn, vbucket int, key string, allowRetry bool) error {
	if d.Ascii && cmd.Ascii == nil {
		// Binary upstream against an ASCII downstream has no defined
		// translator (only a2a, a2b, b2b exist); reject rather than
		// silently mistranslate.
		_, err := conn.Write(proto.Header{Magic: proto.MagicResponse, Opcode: cmd.Binary.Header.Opcode, VBucketOrStatus: uint16(proto.StatusNotSupported)}.Bytes())
		return err
	}

	if d.Ascii {
		wire := proto.TranslateA2A(*cmd.Ascii)
		if err := d.WriteWire(wire); err != nil {
			return err
		}
		return e.relayAsciiReply(conn, cmd, d)
	}

	if cmd.Ascii != nil {
		enc, err := proto.TranslateA2B(*cmd.Ascii, vbucket, 0)
		if err != nil {
			if _, ok := err.(*proto.ClientError); ok {
				proto.WriteClientError(conn, err.(*proto.ClientError))
				return nil
			}
			return err
		}
		if err := d.WriteWire(enc.Wire); err != nil {
			return err
		}
		if enc.NoReply {
			return nil
		}
		resp, err := d.ReadBinaryResponse()
		if err != nil {
			return err
		}
		if allowRetry && resp.Header.Status() == proto.StatusVBucketBelongsToAnotherServer {
			return errRetryVBucket
		}
		return e.writeA2BReply(conn, cmd.Ascii.Name, key, resp)
	}

	// Binary upstream against a binary downstream: b2b passthrough.
	wire := proto.TranslateB2B(*cmd.Binary, vbucket)
	if err := d.WriteWire(wire); err != nil {
		return err
	}
	if cmd.Binary.Header.Opcode.IsQuiet() {
		return nil
	}
	resp, err := d.ReadBinaryResponse()
	if err != nil {
		return err
	}
	if allowRetry && resp.Header.Status() == proto.StatusVBucketBelongsToAnotherServer {
		return errRetryVBucket
	}
	_, err = conn.Write(resp.Header.Bytes())
	return err
}

func (e *Engine) relayAsciiReply(conn *upstream.Conn, cmd upstream.Command, d *downstream.Conn) error {
	if cmd.Ascii.Name == "get" || cmd.Ascii.Name == "gets" {
		values, err := d.ReadAsciiGetResponse()
		if err != nil {
			return err
		}
		for _, v := range values {
			line := fmt.Sprintf("VALUE %s %d %d", v.Key, v.Flags, v.Bytes)
			if v.HasCAS {
				line += fmt.Sprintf(" %d", v.CAS)
			}
			line += "\r\n"
			if _, err := conn.Write([]byte(line)); err != nil {
				return err
			}
			if _, err := conn.Write(v.Data); err != nil {
				return err
			}
			if _, err := conn.Write([]byte("\r\n")); err != nil {
				return err
			}
		}
		_, err = conn.Write([]byte("END\r\n"))
		return err
	}

	line, err := d.ReadAsciiLine()
	if err != nil {
		return err
	}
	if cmd.NoReply() {
		return nil
	}
	_, err = conn.Write([]byte(line + "\r\n"))
	return err
}

func (e *Engine) writeA2BReply(conn *upstream.Conn, verb, key string, resp proto.Packet) error {
	if verb == "get" || verb == "gets" {
		if resp.Header.Status() == proto.StatusKeyNotFound {
			_, err := conn.Write([]byte("END\r\n"))
			return err
		}
		line := proto.DecodeBinaryValue(key, resp, verb == "gets")
		if _, err := conn.Write([]byte(line)); err != nil {
			return err
		}
		if _, err := conn.Write(resp.Value); err != nil {
			return err
		}
		if _, err := conn.Write([]byte("\r\nEND\r\n")); err != nil {
			return err
		}
		return nil
	}

	out := proto.ASCIIError(resp.Header.Status(), verb == "add", verb == "replace")
	_, err := conn.Write([]byte(out))
	return err
}

func (e *Engine) handleMultiGet(conn *upstream.Conn, cmd upstream.Command) error {
	req := request.New(len(e.Config.Servers), uint64(e.Config.Version))
	merged := make(map[string]*downstream.AsciiValue)
	order := []string{}

	// MultiGetSquash additionally collapses the same key arriving on
	// concurrent, different upstream connections onto one backend fetch
	// (req.AddDedupe only collapses repeats within this one command's own
	// key list). Disabled under vbucket routing: NOT_MY_VBUCKET retry needs
	// per-key, per-requester granularity.
	squash := e.Config.Behavior.MultiGetSquash && e.Config.Backend != hashroute.BackendVBucket

	for _, key := range cmd.Ascii.Args {
		if req.AddDedupe(key, conn) {
			serverIdx, vbucket := e.Router.Route([]byte(key))
			server := e.Config.Servers[serverIdx]
			identity := server.HostIdentity()

			fetch := func() (interface{}, error) {
				d, outcome, err := e.acquire(identity, server)
				if outcome != dspool.Ready && outcome != dspool.Connecting {
					return nil, errSkipKey
				}
				if err != nil {
					e.recordError(identity, true)
					return nil, err
				}
				values, gerr := e.fetchOne(d, key, vbucket)
				e.release(identity, d, gerr == nil)
				return values, gerr
			}

			var result interface{}
			var gerr error
			if squash {
				result, gerr, _ = e.squash.Do(identity+"\x00"+key, fetch)
			} else {
				result, gerr = fetch()
			}
			if gerr != nil {
				continue
			}
			values, _ := result.([]downstream.AsciiValue)
			for _, v := range values {
				vv := v
				merged[v.Key] = &vv
				order = append(order, v.Key)
			}
		}
	}

	for _, key := range order {
		v := merged[key]
		line := fmt.Sprintf("VALUE %s %d %d\r\n", v.Key, v.Flags, v.Bytes)
		if _, err := conn.Write([]byte(line)); err != nil {
			return err
		}
		if _, err := conn.Write(v.Data); err != nil {
			return err
		}
		if _, err := conn.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	_, err := conn.Write([]byte("END\r\n"))
	return err
}

func (e *Engine) fetchOne(d *downstream.Conn, key string, vbucket int) ([]downstream.AsciiValue, error) {
	if d.Ascii {
		wire := []byte("get " + key + "\r\n")
		if err := d.WriteWire(wire); err != nil {
			return nil, err
		}
		return d.ReadAsciiGetResponse()
	}
	h := proto.Header{Magic: proto.MagicRequest, Opcode: proto.OpGet, VBucketOrStatus: uint16(vbucket)}
	wire := proto.Encode(h, nil, []byte(key), nil)
	if err := d.WriteWire(wire); err != nil {
		return nil, err
	}
	resp, err := d.ReadBinaryResponse()
	if err != nil {
		return nil, err
	}
	if resp.Header.Status() != proto.StatusSuccess {
		return nil, nil
	}
	return []downstream.AsciiValue{{Key: key, Bytes: len(resp.Value), Data: resp.Value}}, nil
}

func (e *Engine) handleBroadcast(conn *upstream.Conn, cmd upstream.Command) error {
	merger := request.NewStatsMerger()
	isStats := cmd.Ascii != nil && cmd.Ascii.Name == "stats"

	for _, server := range e.Config.Servers {
		identity := server.HostIdentity()
		d, outcome, err := e.acquire(identity, server)
		if outcome != dspool.Ready && outcome != dspool.Connecting {
			continue
		}
		if err != nil {
			e.recordError(identity, true)
			continue
		}
		if isStats && d.Ascii {
			if werr := d.WriteWire([]byte("stats\r\n")); werr == nil {
				if lines, serr := d.ReadAsciiStats(); serr == nil {
					for _, l := range lines {
						merger.Add(l.Name, l.Value)
					}
				}
			}
		}
		e.release(identity, d, true)
	}

	if isStats {
		for _, line := range merger.Flush() {
			if _, err := conn.Write([]byte(line)); err != nil {
				return err
			}
		}
		_, err := conn.Write([]byte("END\r\n"))
		return err
	}

	if cmd.NoReply() {
		return nil
	}
	switch {
	case cmd.Ascii != nil && cmd.Ascii.Name == "flush_all":
		_, err := conn.Write([]byte("OK\r\n"))
		return err
	case cmd.Ascii != nil && cmd.Ascii.Name == "version":
		_, err := conn.Write([]byte("VERSION moxi\r\n"))
		return err
	}
	return nil
}

// acquire gets a pooled downstream connection for identity, dialing fresh on
// Connecting and waiting on the identity's waiters FIFO (up to
// downstream_conn_queue_timeout) on MaxReached.
func (e *Engine) acquire(identity string, server clusterconfig.Server) (*downstream.Conn, dspool.Outcome, error) {
	var outcome dspool.Outcome
	var idle dspool.Conn
	e.withPool(func() {
		outcome, idle = e.Pool.Acquire(identity)
	})
	switch outcome {
	case dspool.Ready:
		return idle.(*downstream.Conn), outcome, nil
	case dspool.Connecting:
		d, err := e.Dial(server)
		return d, outcome, err
	case dspool.MaxReached:
		return e.waitForSlot(identity)
	default:
		return nil, outcome, nil
	}
}

// waitForSlot enqueues identity's waiters FIFO and blocks the calling
// connection's own goroutine (never Sched's) until a released connection is
// handed to it or downstream_conn_queue_timeout elapses.
func (e *Engine) waitForSlot(identity string) (*downstream.Conn, dspool.Outcome, error) {
	timeout := e.Config.BehaviorFor(identity).DownstreamConnQueueTimeout
	ch := make(chan *downstream.Conn, 1)
	e.withPool(func() {
		e.Pool.Enqueue(identity, ch)
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-ch:
		if conn == nil {
			return nil, dspool.MaxReached, nil
		}
		return conn, dspool.Ready, nil
	case <-timer.C:
		return e.expireWait(identity, ch, timeout)
	}
}

// expireWait drops every waiter on identity that has been queued at least
// timeout, waking each one (nil means "gave up, fail fast") rather than
// just the caller's own entry, since ExpireWaiters reaps the whole FIFO.
func (e *Engine) expireWait(identity string, ch chan *downstream.Conn, timeout time.Duration) (*downstream.Conn, dspool.Outcome, error) {
	e.withPool(func() {
		for _, w := range e.Pool.ExpireWaiters(identity, timeout) {
			if c, ok := w.Value.(chan *downstream.Conn); ok {
				select {
				case c <- nil:
				default:
				}
			}
		}
	})
	// A release may have handed us a connection in the race between the
	// timer firing and ExpireWaiters running; prefer it over failing.
	select {
	case conn := <-ch:
		if conn != nil {
			return conn, dspool.Ready, nil
		}
	default:
	}
	return nil, dspool.MaxReached, nil
}

// release returns conn to identity's pool, handing it directly to the
// oldest queued waiter (if any) instead of the idle stack.
func (e *Engine) release(identity string, conn *downstream.Conn, keep bool) {
	e.withPool(func() {
		woken := e.Pool.Release(identity, conn, keep)
		if woken == nil {
			return
		}
		if ch, ok := woken.Value.(chan *downstream.Conn); ok {
			ch <- conn
		}
	})
}

// recordError updates identity's error/backoff bookkeeping. When the
// identity goes fully idle with errors outstanding, every queued waiter is
// woken with failure rather than left to time out.
func (e *Engine) recordError(identity string, hadError bool) {
	e.withPool(func() {
		for _, w := range e.Pool.RecordError(identity, hadError) {
			if ch, ok := w.Value.(chan *downstream.Conn); ok {
				select {
				case ch <- nil:
				default:
				}
			}
		}
	})
}

func (e *Engine) writeServerError(conn *upstream.Conn, identity, reason string) error {
	scrubbed := clusterconfig.ScrubHostIdentity(identity)
	_, err := conn.Write([]byte(fmt.Sprintf("SERVER_ERROR %s %s\r\n", reason, scrubbed)))
	return err
}
