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

// Package worker implements the per-worker scheduler: a single-threaded
// reactor that owns one downstream pool, one wait queue of paused upstreams,
// and a work-item channel that serializes everything else that touches this
// worker's state, so none of it needs a mutex.
package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"moxi/internal/dspool"
	"moxi/pkg/clusterconfig"
	"moxi/pkg/hashroute"
)

// PausedUpstream is one entry in the worker's wait queue: an upstream that
// asked for a Request while downstream_max was saturated.
type PausedUpstream struct {
	ID          string
	CmdStart    time.Time
	OnTimeout   func(id string)
}

// WorkItem is a unit of work run on the worker's single goroutine.
type WorkItem func(w *Worker)

// Worker is one per-worker scheduler: its own downstream pool, its own
// router handle, its own wait queue, and the channels that let other
// goroutines (upstream acceptors, the config poller) hand it work without
// touching its state directly.
type Worker struct {
	ID       int
	Pool     *dspool.Pool
	Router   *hashroute.Router
	Behavior clusterconfig.Behavior

	configVer atomic.Uint64

	waitQueue []PausedUpstream
	waitTimer *time.Timer

	workCh   chan WorkItem
	configCh chan *clusterconfig.Config

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped uint32

	now func() time.Time
}

// New creates a Worker. Start must be called before Submit/BroadcastConfig
// are serviced.
func New(id int, pool *dspool.Pool, router *hashroute.Router, behavior clusterconfig.Behavior) *Worker {
	return &Worker{
		ID:       id,
		Pool:     pool,
		Router:   router,
		Behavior: behavior,
		workCh:   make(chan WorkItem, 256),
		configCh: make(chan *clusterconfig.Config, 1),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// ConfigVer returns the worker's current config generation. A Request built
// against an older generation must never acquire a new downstream.
func (w *Worker) ConfigVer() uint64 { return w.configVer.Load() }

// Start launches the worker's single reactor goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
}

// Submit enqueues a work item to run on the worker's own goroutine.
func (w *Worker) Submit(item WorkItem) {
	w.workCh <- item
}

// BroadcastConfig hands the worker a new cluster config to apply on its own
// goroutine; cross-thread config updates travel over a channel, never by
// direct mutation of worker state.
func (w *Worker) BroadcastConfig(cfg *clusterconfig.Config) {
	w.configCh <- cfg
}

func (w *Worker) run() {
	for {
		select {
		case item := <-w.workCh:
			item(w)
		case cfg := <-w.configCh:
			w.applyConfig(cfg)
		case <-w.waitTimerChan():
			w.expireWaitQueue(w.now())
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) waitTimerChan() <-chan time.Time {
	if w.waitTimer == nil {
		return nil
	}
	return w.waitTimer.C
}

// applyConfig bumps the worker's config generation. Routing itself lives in
// Router, which is updated by the caller before broadcasting; this just
// stamps the generation so in-flight Requests built against the old
// generation refuse to acquire new downstreams.
func (w *Worker) applyConfig(cfg *clusterconfig.Config) {
	w.configVer.Store(uint64(cfg.Version))
}

// PauseUpstream adds id to the wait queue and arms the single wait-queue
// timer if this is the first waiter; the timer is re-armed iff the queue is
// non-empty.
func (w *Worker) PauseUpstream(id string, onTimeout func(id string)) {
	w.waitQueue = append(w.waitQueue, PausedUpstream{ID: id, CmdStart: w.now(), OnTimeout: onTimeout})
	if len(w.waitQueue) == 1 {
		w.armWaitTimer()
	}
}

func (w *Worker) armWaitTimer() {
	if w.Behavior.WaitQueueTimeout <= 0 {
		return
	}
	if w.waitTimer != nil {
		w.waitTimer.Stop()
	}
	w.waitTimer = time.NewTimer(w.Behavior.WaitQueueTimeout)
}

// expireWaitQueue dequeues and times out every waiter whose CmdStart is
// older than WaitQueueTimeout, then re-arms the timer iff the queue is still
// non-empty.
func (w *Worker) expireWaitQueue(now time.Time) []PausedUpstream {
	var expired []PausedUpstream
	kept := w.waitQueue[:0]
	for _, p := range w.waitQueue {
		if now.Sub(p.CmdStart) > w.Behavior.WaitQueueTimeout {
			expired = append(expired, p)
		} else {
			kept = append(kept, p)
		}
	}
	w.waitQueue = kept
	for _, p := range expired {
		if p.OnTimeout != nil {
			p.OnTimeout(p.ID)
		}
	}
	if len(w.waitQueue) > 0 {
		w.armWaitTimer()
	} else {
		w.waitTimer = nil
	}
	return expired
}

// WaitQueueLen reports the current wait queue depth.
func (w *Worker) WaitQueueLen() int { return len(w.waitQueue) }
