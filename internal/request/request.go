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

// Package request implements the Request object: the lifecycle state
// machine threading one client command through backend fan-out, the
// multi-get dedupe map, the stats merger, and the retry budget. A Request
// owns its downstream connection handles directly (by pool identity, not by
// a back-pointer to the owning worker) so release is a local move rather
// than a traversal of shared, cyclic state.
package request

import (
	"time"
)

// State is a Request's position in the Pending -> Assigned -> Forwarding ->
// AwaitReply -> (Retry | Complete) lifecycle.
type State int

const (
	Pending State = iota
	Assigned
	Forwarding
	AwaitReply
	Retry
	Complete
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Assigned:
		return "assigned"
	case Forwarding:
		return "forwarding"
	case AwaitReply:
		return "await_reply"
	case Retry:
		return "retry"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// SlotState is a single position in a Request's downstream-connection
// vector, an owned, indexed slot rather than a raw back-pointer pair.
type SlotState int

const (
	SlotNone SlotState = iota
	SlotPendingConnect
	SlotLive
)

// Slot is one entry in a Request's fixed-length downstream vector.
type Slot struct {
	State SlotState
	Conn  interface{} // a *downstream.Conn once reserved; opaque here to avoid an import cycle
}

// DedupeEntry records which upstreams are waiting on the same multi-get key:
// the upstream that triggered the fetch plus every upstream chained onto it.
type DedupeEntry struct {
	First interface{}   // the upstream connection that owns the fetch
	Next  []interface{}  // upstreams piggybacking on the same fetch
}

// Request is one in-flight client command.
type Request struct {
	State State

	Upstreams []interface{} // chained upstream connections (multi-get squashing)
	Slots     []Slot        // indexed by server position

	RetryCount int
	MaxRetries int // 2 * len(servers)

	Deadline time.Time

	DedupeMap map[string]*DedupeEntry

	Merger *StatsMerger

	UpstreamSuffix []byte

	ConfigVer uint64
}

// New creates a Request sized for numServers backends, with a retry budget
// of 2 * numServers.
func New(numServers int, configVer uint64) *Request {
	return &Request{
		State:      Pending,
		Slots:      make([]Slot, numServers),
		MaxRetries: 2 * numServers,
		DedupeMap:  make(map[string]*DedupeEntry),
		ConfigVer:  configVer,
	}
}

// CanRetry reports whether another retry is within budget.
func (r *Request) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// BeginRetry increments the retry counter and transitions to Retry so the
// caller re-runs forwarding against a newly routed server.
func (r *Request) BeginRetry() {
	r.RetryCount++
	r.State = Retry
}

// ReserveSlot marks position idx as pending-connect or live.
func (r *Request) ReserveSlot(idx int, state SlotState, conn interface{}) {
	r.Slots[idx] = Slot{State: state, Conn: conn}
}

// ReleaseSlot clears position idx, returning whatever connection was there
// so the caller can hand it back to the pool.
func (r *Request) ReleaseSlot(idx int) interface{} {
	conn := r.Slots[idx].Conn
	r.Slots[idx] = Slot{}
	return conn
}

// AddDedupe records a multi-get key against the upstream asking for it: the
// first upstream to ask for key owns the fetch; later upstreams for the
// same key are chained onto Next and receive the same response.
func (r *Request) AddDedupe(key string, upstream interface{}) (isFirst bool) {
	entry, ok := r.DedupeMap[key]
	if !ok {
		r.DedupeMap[key] = &DedupeEntry{First: upstream}
		return true
	}
	entry.Next = append(entry.Next, upstream)
	return false
}

// DropDedupe removes key's entry, used when a multi-get key hits
// NOT_MY_VBUCKET and must be refetched in isolation.
func (r *Request) DropDedupe(key string) {
	delete(r.DedupeMap, key)
}

// ClampedDeadline is the minimum of every candidate deadline duration,
// rounded up to the cycle quantum by the caller (clusterconfig.Behavior.
// ClampDeadline); candidates is at least one duration (the pool default).
func ClampedDeadline(candidates ...time.Duration) time.Duration {
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	return min
}
