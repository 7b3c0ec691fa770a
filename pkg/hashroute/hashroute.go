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

// Package hashroute answers one question for the proxy: given a key, which
// backend server should carry it? Two backends are supported: a weighted
// consistent hash ("ketama" in the wire protocol's own vocabulary, realized
// here with rendezvous/HRW hashing — see DESIGN.md for why) and a vbucket
// map indexed by crc32(key).
package hashroute

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// Backend selects which routing algorithm a Router uses.
type Backend int

const (
	BackendKetama Backend = iota
	BackendVBucket
)

func (b Backend) String() string {
	switch b {
	case BackendKetama:
		return "ketama"
	case BackendVBucket:
		return "vbucket"
	default:
		return "unknown"
	}
}

// Server is one routable backend identity. Weight only matters to the
// ketama backend; the vbucket backend ignores it (placement comes entirely
// from the vbucket map).
type Server struct {
	HostIdentity string
	Weight       int
}

// VBucketEntry is one row of the vbucket map: the current master index plus
// zero or more replica indices to fall back to on NOT_MY_VBUCKET.
type VBucketEntry struct {
	Master   int
	Replicas []int
}

// Config is the immutable routing input: backend choice, server list, and
// (for the vbucket backend) the vbucket map.
type Config struct {
	Backend      Backend
	Servers      []Server
	VBucketCount int
	VBucketMap   []VBucketEntry
}

// Validate checks that vbucket count is a power of two, and every index in
// the map is within range of Servers.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("hashroute: config has no servers")
	}
	if c.Backend != BackendVBucket {
		return nil
	}
	if c.VBucketCount == 0 || c.VBucketCount&(c.VBucketCount-1) != 0 {
		return fmt.Errorf("hashroute: vbucket_count %d is not a power of two", c.VBucketCount)
	}
	if len(c.VBucketMap) != c.VBucketCount {
		return fmt.Errorf("hashroute: vbucket_map has %d entries, want %d", len(c.VBucketMap), c.VBucketCount)
	}
	for vb, e := range c.VBucketMap {
		if e.Master < 0 || e.Master >= len(c.Servers) {
			return fmt.Errorf("hashroute: vbucket %d master index %d out of range", vb, e.Master)
		}
		for _, r := range e.Replicas {
			if r < 0 || r >= len(c.Servers) {
				return fmt.Errorf("hashroute: vbucket %d replica index %d out of range", vb, r)
			}
		}
	}
	return nil
}

// Router routes keys for one cluster config. It is safe for concurrent use;
// MarkBadMaster and StableUpdate take a write lock, Route takes a read lock.
type Router struct {
	mu     sync.RWMutex
	cfg    Config
	rv     *rendezvous.Rendezvous
	byName map[string]int
}

// New builds a Router from cfg. The vbucket backend requires cfg to already
// satisfy Validate; the ketama backend has no such requirement beyond a
// non-empty server list.
func New(cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{cfg: cfg}
	if cfg.Backend == BackendKetama {
		r.buildRing()
	}
	return r, nil
}

// buildRing expands each server into Weight virtual rendezvous nodes. This
// gives the same "more points on the ring for heavier servers" behavior as
// ketama's continuum without requiring ketama's MD5-point-table machinery.
func (r *Router) buildRing() {
	names := make([]string, 0, len(r.cfg.Servers))
	byName := make(map[string]int, len(r.cfg.Servers))
	for i, s := range r.cfg.Servers {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		for k := 0; k < w; k++ {
			name := fmt.Sprintf("%s#%d", s.HostIdentity, k)
			names = append(names, name)
			byName[name] = i
		}
	}
	r.byName = byName
	r.rv = rendezvous.New(names, xxhash.Sum64String)
}

// Route returns (server index, vbucket id) for key. The ketama backend
// always reports vbucket -1.
func (r *Router) Route(key []byte) (serverIndex, vbucket int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch r.cfg.Backend {
	case BackendKetama:
		node := r.rv.Lookup(string(key))
		return r.byName[node], -1
	case BackendVBucket:
		vb := int(crc32.ChecksumIEEE(key)) & (r.cfg.VBucketCount - 1)
		return r.cfg.VBucketMap[vb].Master, vb
	default:
		return -1, -1
	}
}

// MarkBadMaster advances vbucket's master pointer to the next replica after
// a NOT_MY_VBUCKET response from oldMaster. A no-op for the ketama backend,
// for a vbucket with no replicas left, or if another retry already advanced
// the pointer past oldMaster.
func (r *Router) MarkBadMaster(vbucket, oldMaster int) {
	if r.cfg.Backend != BackendVBucket {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vbucket < 0 || vbucket >= len(r.cfg.VBucketMap) {
		return
	}
	e := &r.cfg.VBucketMap[vbucket]
	if e.Master != oldMaster || len(e.Replicas) == 0 {
		return
	}
	e.Master, e.Replicas = e.Replicas[0], e.Replicas[1:]
}

// StableUpdate swaps in cfg's vbucket map in place if the server list is
// byte-for-byte identical to the current one, returning true. A false
// return means the server list changed and the caller must build a fresh
// Router instead (a full reconfigure).
func (r *Router) StableUpdate(cfg Config) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !sameServers(r.cfg.Servers, cfg.Servers) {
		return false
	}
	if err := cfg.Validate(); err != nil {
		return false
	}
	r.cfg.VBucketMap = cfg.VBucketMap
	r.cfg.VBucketCount = cfg.VBucketCount
	return true
}

// Servers returns a copy of the current server list.
func (r *Router) Servers() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, len(r.cfg.Servers))
	copy(out, r.cfg.Servers)
	return out
}

func sameServers(a, b []Server) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].HostIdentity != b[i].HostIdentity || a[i].Weight != b[i].Weight {
			return false
		}
	}
	return true
}
