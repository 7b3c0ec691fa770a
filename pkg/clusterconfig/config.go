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

// Package clusterconfig holds the proxy's view of the backend cluster: the
// server list, credentials, per-server behavior overrides, and (for the
// vbucket backend) the vbucket map, plus the parsing and persistence of
// that configuration surface.
package clusterconfig

import (
	"context"
	"fmt"
	"strings"
	"time"

	"moxi/pkg/hashroute"
)

// Server is one backend memcached server plus its optional SASL credentials.
// Ascii and Binary connections to the same host:port are distinct pool
// identities: identity must differ by protocol because SASL auth applies
// only to binary connections.
type Server struct {
	Host   string
	Port   int
	User   string
	Pass   string
	Weight int
	Ascii  bool
}

// HostIdentity returns the canonical pool key: host:port:user:pass:ascii?.
func (s Server) HostIdentity() string {
	return fmt.Sprintf("%s:%d:%s:%s:%t", s.Host, s.Port, s.User, s.Pass, s.Ascii)
}

// ScrubHostIdentity clips a host_identity string at the first colon past the
// user, so the password never reaches a log line or an upstream-facing
// SERVER_ERROR.
func ScrubHostIdentity(identity string) string {
	parts := strings.SplitN(identity, ":", 4)
	if len(parts) < 3 {
		return identity
	}
	return strings.Join(parts[:3], ":") + ":***"
}

// Behavior is the bag of tunables attached to a config. A zero Behavior
// means "unset"; Merge lets a more specific Behavior (per-server) override
// a less specific one (global default) field by field. Config.BehaviorFor
// resolves two levels, the cluster-wide Behavior and a per-server override;
// there is no per-bucket level.
type Behavior struct {
	DownstreamMax              int
	DownstreamConnMax          int
	ConnectTimeout             time.Duration
	AuthTimeout                time.Duration
	DownstreamTimeout          time.Duration
	DownstreamConnQueueTimeout time.Duration
	WaitQueueTimeout           time.Duration
	ConnectMaxErrors           int
	ConnectRetryInterval       time.Duration
	Cycle                      time.Duration

	// MultiGetSquash collapses concurrent get requests for the same key
	// from different upstream connections onto a single backend fetch.
	// Disabled whenever the active routing backend is VBucket, since
	// NOT_MY_VBUCKET handling needs per-key retry granularity. Defaults to
	// off until proven safe for a given deployment.
	MultiGetSquash bool
}

// DefaultBehavior returns conservative defaults for all tunables.
func DefaultBehavior() Behavior {
	return Behavior{
		DownstreamMax:              1024,
		DownstreamConnMax:          4,
		ConnectTimeout:             2 * time.Second,
		AuthTimeout:                2 * time.Second,
		DownstreamTimeout:          2500 * time.Millisecond,
		DownstreamConnQueueTimeout: 200 * time.Millisecond,
		WaitQueueTimeout:           2500 * time.Millisecond,
		ConnectMaxErrors:           3,
		ConnectRetryInterval:       1 * time.Second,
		Cycle:                      200 * time.Millisecond,
	}
}

// Merge returns a Behavior with every non-zero field of override applied on
// top of b. b is left unmodified.
func (b Behavior) Merge(override Behavior) Behavior {
	out := b
	if override.DownstreamMax != 0 {
		out.DownstreamMax = override.DownstreamMax
	}
	if override.DownstreamConnMax != 0 {
		out.DownstreamConnMax = override.DownstreamConnMax
	}
	if override.ConnectTimeout != 0 {
		out.ConnectTimeout = override.ConnectTimeout
	}
	if override.AuthTimeout != 0 {
		out.AuthTimeout = override.AuthTimeout
	}
	if override.DownstreamTimeout != 0 {
		out.DownstreamTimeout = override.DownstreamTimeout
	}
	if override.DownstreamConnQueueTimeout != 0 {
		out.DownstreamConnQueueTimeout = override.DownstreamConnQueueTimeout
	}
	if override.WaitQueueTimeout != 0 {
		out.WaitQueueTimeout = override.WaitQueueTimeout
	}
	if override.ConnectMaxErrors != 0 {
		out.ConnectMaxErrors = override.ConnectMaxErrors
	}
	if override.ConnectRetryInterval != 0 {
		out.ConnectRetryInterval = override.ConnectRetryInterval
	}
	if override.Cycle != 0 {
		out.Cycle = override.Cycle
	}
	if override.MultiGetSquash {
		out.MultiGetSquash = true
	}
	return out
}

// ClampDeadline rounds d up to the nearest multiple of the configured Cycle,
// so deadlines coalesce onto the same timer quantum instead of each firing
// individually.
func (b Behavior) ClampDeadline(d time.Duration) time.Duration {
	if b.Cycle <= 0 {
		return d
	}
	rem := d % b.Cycle
	if rem == 0 {
		return d
	}
	return d + (b.Cycle - rem)
}

// Config is the full, immutable cluster configuration: a version stamp, the
// routing backend and server list, the vbucket map when applicable, and
// behavior (global plus per-server overrides).
type Config struct {
	Version        int
	Backend        hashroute.Backend
	Servers        []Server
	VBucketCount   int
	VBucketMap     []hashroute.VBucketEntry
	Behavior       Behavior
	ServerBehavior map[string]Behavior
}

// RouterConfig projects Config down to the subset hashroute.Router needs.
func (c *Config) RouterConfig() hashroute.Config {
	servers := make([]hashroute.Server, len(c.Servers))
	for i, s := range c.Servers {
		servers[i] = hashroute.Server{HostIdentity: s.HostIdentity(), Weight: s.Weight}
	}
	return hashroute.Config{
		Backend:      c.Backend,
		Servers:      servers,
		VBucketCount: c.VBucketCount,
		VBucketMap:   c.VBucketMap,
	}
}

// BehaviorFor resolves the effective Behavior for one server identity,
// applying any per-server override on top of the cluster-wide default.
func (c *Config) BehaviorFor(hostIdentity string) Behavior {
	if ov, ok := c.ServerBehavior[hostIdentity]; ok {
		return c.Behavior.Merge(ov)
	}
	return c.Behavior
}

// SameServerList reports whether c and other have byte-identical server
// lists (same host identities, in the same order), the precondition for a
// stable update rather than a full reconfigure.
func (c *Config) SameServerList(other *Config) bool {
	if len(c.Servers) != len(other.Servers) {
		return false
	}
	for i := range c.Servers {
		if c.Servers[i].HostIdentity() != other.Servers[i].HostIdentity() {
			return false
		}
	}
	return true
}

// Source is the interface a REST/JSON config poller implements to hand the
// proxy a new Config. Moxi only consumes this interface.
type Source interface {
	Fetch(ctx context.Context) (*Config, error)
}
