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

package clusterconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"moxi/pkg/hashroute"
)

// ParseKetamaServers parses a libmemcached-style server list,
// "host:port[:weight],host2:port2[:weight2],...", into a ketama-backed
// Config. Every server speaks ascii or binary as the ascii argument says and
// carries no credentials; SASL is binary-only and configured separately when
// a bucket needs it.
func ParseKetamaServers(spec string, behavior Behavior, ascii bool) (*Config, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("clusterconfig: empty server list")
	}
	var servers []Server
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		parts := strings.Split(tok, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("clusterconfig: malformed server entry %q", tok)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("clusterconfig: bad port in %q: %w", tok, err)
		}
		weight := 1
		if len(parts) >= 3 && parts[2] != "" {
			w, err := strconv.Atoi(parts[2])
			if err != nil {
				return nil, fmt.Errorf("clusterconfig: bad weight in %q: %w", tok, err)
			}
			weight = w
		}
		servers = append(servers, Server{Host: parts[0], Port: port, Weight: weight, Ascii: ascii})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("clusterconfig: server list %q produced no servers", spec)
	}
	return &Config{
		Backend:  hashroute.BackendKetama,
		Servers:  servers,
		Behavior: behavior,
	}, nil
}

// vbucketDoc mirrors the Couchbase-style JSON document: a server list, a
// vbucket map, and optional credentials.
type vbucketDoc struct {
	ServerList string     `json:"serverList"`
	VBucketMap [][]int    `json:"vBucketMap"`
	User       string     `json:"user"`
	Pass       string     `json:"pass"`
	Servers    []vbServer `json:"servers"`
}

// vbServer lets a document list servers with a per-server weight; most
// deployments omit it and rely on the top-level serverList + user/pass.
type vbServer struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

// ParseVBucketJSON parses a Couchbase-style vbucket config document into a
// vbucket-backed Config. Each row of vBucketMap is
// [master, replica1, replica2, ...]; vbucket count is len(vBucketMap) and
// must be a power of two.
func ParseVBucketJSON(data []byte, behavior Behavior) (*Config, error) {
	var doc vbucketDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("clusterconfig: invalid vbucket JSON: %w", err)
	}

	var servers []Server
	if len(doc.Servers) > 0 {
		for _, s := range doc.Servers {
			w := s.Weight
			if w <= 0 {
				w = 1
			}
			servers = append(servers, Server{Host: s.Host, Port: s.Port, User: doc.User, Pass: doc.Pass, Weight: w})
		}
	} else {
		for _, hp := range strings.Split(doc.ServerList, ",") {
			hp = strings.TrimSpace(hp)
			if hp == "" {
				continue
			}
			parts := strings.SplitN(hp, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("clusterconfig: malformed serverList entry %q", hp)
			}
			port, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("clusterconfig: bad port in %q: %w", hp, err)
			}
			servers = append(servers, Server{Host: parts[0], Port: port, User: doc.User, Pass: doc.Pass, Weight: 1})
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("clusterconfig: vbucket document has no servers")
	}

	vbMap := make([]hashroute.VBucketEntry, len(doc.VBucketMap))
	for i, row := range doc.VBucketMap {
		if len(row) == 0 {
			return nil, fmt.Errorf("clusterconfig: vbucket %d has an empty row", i)
		}
		vbMap[i] = hashroute.VBucketEntry{Master: row[0], Replicas: append([]int(nil), row[1:]...)}
	}

	cfg := &Config{
		Backend:      hashroute.BackendVBucket,
		Servers:      servers,
		VBucketCount: len(vbMap),
		VBucketMap:   vbMap,
		Behavior:     behavior,
	}
	if err := cfg.RouterConfig().Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
