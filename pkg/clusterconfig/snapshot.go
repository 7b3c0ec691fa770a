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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"moxi/pkg/hashroute"
)

// snapshotDoc is the on-disk/on-wire representation of a Config's
// vbucket-relevant fields. Only the vbucket backend's last-known-good map
// needs to survive a restart; ketama clusters are reconstructed from the
// static server list the operator supplies on every startup.
type snapshotDoc struct {
	Version      int             `json:"version"`
	ServerList   string          `json:"serverList"`
	VBucketCount int             `json:"vBucketCount"`
	VBucketMap   [][]int         `json:"vBucketMap"`
	SavedAt      time.Time       `json:"savedAt"`
	Servers      []snapshotEntry `json:"servers,omitempty"`
}

type snapshotEntry struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

func toSnapshotDoc(cfg *Config) snapshotDoc {
	doc := snapshotDoc{
		Version:      cfg.Version,
		VBucketCount: cfg.VBucketCount,
		SavedAt:      time.Now().UTC(),
	}
	doc.VBucketMap = make([][]int, len(cfg.VBucketMap))
	for i, e := range cfg.VBucketMap {
		doc.VBucketMap[i] = append([]int{e.Master}, e.Replicas...)
	}
	doc.Servers = make([]snapshotEntry, len(cfg.Servers))
	for i, s := range cfg.Servers {
		doc.Servers[i] = snapshotEntry{Host: s.Host, Port: s.Port, Weight: s.Weight}
	}
	return doc
}

func fromSnapshotDoc(doc snapshotDoc, behavior Behavior) *Config {
	servers := make([]Server, len(doc.Servers))
	for i, s := range doc.Servers {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		servers[i] = Server{Host: s.Host, Port: s.Port, Weight: w}
	}
	vbMap := make([]hashroute.VBucketEntry, len(doc.VBucketMap))
	for i, row := range doc.VBucketMap {
		if len(row) == 0 {
			continue
		}
		vbMap[i] = hashroute.VBucketEntry{Master: row[0], Replicas: append([]int(nil), row[1:]...)}
	}
	return &Config{
		Version:      doc.Version,
		Backend:      hashroute.BackendVBucket,
		Servers:      servers,
		VBucketCount: doc.VBucketCount,
		VBucketMap:   vbMap,
		Behavior:     behavior,
	}
}

// SaveSnapshot persists cfg to path using write-temp-then-rename so a crash
// mid-write never corrupts the last-known-good file.
func SaveSnapshot(path string, cfg *Config) error {
	data, err := json.MarshalIndent(toSnapshotDoc(cfg), "", "  ")
	if err != nil {
		return fmt.Errorf("clusterconfig: marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("clusterconfig: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("clusterconfig: write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("clusterconfig: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("clusterconfig: rename temp snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot reads back a Config previously written by SaveSnapshot.
func LoadSnapshot(path string, behavior Behavior) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("clusterconfig: invalid snapshot at %s: %w", path, err)
	}
	return fromSnapshotDoc(doc, behavior), nil
}

// RedisMirror stores and loads the same snapshot JSON under a Redis key, so
// a fleet of moxi instances sharing a Redis instance can share a
// last-known-good config. cmd/moxi does not use it: at startup only the
// local save_path file is read.
type RedisMirror struct {
	client *redis.Client
	key    string
}

// NewRedisMirror wraps an existing *redis.Client. addr is only used by
// NewRedisMirrorAddr; pass a client you already own here if you have one.
func NewRedisMirror(client *redis.Client, key string) *RedisMirror {
	if key == "" {
		key = "moxi:clusterconfig:snapshot"
	}
	return &RedisMirror{client: client, key: key}
}

// NewRedisMirrorAddr is a convenience constructor that dials a fresh client.
func NewRedisMirrorAddr(addr, key string) *RedisMirror {
	return NewRedisMirror(redis.NewClient(&redis.Options{Addr: addr}), key)
}

// Save writes cfg's snapshot JSON to the mirror key with no expiry.
func (m *RedisMirror) Save(ctx context.Context, cfg *Config) error {
	data, err := json.Marshal(toSnapshotDoc(cfg))
	if err != nil {
		return fmt.Errorf("clusterconfig: marshal redis snapshot: %w", err)
	}
	return m.client.Set(ctx, m.key, data, 0).Err()
}

// Load fetches the mirrored snapshot, returning redis.Nil (unwrapped via
// errors.Is by the caller) when nothing has been mirrored yet.
func (m *RedisMirror) Load(ctx context.Context, behavior Behavior) (*Config, error) {
	data, err := m.client.Get(ctx, m.key).Bytes()
	if err != nil {
		return nil, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("clusterconfig: invalid redis snapshot: %w", err)
	}
	return fromSnapshotDoc(doc, behavior), nil
}
