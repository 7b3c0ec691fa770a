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

// Package settings parses the single configuration string this proxy
// accepts: comma-separated key=value pairs naming either a server list or
// a REST URL, plus the Behavior tunables. It is the only package that reads
// environment variables (MOXI_SASL_PLAIN_USR/PWD) or decides the listen
// port; everything downstream receives already-parsed values.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"moxi/pkg/clusterconfig"
)

const (
	EnvSASLUser = "MOXI_SASL_PLAIN_USR"
	EnvSASLPass = "MOXI_SASL_PLAIN_PWD"
)

// Settings is everything derived from the configuration string plus the
// environment, ready to build a clusterconfig.Config and stand up listeners.
type Settings struct {
	// One of URL (REST polling, not yet implemented) or Servers (static
	// ketama or vbucket server list) must be set.
	URL     string
	Servers string
	VBucket bool

	ListenPort int
	AdminPort  int
	SavePath   string
	Workers    int

	Behavior clusterconfig.Behavior

	SASLUser string
	SASLPass string
}

// Parse parses the comma-separated key=value configuration string. Required:
// either "url=" or "servers=". Recognized tunables mirror the Behavior bag;
// unrecognized keys are a fatal configuration error: the process exits with
// nonzero status.
func Parse(spec string) (*Settings, error) {
	s := &Settings{
		ListenPort: 11211,
		AdminPort:  11212,
		Workers:    4,
		Behavior:   clusterconfig.DefaultBehavior(),
	}

	lastKey := ""
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			// The servers= value is itself a comma-separated list; an entry
			// without '=' right after it continues that list.
			if lastKey == "servers" {
				s.Servers += "," + tok
				continue
			}
			return nil, fmt.Errorf("settings: malformed entry %q, want key=value", tok)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		lastKey = key
		if err := s.apply(key, val); err != nil {
			return nil, err
		}
	}

	if s.URL == "" && s.Servers == "" {
		return nil, fmt.Errorf("settings: one of url= or servers= is required")
	}

	s.SASLUser = os.Getenv(EnvSASLUser)
	s.SASLPass = os.Getenv(EnvSASLPass)

	return s, nil
}

func (s *Settings) apply(key, val string) error {
	switch key {
	case "url":
		s.URL = val
	case "servers":
		s.Servers = val
	case "vbucket":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("settings: bad bool for vbucket=%q: %w", val, err)
		}
		s.VBucket = b
	case "port":
		p, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("settings: bad port=%q: %w", val, err)
		}
		s.ListenPort = p
	case "admin_port":
		p, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("settings: bad admin_port=%q: %w", val, err)
		}
		s.AdminPort = p
	case "workers":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("settings: bad workers=%q: %w", val, err)
		}
		s.Workers = n
	case "save_path":
		s.SavePath = val
	case "downstream_max":
		return setInt(&s.Behavior.DownstreamMax, key, val)
	case "downstream_conn_max":
		return setInt(&s.Behavior.DownstreamConnMax, key, val)
	case "connect_max_errors":
		return setInt(&s.Behavior.ConnectMaxErrors, key, val)
	case "connect_timeout":
		return setDuration(&s.Behavior.ConnectTimeout, key, val)
	case "auth_timeout":
		return setDuration(&s.Behavior.AuthTimeout, key, val)
	case "downstream_timeout":
		return setDuration(&s.Behavior.DownstreamTimeout, key, val)
	case "downstream_conn_queue_timeout":
		return setDuration(&s.Behavior.DownstreamConnQueueTimeout, key, val)
	case "wait_queue_timeout":
		return setDuration(&s.Behavior.WaitQueueTimeout, key, val)
	case "connect_retry_interval":
		return setDuration(&s.Behavior.ConnectRetryInterval, key, val)
	case "cycle":
		return setDuration(&s.Behavior.Cycle, key, val)
	default:
		return fmt.Errorf("settings: unrecognized key %q", key)
	}
	return nil
}

func setInt(dst *int, key, val string) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("settings: bad int for %s=%q: %w", key, val, err)
	}
	*dst = n
	return nil
}

// Duration values in the config string are plain milliseconds, matching the
// original C configuration's millisecond-valued tunables.
func setDuration(dst *time.Duration, key, val string) error {
	ms, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("settings: bad duration (ms) for %s=%q: %w", key, val, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
