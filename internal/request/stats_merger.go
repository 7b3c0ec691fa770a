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

package request

import (
	"strconv"
	"strings"
)

// firstKeys take the first value seen across downstreams.
var firstKeys = map[string]bool{
	"pid": true, "version": true, "libevent": true,
}

// smallestKeys take the minimum value seen across downstreams.
var smallestKeys = map[string]bool{
	"uptime": true, "time": true, "pointer_size": true,
	"limit_maxbytes": true, "accepting_conns": true,
}

func isSmallestSuffix(key string) bool {
	for _, suffix := range []string{":chunk_size", ":chunk_per_page", ":age"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func mergeClass(key string) string {
	if firstKeys[key] {
		return "first"
	}
	if smallestKeys[key] || isSmallestSuffix(key) {
		return "smallest"
	}
	return "sum"
}

// StatsMerger accumulates a broadcast STATS response across every reserved
// downstream, applying each key's merge class, then flushes as
// "STAT name value\r\n" lines. Flush does not add the terminating END\r\n
// (the caller writes it) and produces only the ASCII form.
type StatsMerger struct {
	values map[string]string
	order  []string
}

// NewStatsMerger returns an empty merger.
func NewStatsMerger() *StatsMerger {
	return &StatsMerger{values: make(map[string]string)}
}

// Add folds one (key, value) pair from one downstream's STATS response into
// the merger, per key's merge class.
func (m *StatsMerger) Add(key, value string) {
	existing, ok := m.values[key]
	if !ok {
		m.values[key] = value
		m.order = append(m.order, key)
		return
	}

	switch mergeClass(key) {
	case "first":
		// Keep the existing (first-seen) value.
	case "smallest":
		m.values[key] = smallerOf(existing, value)
	default: // "sum"
		m.values[key] = sumOf(existing, value)
	}
}

// Flush returns the merged stat lines in first-seen key order.
func (m *StatsMerger) Flush() []string {
	lines := make([]string, 0, len(m.order))
	for _, k := range m.order {
		lines = append(lines, "STAT "+k+" "+m.values[k]+"\r\n")
	}
	return lines
}

func smallerOf(a, b string) string {
	af, aIsFloat := parseNumeric(a)
	bf, bIsFloat := parseNumeric(b)
	if aIsFloat || bIsFloat {
		if af <= bf {
			return a
		}
		return b
	}
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	if aErr != nil || bErr != nil {
		// Non-numeric values: fall back to lexical comparison rather than
		// fail the merge outright.
		if a <= b {
			return a
		}
		return b
	}
	if an <= bn {
		return a
	}
	return b
}

// sumOf sums a and b using floating point if either contains a '.', and
// unsigned 64-bit integer arithmetic otherwise.
func sumOf(a, b string) string {
	if strings.Contains(a, ".") || strings.Contains(b, ".") {
		af, _ := strconv.ParseFloat(a, 64)
		bf, _ := strconv.ParseFloat(b, 64)
		return strconv.FormatFloat(af+bf, 'f', -1, 64)
	}
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	if aErr != nil || bErr != nil {
		return a
	}
	return strconv.FormatUint(an+bn, 10)
}

// parseNumeric returns s as a float64 plus whether it was dotted (and thus
// needs float comparison rather than uint64 comparison).
func parseNumeric(s string) (float64, bool) {
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	n, _ := strconv.ParseUint(s, 10, 64)
	return float64(n), false
}
