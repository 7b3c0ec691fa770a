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

// Package logging is a small leveled, field-carrying wrapper over the
// standard library's log package, in the same spirit as the rest of this
// codebase's own log-based diagnostics (cmd/moxi reports fatal startup
// errors with log.Fatalf). A proxy server needs
// fields (worker id, host identity, request id) attached consistently
// rather than ad hoc Printf calls, so this package adds that structure
// without bringing in a third-party logging library — see DESIGN.md for why.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field is one key=value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Logger writes leveled, field-annotated lines through a shared
// *log.Logger. Safe for concurrent use: the underlying log.Logger
// serializes writes, and With returns an independent child that only adds
// to (never mutates) the parent's field set.
type Logger struct {
	mu     sync.Mutex
	out    *log.Logger
	level  Level
	fields []Field
}

// New builds a Logger writing to w at or above minLevel.
func New(w io.Writer, minLevel Level) *Logger {
	return &Logger{out: log.New(w, "", log.LstdFlags|log.Lmicroseconds), level: minLevel}
}

// Default returns a Logger writing to stderr at info level, the level this
// server runs at outside of explicit -v debug runs.
func Default() *Logger { return New(os.Stderr, LevelInfo) }

// With returns a child Logger that always includes the given fields in
// addition to any already attached to l.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{out: l.out, level: l.level, fields: merged}
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(level.String())
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range l.fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Output(3, b.String())
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields...) }
