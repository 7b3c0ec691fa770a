package logging

import (
	"strings"
	"testing"
)

func TestLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, LevelWarn)
	l.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered out at warn level, got %q", buf.String())
	}
	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
}

func TestWithAttachesFieldsToEveryLine(t *testing.T) {
	var buf strings.Builder
	l := New(&buf, LevelDebug).With(F("worker", 3))
	l.Info("hello", F("key", "foo"))
	out := buf.String()
	if !strings.Contains(out, "worker=3") || !strings.Contains(out, "key=foo") {
		t.Fatalf("expected both parent and call-site fields, got %q", out)
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf strings.Builder
	parent := New(&buf, LevelDebug)
	child := parent.With(F("a", 1))
	parent.Info("from parent")
	if strings.Contains(buf.String(), "a=1") {
		t.Fatalf("parent logger should not have inherited child's field: %q", buf.String())
	}
	_ = child
}
