package klog

import (
	"bytes"
	"strings"
	"testing"
)

func TestForReturnsSamePrefixedLogger(t *testing.T) {
	l1 := For("sched")
	l2 := For("sched")
	if l1 != l2 {
		t.Fatal("For should return the same *log.Logger for the same subsystem")
	}
}

func TestInitRedirectsOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf)
	l := For("mem")
	l.Printf("hello %d", 7)
	if !strings.Contains(buf.String(), "[mem]") || !strings.Contains(buf.String(), "hello 7") {
		t.Fatalf("expected prefixed output, got %q", buf.String())
	}
}

func TestDistinctSubsystemsGetDistinctPrefixes(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf)
	For("a").Printf("x")
	For("b").Printf("y")
	out := buf.String()
	if !strings.Contains(out, "[a]") || !strings.Contains(out, "[b]") {
		t.Fatalf("expected both prefixes present, got %q", out)
	}
}

func TestBannerAlignsSecondColumn(t *testing.T) {
	out := Banner([][2]string{
		{"mem", "ok"},
		{"ksched", "ok"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	i1 := strings.Index(lines[0], "ok")
	i2 := strings.Index(lines[1], "ok")
	if i1 != i2 {
		t.Fatalf("status column not aligned: %q vs %q", lines[0], lines[1])
	}
}
