package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWriteFrequencies(t *testing.T) {
	var buf bytes.Buffer
	counts := map[string]int{
		"rise/@v0/boat/pubsub/heading/gyro": 10,
		"rise/@v0/boat/pubsub/location_fix/gnss": 50,
		"rise/@v0/boat/pubsub/a/b":               10,
	}
	if err := WriteFrequencies(&buf, Styler{}, counts, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "70 messages") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "5.00 Hz") || !strings.HasSuffix(lines[1], "location_fix/gnss") {
		t.Errorf("busiest line = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "pubsub/a/b") || !strings.HasSuffix(lines[3], "heading/gyro") {
		t.Errorf("tie order wrong:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Error("color codes written with color disabled")
	}
}

func TestWriteFrequenciesEmptyColored(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrequencies(&buf, Styler{Color: true}, nil, time.Second); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no messages") || !strings.Contains(buf.String(), "\x1b[38;5;") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestShouldUseColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ShouldUseColor(&bytes.Buffer{}) {
		t.Error("NO_COLOR should disable color")
	}
	t.Setenv("NO_COLOR", "")
	t.Setenv("CLICOLOR_FORCE", "1")
	if !ShouldUseColor(&bytes.Buffer{}) {
		t.Error("CLICOLOR_FORCE should force color")
	}
	t.Setenv("CLICOLOR_FORCE", "")
	if ShouldUseColor(&bytes.Buffer{}) {
		t.Error("non-terminal writer should not use color")
	}
}
