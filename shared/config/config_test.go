package config

import (
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestAssignBackoff(t *testing.T) {
	cfg := Config{AssignBackoffBaseMS: 500, AssignBackoffMaxMS: 30000}
	if d := cfg.AssignBackoff(1); d != 500*time.Millisecond {
		t.Fatalf("attempt 1: got %v", d)
	}
	if d := cfg.AssignBackoff(3); d != 2*time.Second {
		t.Fatalf("attempt 3: got %v", d)
	}
	if d := cfg.AssignBackoff(50); d != 30*time.Second {
		t.Fatalf("expected cap at 30s, got %v", d)
	}
}
