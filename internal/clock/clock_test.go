package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)
	if got := m.Now(); !got.Equal(start) {
		t.Fatalf("got %v want %v", got, start)
	}
	m.Advance(65 * time.Second)
	if got := m.Now(); !got.Equal(start.Add(65 * time.Second)) {
		t.Fatalf("advance: got %v", got)
	}
	m.Advance(-90 * time.Second)
	if got := m.Now(); !got.Equal(start.Add(-25 * time.Second)) {
		t.Fatalf("rewind: got %v", got)
	}
}

func TestFixedAndSystem(t *testing.T) {
	at := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	if got := Fixed(at).Now(); !got.Equal(at) {
		t.Fatalf("fixed: got %v", got)
	}
	if got := System().Now(); got.Location() != time.UTC {
		t.Fatalf("system clock must report UTC, got %v", got.Location())
	}
}
