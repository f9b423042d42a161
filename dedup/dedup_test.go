package dedup

import (
	"fmt"
	"testing"
)

func TestMarkAndHasFired(t *testing.T) {
	l := New(0)

	if l.HasFired(ClassReminder, "U1-morning") {
		t.Errorf("Fresh ledger claims key already fired")
	}

	l.MarkFired(ClassReminder, "U1-morning")

	if !l.HasFired(ClassReminder, "U1-morning") {
		t.Errorf("Marked key reads as unfired")
	}

	// Classes are independent partitions.
	if l.HasFired(ClassMissed, "U1-morning") {
		t.Errorf("Mark in one class leaked into another")
	}
}

func TestUnmark(t *testing.T) {
	l := New(0)

	l.MarkFired(ClassReminder, "U1-morning")
	l.MarkFired(ClassReminder, "U1-evening")

	l.Unmark(ClassReminder, "U1-morning")

	if l.HasFired(ClassReminder, "U1-morning") {
		t.Errorf("Unmarked key still reads as fired")
	}
	if !l.HasFired(ClassReminder, "U1-evening") {
		t.Errorf("Unmark removed an unrelated key")
	}
}

func TestUnmarkMissingKey(t *testing.T) {
	l := New(0)

	// Must not panic on an empty partition.
	l.Unmark(ClassLowStock, "nope")
}

// Compaction clears all partitions, not just the oversized one.  That is the
// historical behavior this package preserves; a per-partition policy would be
// stricter but observably different.
func TestCompactionClearsAllPartitions(t *testing.T) {
	l := New(1000)

	l.MarkFired(ClassMissed, "U1-missed")
	l.MarkFired(ClassLowStock, "U1-lowstock")

	for i := 0; i <= 1000; i++ {
		l.MarkFired(ClassReminder, fmt.Sprintf("key-%d", i))
	}

	if l.HasFired(ClassReminder, "key-0") {
		t.Errorf("Reminder partition not cleared after compaction")
	}
	if l.HasFired(ClassMissed, "U1-missed") {
		t.Errorf("Missed partition not cleared after compaction")
	}
	if l.HasFired(ClassLowStock, "U1-lowstock") {
		t.Errorf("Low-stock partition not cleared after compaction")
	}
}

func TestNoCompactionBelowLimit(t *testing.T) {
	l := New(1000)

	for i := 0; i < 1000; i++ {
		l.MarkFired(ClassReminder, fmt.Sprintf("key-%d", i))
	}

	if !l.HasFired(ClassReminder, "key-0") {
		t.Errorf("Ledger compacted before any partition exceeded the limit")
	}
}
