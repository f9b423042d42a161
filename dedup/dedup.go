// Package dedup tracks which notification events have already been sent
// during this process's lifetime.
//
// The ledger is deliberately in-memory and per-process: surviving a restart
// is not guaranteed, and two independent scheduler instances can each send
// once.  Within one process it is the sole mechanism preventing repeat sends.
package dedup

import "sync"

// Class partitions ledger keys by event kind.
type Class string

const (
	ClassReminder   Class = "reminder"
	ClassMissed     Class = "missed"
	ClassLowStock   Class = "lowstock"
	ClassDoseStatus Class = "dosestatus"
)

// DefaultCompactLimit matches the historical size bound on the sent-email
// sets.
const DefaultCompactLimit = 1000

// Ledger is a set of already-handled event keys, partitioned by class.
//
// Marks are inserted optimistically before a dispatch attempt and removed
// with Unmark when the dispatch hard-fails, which makes the event eligible
// again on the next tick.
type Ledger struct {
	mu           sync.Mutex
	compactLimit int
	partitions   map[Class]map[string]struct{}
}

// New returns an empty ledger.  compactLimit bounds the size of any one
// partition; zero or negative selects DefaultCompactLimit.
func New(compactLimit int) *Ledger {
	if compactLimit <= 0 {
		compactLimit = DefaultCompactLimit
	}
	return &Ledger{
		compactLimit: compactLimit,
		partitions:   map[Class]map[string]struct{}{},
	}
}

// HasFired reports whether the key was already marked in the given class.
func (l *Ledger) HasFired(c Class, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.partitions[c][key]
	return ok
}

// MarkFired records the key, then applies the compaction policy.
func (l *Ledger) MarkFired(c Class, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.partitions[c]
	if !ok {
		p = map[string]struct{}{}
		l.partitions[c] = p
	}
	p[key] = struct{}{}

	l.maybeCompactLocked()
}

// Unmark removes the key so that the event becomes eligible again.  Used to
// roll back after a failed email dispatch.
func (l *Ledger) Unmark(c Class, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.partitions[c], key)
}

// maybeCompactLocked clears every partition once any single partition grows
// past the limit.  The global clear is a coarse memory bound, not a
// correctness mechanism: real dedup also leans on the dose log itself.
func (l *Ledger) maybeCompactLocked() {
	for _, p := range l.partitions {
		if len(p) > l.compactLimit {
			l.partitions = map[Class]map[string]struct{}{}
			return
		}
	}
}
