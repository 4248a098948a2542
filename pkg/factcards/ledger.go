package factcards

import (
	"sync"
	"time"
)

// Ledger is the set of completed idempotency tokens. A token recorded
// here means the corresponding logical write already executed; retried
// deliveries must be side-effect-free.
//
// With a non-zero TTL, tokens older than the TTL are purged
// opportunistically on access, bounding ledger growth in long-running
// processes.
type Ledger struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewLedger creates a ledger. A zero ttl disables expiry.
func NewLedger(ttl time.Duration, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		tokens: make(map[string]time.Time),
		ttl:    ttl,
		now:    now,
	}
}

// Seen reports whether the token has been recorded and is still live.
func (l *Ledger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked()
	_, ok := l.tokens[key]
	return ok
}

// Record marks the token as completed.
func (l *Ledger) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked()
	l.tokens[key] = l.now()
}

// Clear drops every token. Test hook.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = make(map[string]time.Time)
}

// Len returns the number of live tokens.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked()
	return len(l.tokens)
}

func (l *Ledger) purgeLocked() {
	if l.ttl <= 0 {
		return
	}
	cutoff := l.now().Add(-l.ttl)
	for key, recorded := range l.tokens {
		if recorded.Before(cutoff) {
			delete(l.tokens, key)
		}
	}
}
