// Package store implements the in-memory card repository: a primary
// map keyed by card id plus derived status and person/fact indices,
// kept consistent under one mutex, with optimistic per-card versioning
// and an undo-frame transaction stack.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/dvik/factcards/pkg/card"
)

type personFactKey struct {
	person  string
	factKey string
}

// Repository owns the card map and its derived indices. All exported
// methods are safe for concurrent use; every operation runs under the
// repository mutex and observes no partially-mutated state of another.
type Repository struct {
	mu sync.Mutex

	cards       map[string]*card.Card
	statusIndex map[card.Status]map[string]struct{}
	personFact  map[personFactKey]map[string]struct{}

	frames []*txFrame

	now func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the timestamp source. Used by tests and by
// callers that inject a shared clock.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates an empty repository.
func NewRepository(opts ...Option) *Repository {
	r := &Repository{
		cards:       make(map[string]*card.Card),
		statusIndex: make(map[card.Status]map[string]struct{}),
		personFact:  make(map[personFactKey]map[string]struct{}),
		now:         time.Now,
	}
	for _, st := range card.Statuses {
		r.statusIndex[st] = make(map[string]struct{})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save inserts or updates a card and returns its id. A card whose id
// is absent, or whose stored record is soft-deleted, is treated as a
// fresh identity and starts at version 0; otherwise the stored version
// is bumped by one. When expected is non-nil and a live record exists,
// a version mismatch fails with ConcurrentModificationError and the
// store is left untouched.
func (r *Repository) Save(c *card.Card, expected *int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(c, expected)
}

func (r *Repository) saveLocked(c *card.Card, expected *int) (string, error) {
	stored := c.Clone()
	if stored.CardID == "" {
		stored.CardID = card.NewID()
	}
	if stored.Status == "" {
		stored.Status = card.StatusActive
	}
	if !stored.Status.Valid() {
		return "", &ValidationError{Field: "status", Reason: "unknown status " + string(stored.Status)}
	}

	existing := r.cards[stored.CardID]
	isUpdate := existing.Live()
	if isUpdate {
		if expected != nil && existing.Version != *expected {
			return "", &ConcurrentModificationError{
				CardID:   stored.CardID,
				Expected: *expected,
				Actual:   existing.Version,
			}
		}
		stored.Version = existing.Version + 1
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.Version = 0
	}

	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() || isUpdate {
		stored.UpdatedAt = now
	}
	normalize(stored)

	r.snapshot(stored.CardID)
	if existing != nil {
		r.unindex(existing)
	}
	r.cards[stored.CardID] = stored
	r.index(stored)
	return stored.CardID, nil
}

// normalize enforces the cross-field invariants at the write boundary:
// deleted tracks the DELETED status, and superseded_by is only set on
// SUPERSEDED cards.
func normalize(c *card.Card) {
	c.Deleted = c.Status == card.StatusDeleted
	if c.Status != card.StatusSuperseded {
		c.SupersededBy = nil
	}
}

// FindByID returns a copy of the card, or nil when absent. Soft-deleted
// cards are still returned; deletion never removes the record.
func (r *Repository) FindByID(id string) *card.Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cards[id].Clone()
}

// FindByPersonAndFactKey returns all cards for the person/fact bucket,
// most recently updated first.
func (r *Repository) FindByPersonAndFactKey(person, factKey string) []*card.Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByPersonAndFactKeyLocked(person, factKey)
}

func (r *Repository) findByPersonAndFactKeyLocked(person, factKey string) []*card.Card {
	bucket := r.personFact[personFactKey{person, factKey}]
	cards := make([]*card.Card, 0, len(bucket))
	for id := range bucket {
		if c, ok := r.cards[id]; ok {
			cards = append(cards, c.Clone())
		}
	}
	sortByUpdatedDesc(cards)
	return cards
}

// FindActiveByPersonAndFactKey returns the first active, non-deleted
// match, or nil.
func (r *Repository) FindActiveByPersonAndFactKey(person, factKey string) *card.Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.findByPersonAndFactKeyLocked(person, factKey) {
		if c.Status == card.StatusActive && !c.Deleted {
			return c
		}
	}
	return nil
}

// Query scans the card set with the given filter, sorted by updated_at
// descending and capped at the query limit.
func (r *Repository) Query(q card.Query) []*card.Card {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = card.DefaultQueryLimit
	}

	var results []*card.Card
	for _, c := range r.cards {
		if r.matches(c, q) {
			results = append(results, c.Clone())
		}
	}
	sortByUpdatedDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (r *Repository) matches(c *card.Card, q card.Query) bool {
	if c.Deleted || c.Person != q.Person {
		return false
	}
	if len(q.FactKeys) > 0 && !containsString(q.FactKeys, c.FactKey) {
		return false
	}
	if len(q.StatusIn) > 0 && !containsStatus(q.StatusIn, c.Status) {
		return false
	}
	if c.Confidence < q.MinConfidence {
		return false
	}
	if w := q.TimeWindow; w != nil {
		if c.UpdatedAt.Before(w.Start) || c.UpdatedAt.After(w.End) {
			return false
		}
	}
	return true
}

// FindByRefs resolves refs to cards, skipping unknown ids and refs
// whose fact key does not match.
func (r *Repository) FindByRefs(refs []card.Ref) []*card.Card {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cards []*card.Card
	for _, ref := range refs {
		c, ok := r.cards[ref.CardID]
		if !ok {
			continue
		}
		if ref.FactKey != "" && c.FactKey != ref.FactKey {
			continue
		}
		cards = append(cards, c.Clone())
	}
	return cards
}

// MarkSuperseded transitions oldID to SUPERSEDED, pointing it at
// newID. Returns false when either id is unknown. A non-nil expected
// version is checked against oldID's current version.
func (r *Repository) MarkSuperseded(oldID, newID string, expected *int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markSupersededLocked(oldID, newID, expected)
}

func (r *Repository) markSupersededLocked(oldID, newID string, expected *int) (bool, error) {
	old, ok := r.cards[oldID]
	if !ok {
		return false, nil
	}
	if _, ok := r.cards[newID]; !ok {
		return false, nil
	}
	if expected != nil && old.Version != *expected {
		return false, &ConcurrentModificationError{CardID: oldID, Expected: *expected, Actual: old.Version}
	}

	r.snapshot(oldID)
	updated := old.Clone()
	updated.Status = card.StatusSuperseded
	updated.SupersededBy = &newID
	updated.Deleted = false
	updated.UpdatedAt = r.now()
	updated.Version++

	r.unindex(old)
	r.cards[oldID] = updated
	r.index(updated)
	return true, nil
}

// Deactivate soft-deletes a single card with an optimistic-lock check.
// Returns false when the id is unknown.
func (r *Repository) Deactivate(id string, expected *int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivateLocked(id, expected)
}

func (r *Repository) deactivateLocked(id string, expected *int) (bool, error) {
	c, ok := r.cards[id]
	if !ok {
		return false, nil
	}
	if expected != nil && c.Version != *expected {
		return false, &ConcurrentModificationError{CardID: id, Expected: *expected, Actual: c.Version}
	}
	r.softDeleteLocked(c)
	return true, nil
}

// softDeleteLocked transitions a card to DELETED in place. Caller
// holds the lock and has verified the version.
func (r *Repository) softDeleteLocked(c *card.Card) {
	r.snapshot(c.CardID)
	updated := c.Clone()
	updated.Status = card.StatusDeleted
	updated.Deleted = true
	updated.SupersededBy = nil
	updated.UpdatedAt = r.now()
	updated.Version++

	r.unindex(c)
	r.cards[c.CardID] = updated
	r.index(updated)
}

// LogicalDelete soft-deletes a batch without version checks. Unknown
// and already-deleted ids are skipped; the count covers only cards
// actually transitioned.
func (r *Repository) LogicalDelete(ids []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, id := range ids {
		c, ok := r.cards[id]
		if !ok || c.Deleted {
			continue
		}
		r.softDeleteLocked(c)
		count++
	}
	return count
}

// LogicalDeleteBySource soft-deletes all live cards originating from
// the conversation, restricted to one turn or an inclusive turn range
// when provided.
func (r *Repository) LogicalDeleteBySource(conversationID string, turnID *int, turnRange *card.TurnRange) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var doomed []*card.Card
	for _, c := range r.cards {
		if c.Deleted || c.SourceRef.ConversationID != conversationID {
			continue
		}
		if turnID != nil && c.SourceRef.TurnID != *turnID {
			continue
		}
		if turnRange != nil && (c.SourceRef.TurnID < turnRange.Start || c.SourceRef.TurnID > turnRange.End) {
			continue
		}
		doomed = append(doomed, c)
	}
	for _, c := range doomed {
		r.softDeleteLocked(c)
	}
	return len(doomed)
}

// AllActive returns every active, non-deleted card, most recently
// updated first.
func (r *Repository) AllActive() []*card.Card {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.statusIndex[card.StatusActive]
	cards := make([]*card.Card, 0, len(bucket))
	for id := range bucket {
		if c, ok := r.cards[id]; ok && !c.Deleted {
			cards = append(cards, c.Clone())
		}
	}
	sortByUpdatedDesc(cards)
	return cards
}

// All returns every stored card, deleted ones included, most recently
// updated first. Used for archival snapshots.
func (r *Repository) All() []*card.Card {
	r.mu.Lock()
	defer r.mu.Unlock()

	cards := make([]*card.Card, 0, len(r.cards))
	for _, c := range r.cards {
		cards = append(cards, c.Clone())
	}
	sortByUpdatedDesc(cards)
	return cards
}

// Restore replaces the full card set verbatim, versions and timestamps
// preserved, and rebuilds both indices. Open transaction frames are
// discarded.
func (r *Repository) Restore(cards []*card.Card) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cards = make(map[string]*card.Card, len(cards))
	r.personFact = make(map[personFactKey]map[string]struct{})
	for _, st := range card.Statuses {
		r.statusIndex[st] = make(map[string]struct{})
	}
	r.frames = nil

	for _, c := range cards {
		stored := c.Clone()
		r.cards[stored.CardID] = stored
		r.index(stored)
	}
}

// Stats counts cards per lifecycle status.
func (r *Repository) Stats() card.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s card.Stats
	s.Total = len(r.cards)
	for _, c := range r.cards {
		switch {
		case c.Deleted:
			s.Deleted++
		case c.Status == card.StatusActive:
			s.Active++
		case c.Status == card.StatusSuperseded:
			s.Superseded++
		case c.Status == card.StatusUncertain:
			s.Uncertain++
		}
	}
	return s
}

// index inserts the card into the buckets implied by its current state.
func (r *Repository) index(c *card.Card) {
	r.statusIndex[c.Status][c.CardID] = struct{}{}
	key := personFactKey{c.Person, c.FactKey}
	bucket := r.personFact[key]
	if bucket == nil {
		bucket = make(map[string]struct{})
		r.personFact[key] = bucket
	}
	bucket[c.CardID] = struct{}{}
}

// unindex removes the card from the buckets implied by its recorded
// state.
func (r *Repository) unindex(c *card.Card) {
	delete(r.statusIndex[c.Status], c.CardID)
	key := personFactKey{c.Person, c.FactKey}
	if bucket := r.personFact[key]; bucket != nil {
		delete(bucket, c.CardID)
		if len(bucket) == 0 {
			delete(r.personFact, key)
		}
	}
}

// purge removes an id from every bucket regardless of recorded state.
// Used by rollback, which cannot trust the indices it is repairing.
func (r *Repository) purge(id string) {
	for _, bucket := range r.statusIndex {
		delete(bucket, id)
	}
	for key, bucket := range r.personFact {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.personFact, key)
		}
	}
}

func sortByUpdatedDesc(cards []*card.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		return cards[i].UpdatedAt.After(cards[j].UpdatedAt)
	})
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsStatus(haystack []card.Status, needle card.Status) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
