package store

import "github.com/dvik/factcards/pkg/card"

// txFrame records the pre-transaction value of every card id touched
// inside one transaction. The first touch of an id wins: later writes
// to the same id within the frame never overwrite the snapshot, so
// rollback always restores the state from before the frame opened.
// A nil snapshot is a tombstone: the id did not exist yet.
type txFrame struct {
	snapshots map[string]*card.Card
	order     []string
}

func newTxFrame() *txFrame {
	return &txFrame{snapshots: make(map[string]*card.Card)}
}

// note records the current value for id unless the frame already holds
// a snapshot for it.
func (f *txFrame) note(id string, current *card.Card) {
	if _, seen := f.snapshots[id]; seen {
		return
	}
	f.snapshots[id] = current.Clone()
	f.order = append(f.order, id)
}

// snapshot records the pre-transaction value of id into the top frame,
// if a transaction is open. Caller holds the lock.
func (r *Repository) snapshot(id string) {
	if len(r.frames) == 0 {
		return
	}
	top := r.frames[len(r.frames)-1]
	top.note(id, r.cards[id])
}

// Begin opens a transaction frame. Frames nest via a stack; commit and
// rollback affect only the top frame.
func (r *Repository) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beginLocked()
}

func (r *Repository) beginLocked() {
	r.frames = append(r.frames, newTxFrame())
}

// Commit discards the top frame's undo log, making its effects
// permanent with respect to that frame. When frames nest, first-touch
// snapshots fold into the parent so an outer rollback still restores
// the pre-outer state.
func (r *Repository) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked()
}

func (r *Repository) commitLocked() error {
	n := len(r.frames)
	if n == 0 {
		return ErrNoTransaction
	}
	top := r.frames[n-1]
	r.frames = r.frames[:n-1]
	if n > 1 {
		parent := r.frames[n-2]
		for _, id := range top.order {
			parent.note(id, top.snapshots[id])
		}
	}
	return nil
}

// Rollback restores every card touched by the top frame to its
// pre-transaction value and rebuilds the index entries for those ids
// from the restored records.
func (r *Repository) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbackLocked()
}

func (r *Repository) rollbackLocked() error {
	n := len(r.frames)
	if n == 0 {
		return ErrNoTransaction
	}
	top := r.frames[n-1]
	r.frames = r.frames[:n-1]

	for _, id := range top.order {
		r.purge(id)
		prior := top.snapshots[id]
		if prior == nil {
			delete(r.cards, id)
			continue
		}
		restored := prior.Clone()
		r.cards[id] = restored
		r.index(restored)
	}
	return nil
}

// Tx exposes the repository's mutating and reading operations inside a
// WithTx scope. The scope holds the repository lock for its whole
// duration, so Tx methods must not be retained after the scope returns
// and Tx must not be shared across goroutines.
type Tx struct {
	r *Repository
}

// Save behaves like Repository.Save within the transaction.
func (t *Tx) Save(c *card.Card, expected *int) (string, error) {
	return t.r.saveLocked(c, expected)
}

// FindByID behaves like Repository.FindByID within the transaction.
func (t *Tx) FindByID(id string) *card.Card {
	return t.r.cards[id].Clone()
}

// MarkSuperseded behaves like Repository.MarkSuperseded within the
// transaction.
func (t *Tx) MarkSuperseded(oldID, newID string, expected *int) (bool, error) {
	return t.r.markSupersededLocked(oldID, newID, expected)
}

// Deactivate behaves like Repository.Deactivate within the transaction.
func (t *Tx) Deactivate(id string, expected *int) (bool, error) {
	return t.r.deactivateLocked(id, expected)
}

// WithTx runs fn inside a transaction scope under the repository lock.
// A nil return commits; an error or panic rolls back every mutation fn
// made through the Tx. The engine composes its multi-step write
// intents through this scope, which is what makes them all-or-nothing.
func (r *Repository) WithTx(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.beginLocked()
	done := false
	defer func() {
		if !done {
			_ = r.rollbackLocked()
		}
	}()

	if err := fn(&Tx{r: r}); err != nil {
		_ = r.rollbackLocked()
		done = true
		return err
	}
	if err := r.commitLocked(); err != nil {
		done = true
		return err
	}
	done = true
	return nil
}
