package store

import (
	"errors"
	"testing"

	"github.com/dvik/factcards/pkg/card"
)

func TestWithTx_CommitPersists(t *testing.T) {
	repo := newTestRepo()

	err := repo.WithTx(func(tx *Tx) error {
		if _, err := tx.Save(testCard("c1", "user.name"), nil); err != nil {
			return err
		}
		_, err := tx.Save(testCard("c2", "user.email"), nil)
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	if repo.FindByID("c1") == nil || repo.FindByID("c2") == nil {
		t.Error("committed writes must persist")
	}
}

func TestWithTx_ErrorRollsBackNewCards(t *testing.T) {
	repo := newTestRepo()
	boom := errors.New("boom")

	err := repo.WithTx(func(tx *Tx) error {
		if _, err := tx.Save(testCard("c1", "user.name"), nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the fn error back, got %v", err)
	}

	if repo.FindByID("c1") != nil {
		t.Error("rolled-back insert must not exist")
	}
	if len(repo.FindByPersonAndFactKey("USER", "user.name")) != 0 {
		t.Error("rolled-back insert must leave no index entries")
	}
	if s := repo.Stats(); s.Total != 0 {
		t.Errorf("expected empty store after rollback, got %+v", s)
	}
}

func TestWithTx_RollbackRestoresFirstTouchState(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	before := repo.FindByID("c1")

	_ = repo.WithTx(func(tx *Tx) error {
		// Touch the same card twice; rollback must restore the
		// pre-transaction value, not the intermediate one.
		if _, err := tx.Save(testCard("c1", "user.name"), nil); err != nil {
			return err
		}
		if _, err := tx.Save(testCard("c1", "user.name"), nil); err != nil {
			return err
		}
		return errors.New("abort")
	})

	after := repo.FindByID("c1")
	if after.Version != before.Version {
		t.Errorf("expected version %d restored, got %d", before.Version, after.Version)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("rollback must restore the original updated_at")
	}
}

func TestWithTx_RollbackRepairsIndices(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	_ = repo.WithTx(func(tx *Tx) error {
		if ok, err := tx.MarkSuperseded("c1", "c2", nil); err != nil || !ok {
			t.Fatalf("supersede inside tx: ok=%v err=%v", ok, err)
		}
		if ok, err := tx.Deactivate("c2", nil); err != nil || !ok {
			t.Fatalf("deactivate inside tx: ok=%v err=%v", ok, err)
		}
		return errors.New("abort")
	})

	active := repo.AllActive()
	if len(active) != 2 {
		t.Fatalf("expected both cards active again, got %d", len(active))
	}
	for _, c := range []string{"c1", "c2"} {
		got := repo.FindByID(c)
		if got.Status != card.StatusActive || got.Deleted || got.SupersededBy != nil {
			t.Errorf("%s not restored: %+v", c, got)
		}
	}
}

func TestWithTx_PanicRollsBack(t *testing.T) {
	repo := newTestRepo()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		_ = repo.WithTx(func(tx *Tx) error {
			if _, err := tx.Save(testCard("c1", "user.name"), nil); err != nil {
				return err
			}
			panic("mid-transaction failure")
		})
	}()

	if repo.FindByID("c1") != nil {
		t.Error("panic must roll the transaction back")
	}

	// The lock must be released; a follow-up write proves it.
	if _, err := repo.Save(testCard("c2", "user.email"), nil); err != nil {
		t.Fatalf("repository unusable after panic rollback: %v", err)
	}
}

func TestNestedTransactions_InnerCommitFoldsIntoOuter(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	repo.Begin()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	repo.Begin()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.email"), nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.Commit(); err != nil {
		t.Fatalf("inner commit failed: %v", err)
	}
	if err := repo.Rollback(); err != nil {
		t.Fatalf("outer rollback failed: %v", err)
	}

	got := repo.FindByID("c1")
	if got.Version != 0 {
		t.Errorf("outer rollback must restore the pre-outer state, got version %d", got.Version)
	}
	if repo.FindByID("c2") != nil {
		t.Error("card created inside the committed inner frame must still roll back with the outer frame")
	}
}

func TestCommitWithoutBegin(t *testing.T) {
	repo := newTestRepo()
	if err := repo.Commit(); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("expected ErrNoTransaction, got %v", err)
	}
	if err := repo.Rollback(); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("expected ErrNoTransaction, got %v", err)
	}
}

func TestWithTx_FailedSaveLeavesNoTrace(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	err := repo.WithTx(func(tx *Tx) error {
		if _, err := tx.Save(testCard("c2", "user.email"), nil); err != nil {
			return err
		}
		_, err := tx.Save(testCard("c1", "user.name"), intPtr(0))
		return err
	})
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}

	if repo.FindByID("c2") != nil {
		t.Error("sibling write must roll back with the failed transaction")
	}
	if got := repo.FindByID("c1"); got.Version != 1 {
		t.Errorf("conflicted card must be untouched, got version %d", got.Version)
	}
}
