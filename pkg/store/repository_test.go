package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dvik/factcards/pkg/card"
)

// fakeClock advances one second per reading so every write gets a
// distinct updated_at and ordering assertions are deterministic.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestRepo() *Repository {
	return NewRepository(WithClock(newFakeClock().Now))
}

func testCard(id, factKey string) *card.Card {
	return &card.Card{
		CardID:     id,
		FactKey:    factKey,
		Value:      json.RawMessage(`{"v":1}`),
		Person:     "USER",
		Confidence: 0.9,
		SourceRef:  card.SourceRef{ConversationID: "conv-1", TurnID: 1},
	}
}

func intPtr(v int) *int { return &v }

func TestSave_InsertStartsAtVersionZero(t *testing.T) {
	repo := newTestRepo()

	id, err := repo.Save(testCard("c1", "passport.expiry_date"), nil)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if id != "c1" {
		t.Errorf("expected caller-supplied id to be kept, got %s", id)
	}

	got := repo.FindByID("c1")
	if got == nil {
		t.Fatal("card not stored")
	}
	if got.Version != 0 {
		t.Errorf("fresh insert must start at version 0, got %d", got.Version)
	}
	if got.Status != card.StatusActive {
		t.Errorf("status must default to active, got %s", got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps must be stamped on insert")
	}
}

func TestSave_GeneratesIDWhenAbsent(t *testing.T) {
	repo := newTestRepo()

	c := testCard("", "user.name")
	id, err := repo.Save(c, nil)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}
	if repo.FindByID(id) == nil {
		t.Error("generated id does not resolve")
	}
	if c.CardID != "" {
		t.Error("save must not mutate the caller's card")
	}
}

func TestSave_UpdateBumpsVersionAndPreservesCreatedAt(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	first := repo.FindByID("c1")

	updated := testCard("c1", "user.name")
	updated.Value = json.RawMessage(`{"v":2}`)
	if _, err := repo.Save(updated, nil); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got := repo.FindByID("c1")
	if got.Version != 1 {
		t.Errorf("expected version 1 after one update, got %d", got.Version)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Error("update must preserve created_at")
	}
	if !got.UpdatedAt.After(first.UpdatedAt) {
		t.Error("update must advance updated_at")
	}
}

func TestSave_ExpectedVersionMatch(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.Save(testCard("c1", "user.name"), intPtr(0)); err != nil {
		t.Fatalf("save with matching expected version failed: %v", err)
	}
	if got := repo.FindByID("c1").Version; got != 1 {
		t.Errorf("expected version 1, got %d", got)
	}
}

func TestSave_ExpectedVersionMismatch(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	stale := testCard("c1", "user.name")
	stale.Value = json.RawMessage(`{"v":"stale"}`)
	_, err := repo.Save(stale, intPtr(0))

	var conflict *ConcurrentModificationError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentModificationError, got %v", err)
	}
	if conflict.CardID != "c1" || conflict.Expected != 0 || conflict.Actual != 1 {
		t.Errorf("conflict details wrong: %+v", conflict)
	}

	got := repo.FindByID("c1")
	if got.Version != 1 || string(got.Value) == `{"v":"stale"}` {
		t.Error("failed save must leave the stored record untouched")
	}
}

func TestSave_DeletedRecordIsFreshIdentity(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Deactivate("c1", nil); err != nil {
		t.Fatal(err)
	}

	// Expected version is not checked against soft-deleted records.
	if _, err := repo.Save(testCard("c1", "user.name"), intPtr(99)); err != nil {
		t.Fatalf("save over deleted record failed: %v", err)
	}
	got := repo.FindByID("c1")
	if got.Version != 0 {
		t.Errorf("save over deleted record must restart at version 0, got %d", got.Version)
	}
	if got.Deleted || got.Status != card.StatusActive {
		t.Errorf("revived card must be active, got status=%s deleted=%v", got.Status, got.Deleted)
	}
}

func TestSave_RejectsUnknownStatus(t *testing.T) {
	repo := newTestRepo()
	c := testCard("c1", "user.name")
	c.Status = "archived"

	_, err := repo.Save(c, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if repo.FindByID("c1") != nil {
		t.Error("rejected save must not store anything")
	}
}

func TestSave_NormalizesSupersededBy(t *testing.T) {
	repo := newTestRepo()
	other := "c9"
	c := testCard("c1", "user.name")
	c.SupersededBy = &other

	if _, err := repo.Save(c, nil); err != nil {
		t.Fatal(err)
	}
	if got := repo.FindByID("c1"); got.SupersededBy != nil {
		t.Error("superseded_by must be cleared on non-superseded cards")
	}
}

func TestMarkSuperseded(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	ok, err := repo.MarkSuperseded("c1", "c2", nil)
	if err != nil || !ok {
		t.Fatalf("mark superseded failed: ok=%v err=%v", ok, err)
	}

	got := repo.FindByID("c1")
	if got.Status != card.StatusSuperseded {
		t.Errorf("expected superseded status, got %s", got.Status)
	}
	if got.SupersededBy == nil || *got.SupersededBy != "c2" {
		t.Errorf("superseded_by must point at the replacement, got %v", got.SupersededBy)
	}
	if got.Version != 1 {
		t.Errorf("supersession must bump the version, got %d", got.Version)
	}
}

func TestMarkSuperseded_UnknownIDs(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	if ok, err := repo.MarkSuperseded("missing", "c1", nil); ok || err != nil {
		t.Errorf("unknown old id: ok=%v err=%v, want false/nil", ok, err)
	}
	if ok, err := repo.MarkSuperseded("c1", "missing", nil); ok || err != nil {
		t.Errorf("unknown new id: ok=%v err=%v, want false/nil", ok, err)
	}
	if got := repo.FindByID("c1"); got.Status != card.StatusActive {
		t.Error("failed supersession must not touch the record")
	}
}

func TestMarkSuperseded_VersionConflict(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	ok, err := repo.MarkSuperseded("c1", "c2", intPtr(0))
	if ok {
		t.Error("conflicting supersession must not report success")
	}
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if got := repo.FindByID("c1"); got.Status != card.StatusActive || got.Version != 1 {
		t.Error("conflicting supersession must leave the record untouched")
	}
}

func TestDeactivate(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	ok, err := repo.Deactivate("c1", nil)
	if err != nil || !ok {
		t.Fatalf("deactivate failed: ok=%v err=%v", ok, err)
	}

	got := repo.FindByID("c1")
	if got == nil {
		t.Fatal("soft delete must keep the record findable")
	}
	if !got.Deleted || got.Status != card.StatusDeleted {
		t.Errorf("expected deleted state, got status=%s deleted=%v", got.Status, got.Deleted)
	}
	if got.Version != 1 {
		t.Errorf("soft delete must bump the version, got %d", got.Version)
	}

	if ok, err := repo.Deactivate("missing", nil); ok || err != nil {
		t.Errorf("unknown id: ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestLogicalDelete_SkipsUnknownAndAlreadyDeleted(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.email"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Deactivate("c2", nil); err != nil {
		t.Fatal(err)
	}

	count := repo.LogicalDelete([]string{"c1", "c2", "missing"})
	if count != 1 {
		t.Errorf("expected 1 transitioned card, got %d", count)
	}
}

func TestLogicalDeleteBySource(t *testing.T) {
	repo := newTestRepo()
	for i, id := range []string{"c1", "c2", "c3"} {
		c := testCard(id, "user.name")
		c.SourceRef = card.SourceRef{ConversationID: "conv-1", TurnID: i + 1}
		if _, err := repo.Save(c, nil); err != nil {
			t.Fatal(err)
		}
	}
	other := testCard("c4", "user.name")
	other.SourceRef = card.SourceRef{ConversationID: "conv-2", TurnID: 1}
	if _, err := repo.Save(other, nil); err != nil {
		t.Fatal(err)
	}

	if count := repo.LogicalDeleteBySource("conv-1", intPtr(2), nil); count != 1 {
		t.Errorf("single-turn delete: expected 1, got %d", count)
	}
	if !repo.FindByID("c2").Deleted {
		t.Error("c2 must be deleted")
	}

	if count := repo.LogicalDeleteBySource("conv-1", nil, &card.TurnRange{Start: 1, End: 3}); count != 2 {
		t.Errorf("range delete: expected 2 remaining live cards deleted, got %d", count)
	}
	if repo.FindByID("c4").Deleted {
		t.Error("other conversation must be untouched")
	}
}

func TestFindByPersonAndFactKey_Ordering(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c3", "user.email"), nil); err != nil {
		t.Fatal(err)
	}

	cards := repo.FindByPersonAndFactKey("USER", "user.name")
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].CardID != "c2" || cards[1].CardID != "c1" {
		t.Errorf("expected most recently updated first, got %s, %s", cards[0].CardID, cards[1].CardID)
	}
}

func TestFindActiveByPersonAndFactKey(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkSuperseded("c1", "c2", nil); err != nil {
		t.Fatal(err)
	}

	got := repo.FindActiveByPersonAndFactKey("USER", "user.name")
	if got == nil || got.CardID != "c2" {
		t.Fatalf("expected the active card c2, got %v", got)
	}

	if _, err := repo.Deactivate("c2", nil); err != nil {
		t.Fatal(err)
	}
	if got := repo.FindActiveByPersonAndFactKey("USER", "user.name"); got != nil {
		t.Errorf("expected nil once nothing is active, got %s", got.CardID)
	}
}

func TestQuery_Filters(t *testing.T) {
	repo := newTestRepo()
	c1 := testCard("c1", "user.name")
	c1.Confidence = 0.95
	c2 := testCard("c2", "user.email")
	c2.Confidence = 0.4
	c2.Status = card.StatusUncertain
	c3 := testCard("c3", "user.name")
	c3.Person = "ALICE"
	for _, c := range []*card.Card{c1, c2, c3} {
		if _, err := repo.Save(c, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.Save(testCard("c4", "user.phone"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Deactivate("c4", nil); err != nil {
		t.Fatal(err)
	}

	results := repo.Query(card.Query{Person: "USER"})
	if len(results) != 2 {
		t.Fatalf("person filter: expected 2 (deleted excluded), got %d", len(results))
	}

	results = repo.Query(card.Query{Person: "USER", FactKeys: []string{"user.email"}})
	if len(results) != 1 || results[0].CardID != "c2" {
		t.Errorf("fact-key filter: expected [c2], got %v", results)
	}

	results = repo.Query(card.Query{Person: "USER", StatusIn: []card.Status{card.StatusUncertain}})
	if len(results) != 1 || results[0].CardID != "c2" {
		t.Errorf("status filter: expected [c2], got %v", results)
	}

	results = repo.Query(card.Query{Person: "USER", MinConfidence: 0.5})
	if len(results) != 1 || results[0].CardID != "c1" {
		t.Errorf("confidence filter: expected [c1], got %v", results)
	}
}

func TestQuery_TimeWindowAndLimit(t *testing.T) {
	repo := newTestRepo()
	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := repo.Save(testCard(id, "user.name"), nil); err != nil {
			t.Fatal(err)
		}
	}

	middle := repo.FindByID("c2").UpdatedAt
	results := repo.Query(card.Query{
		Person:     "USER",
		TimeWindow: &card.TimeWindow{Start: middle, End: middle},
	})
	if len(results) != 1 || results[0].CardID != "c2" {
		t.Errorf("time window: expected [c2], got %v", results)
	}

	results = repo.Query(card.Query{Person: "USER", Limit: 2})
	if len(results) != 2 {
		t.Fatalf("limit: expected 2, got %d", len(results))
	}
	if results[0].CardID != "c3" || results[1].CardID != "c2" {
		t.Error("limit must keep the most recently updated cards")
	}
}

func TestFindByRefs(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.email"), nil); err != nil {
		t.Fatal(err)
	}

	cards := repo.FindByRefs([]card.Ref{
		{CardID: "c1", FactKey: "user.name"},
		{CardID: "c2", FactKey: "wrong.key"},
		{CardID: "missing"},
	})
	if len(cards) != 1 || cards[0].CardID != "c1" {
		t.Errorf("expected only the matching ref to resolve, got %v", cards)
	}
}

func TestStats(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	uncertain := testCard("c3", "user.phone")
	uncertain.Status = card.StatusUncertain
	if _, err := repo.Save(uncertain, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkSuperseded("c1", "c2", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c4", "user.email"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Deactivate("c4", nil); err != nil {
		t.Fatal(err)
	}

	s := repo.Stats()
	want := card.Stats{Total: 4, Active: 1, Superseded: 1, Uncertain: 1, Deleted: 1}
	if s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
}

func TestFindByID_ReturnsClone(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}

	got := repo.FindByID("c1")
	got.Person = "MUTATED"
	got.Value[1] = 'x'

	fresh := repo.FindByID("c1")
	if fresh.Person != "USER" || string(fresh.Value) != `{"v":1}` {
		t.Error("caller mutation leaked into the store")
	}
}

func TestAllActive_TracksIndex(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.email"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkSuperseded("c1", "c2", nil); err != nil {
		t.Fatal(err)
	}

	active := repo.AllActive()
	if len(active) != 1 || active[0].CardID != "c2" {
		t.Errorf("expected only c2 active, got %v", active)
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	repo := newTestRepo()
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c1", "user.name"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Save(testCard("c2", "user.email"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Deactivate("c2", nil); err != nil {
		t.Fatal(err)
	}

	dump := repo.All()
	if len(dump) != 2 {
		t.Fatalf("expected 2 cards in dump, got %d", len(dump))
	}

	fresh := newTestRepo()
	fresh.Restore(dump)

	got := fresh.FindByID("c1")
	if got == nil || got.Version != 1 {
		t.Errorf("restore must preserve versions verbatim, got %v", got)
	}
	if !fresh.FindByID("c2").Deleted {
		t.Error("restore must preserve deleted state")
	}
	active := fresh.AllActive()
	if len(active) != 1 || active[0].CardID != "c1" {
		t.Errorf("restore must rebuild the status index, got %v", active)
	}
	if len(fresh.FindByPersonAndFactKey("USER", "user.email")) != 1 {
		t.Error("restore must rebuild the person/fact index")
	}
}
