package factcards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvik/factcards/pkg/card"
	"github.com/dvik/factcards/pkg/store"
	"github.com/dvik/factcards/pkg/trace"
)

// errApplyFailed signals the transaction scope that dispatch collected
// errors and everything must roll back. The human-readable errors ride
// in the WriteResult, not in this sentinel.
var errApplyFailed = fmt.Errorf("write op failed")

// applyState accumulates per-dispatch results inside the transaction.
type applyState struct {
	upserted   []string
	updated    []string
	superseded []string
	deleted    []string
	errors     []string
	spans      []trace.SpanRecord
}

func (st *applyState) errorf(format string, args ...any) {
	st.errors = append(st.errors, fmt.Sprintf(format, args...))
}

func (st *applyState) span(name string, start time.Time, ok bool, err error) {
	rec := trace.SpanRecord{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		OK:         ok,
	}
	if err != nil {
		rec.ErrorType = ClassifyError(err)
	}
	st.spans = append(st.spans, rec)
}

// ApplyWriteOps applies one write intent atomically. Expected failure
// modes (validation, version conflict, not-found) never surface as an
// error to the caller; they fold into WriteResult.Errors with
// Applied=false and every id list empty. A retried delivery carrying a
// known idempotency key returns without touching the repository.
func (s *Service) ApplyWriteOps(op card.WriteOp, idempotencyKey string) card.WriteResult {
	start := time.Now()

	if idempotencyKey != "" && s.ledger.Seen(idempotencyKey) {
		s.logger.Info("write op already applied", "idempotency_key", idempotencyKey, "op", string(op.Kind))
		s.metrics.RecordOperation(context.Background(), "apply_write_ops", "duplicate", 0)
		return card.WriteResult{
			Applied:       true,
			UpsertedIDs:   []string{},
			UpdatedIDs:    []string{},
			SupersededIDs: []string{},
			DeletedIDs:    []string{},
			Errors:        []string{"already applied"},
		}
	}

	st := &applyState{}
	txErr := s.repo.WithTx(func(tx *store.Tx) error {
		s.dispatch(tx, op, st)
		if len(st.errors) > 0 {
			return errApplyFailed
		}
		return nil
	})

	if txErr != nil && len(st.errors) == 0 {
		st.errorf("operation failed: %v", txErr)
	}

	applied := len(st.errors) == 0
	if applied {
		if idempotencyKey != "" {
			s.ledger.Record(idempotencyKey)
		}
	} else {
		// The transaction rolled back; no partial effect survives.
		st.upserted = nil
		st.updated = nil
		st.superseded = nil
		st.deleted = nil
	}

	s.observeApply(op, st, applied, start)

	return card.WriteResult{
		Applied:       applied,
		UpsertedIDs:   emptyIfNil(st.upserted),
		UpdatedIDs:    emptyIfNil(st.updated),
		SupersededIDs: emptyIfNil(st.superseded),
		DeletedIDs:    emptyIfNil(st.deleted),
		Errors:        emptyIfNil(st.errors),
	}
}

// dispatch routes one op through the repository inside the open
// transaction, accumulating ids and errors.
func (s *Service) dispatch(tx *store.Tx, op card.WriteOp, st *applyState) {
	switch op.Kind {
	case card.OpUpsert:
		if op.Card == nil {
			st.errorf("upsert requires a card")
			return
		}
		// Save may have generated the id; the supersede step needs the
		// stored one, not whatever the caller supplied.
		id := s.saveCard(tx, op.Card, op.CardVersion(), st)
		if len(st.errors) > 0 {
			return
		}
		if op.TargetCardID != "" {
			s.supersedeTarget(tx, op.TargetCardID, id, op.TargetVersion(), st)
		}

	case card.OpSupersede:
		if op.Card == nil || op.TargetCardID == "" {
			st.errorf("supersede requires both a card and target_card_id")
			return
		}
		// The replacement is a fresh identity; its version is not checked.
		start := time.Now()
		id, err := tx.Save(op.Card, nil)
		st.span("save", start, err == nil, err)
		if err != nil {
			st.errorf("cannot save card %s: %v", op.Card.CardID, err)
			return
		}
		st.upserted = append(st.upserted, id)
		s.supersedeTarget(tx, op.TargetCardID, id, op.TargetVersion(), st)

	case card.OpCorrect:
		if op.Card == nil || op.TargetCardID == "" {
			st.errorf("correct requires both a card and target_card_id")
			return
		}
		start := time.Now()
		ok, err := tx.Deactivate(op.TargetCardID, op.TargetVersion())
		if err == nil && !ok {
			err = store.ErrNotFound
		}
		st.span("deactivate", start, err == nil, err)
		if errors.Is(err, store.ErrNotFound) {
			st.errorf("cannot deactivate card: %s", op.TargetCardID)
			return
		}
		if err != nil {
			st.errorf("concurrent modification of target card %s: %v", op.TargetCardID, err)
			return
		}
		st.deleted = append(st.deleted, op.TargetCardID)
		s.saveCard(tx, op.Card, op.CardVersion(), st)

	case card.OpDeactivate:
		if op.TargetCardID == "" {
			st.errorf("deactivate requires target_card_id")
			return
		}
		start := time.Now()
		ok, err := tx.Deactivate(op.TargetCardID, op.TargetVersion())
		if err == nil && !ok {
			err = store.ErrNotFound
		}
		st.span("deactivate", start, err == nil, err)
		if errors.Is(err, store.ErrNotFound) {
			st.errorf("cannot deactivate card: %s", op.TargetCardID)
			return
		}
		if err != nil {
			st.errorf("concurrent modification of target card %s: %v", op.TargetCardID, err)
			return
		}
		st.deleted = append(st.deleted, op.TargetCardID)

	case card.OpLink:
		// Minimal implementation: behaves as UPSERT without a
		// supersede target, reserved for a future association model.
		if op.Card == nil {
			st.errorf("link requires a card")
			return
		}
		s.saveCard(tx, op.Card, op.CardVersion(), st)

	default:
		st.errorf("unknown operation type: %s", op.Kind)
	}
}

// saveCard saves the op card, records its id as upserted or updated
// depending on whether a live record already existed, and returns the
// stored id (empty on failure).
func (s *Service) saveCard(tx *store.Tx, c *card.Card, expected *int, st *applyState) string {
	isUpdate := tx.FindByID(c.CardID).Live()

	start := time.Now()
	id, err := tx.Save(c, expected)
	st.span("save", start, err == nil, err)
	if err != nil {
		if store.IsConflict(err) {
			st.errorf("concurrent modification of card %s: %v", c.CardID, err)
		} else {
			st.errorf("cannot save card %s: %v", c.CardID, err)
		}
		return ""
	}
	if isUpdate {
		st.updated = append(st.updated, id)
	} else {
		st.upserted = append(st.upserted, id)
	}
	return id
}

// supersedeTarget marks targetID superseded by newID.
func (s *Service) supersedeTarget(tx *store.Tx, targetID, newID string, expected *int, st *applyState) {
	start := time.Now()
	ok, err := tx.MarkSuperseded(targetID, newID, expected)
	if err == nil && !ok {
		err = store.ErrNotFound
	}
	st.span("supersede", start, err == nil, err)
	if errors.Is(err, store.ErrNotFound) {
		st.errorf("cannot mark card as superseded: %s", targetID)
		return
	}
	if err != nil {
		st.errorf("concurrent modification of target card %s: %v", targetID, err)
		return
	}
	st.superseded = append(st.superseded, targetID)
}

// observeApply emits logs, metrics and a trace record for one apply.
func (s *Service) observeApply(op card.WriteOp, st *applyState, applied bool, start time.Time) {
	ctx := context.Background()
	durationMs := time.Since(start).Milliseconds()

	status := "success"
	errType := ""
	if !applied {
		status = "error"
		if len(st.errors) > 0 {
			errType = classifyMessage(st.errors[0])
		}
		s.metrics.RecordError(ctx, "apply_write_ops", errType)
		s.logger.Warn("write op rolled back",
			"op", string(op.Kind),
			"target_card_id", op.TargetCardID,
			"errors", st.errors)
	} else {
		s.logger.Info("write op applied",
			"op", string(op.Kind),
			"upserted", len(st.upserted),
			"updated", len(st.updated),
			"superseded", len(st.superseded),
			"deleted", len(st.deleted))
		stats := s.repo.Stats()
		s.metrics.SetCardCount(ctx, string(card.StatusActive), int64(stats.Active))
		s.metrics.SetCardCount(ctx, string(card.StatusSuperseded), int64(stats.Superseded))
		s.metrics.SetCardCount(ctx, string(card.StatusUncertain), int64(stats.Uncertain))
		s.metrics.SetCardCount(ctx, string(card.StatusDeleted), int64(stats.Deleted))
	}
	s.metrics.RecordOperation(ctx, "apply_write_ops", status, durationMs)
	for _, span := range st.spans {
		s.metrics.RecordStage(ctx, "apply_write_ops", span.Name, span.DurationMs)
	}

	record := &trace.TraceRecord{
		Timestamp:   start,
		OperationID: uuid.New().String(),
		Operation:   "apply_write_ops",
		DurationMs:  durationMs,
		Status:      status,
		Spans:       st.spans,
		ErrorType:   errType,
		IDs: map[string]interface{}{
			"upserted":   st.upserted,
			"updated":    st.updated,
			"superseded": st.superseded,
			"deleted":    st.deleted,
		},
	}
	if err := s.tracer.Export(ctx, record); err != nil {
		s.logger.Warn("trace export failed", "error", err)
	}
}

// classifyMessage maps an accumulated error string onto a type label.
// Dispatch folds repository errors into strings before they reach the
// observer, so classification works on the message.
func classifyMessage(msg string) string {
	return ClassifyError(fmt.Errorf("%s", msg))
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// UpdateRequest is the agent-tool entry form of a write: an action
// word plus the card and optimistic-lock tokens.
type UpdateRequest struct {
	Action                string
	Card                  *card.Card
	TargetCardID          string
	ExpectedVersion       *int
	CardExpectedVersion   *int
	TargetExpectedVersion *int
	IdempotencyKey        string
}

// UpdateDatabase maps an action word onto a WriteOp and applies it.
// Unknown actions return Applied=false with a validation error.
func (s *Service) UpdateDatabase(req UpdateRequest) card.WriteResult {
	kind, err := card.ParseAction(req.Action)
	if err != nil {
		return card.WriteResult{
			Applied:       false,
			UpsertedIDs:   []string{},
			UpdatedIDs:    []string{},
			SupersededIDs: []string{},
			DeletedIDs:    []string{},
			Errors:        []string{err.Error()},
		}
	}
	op := card.WriteOp{
		Kind:                  kind,
		Card:                  req.Card,
		TargetCardID:          req.TargetCardID,
		ExpectedVersion:       req.ExpectedVersion,
		CardExpectedVersion:   req.CardExpectedVersion,
		TargetExpectedVersion: req.TargetExpectedVersion,
	}
	return s.ApplyWriteOps(op, req.IdempotencyKey)
}
