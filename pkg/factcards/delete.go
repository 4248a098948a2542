package factcards

import (
	"context"

	"github.com/dvik/factcards/pkg/card"
)

// LogicalDeleteCards soft-deletes cards either by explicit ids or by
// source (conversation plus turn id or turn range). Missing ids are
// skipped; partial success is normal for the batch form.
func (s *Service) LogicalDeleteCards(req card.DeleteRequest) card.DeleteResult {
	ctx := context.Background()

	var deleted int
	var errs []string
	switch {
	case len(req.CardIDs) > 0:
		deleted = s.repo.LogicalDelete(req.CardIDs)
	case req.ConversationID != "" && (req.TurnID != nil || req.TurnRange != nil):
		deleted = s.repo.LogicalDeleteBySource(req.ConversationID, req.TurnID, req.TurnRange)
	default:
		errs = append(errs, "must provide card_ids, or conversation_id with turn_id or turn_range")
	}

	status := "success"
	if len(errs) > 0 {
		status = "error"
		s.metrics.RecordError(ctx, "logical_delete", ErrTypeValidation)
	}
	s.metrics.RecordOperation(ctx, "logical_delete", status, 0)
	s.logger.Info("logical delete",
		"requested", len(req.CardIDs),
		"conversation_id", req.ConversationID,
		"deleted", deleted,
		"errors", len(errs))

	return card.DeleteResult{
		DeletedCount: deleted,
		FailedIDs:    []string{},
		Errors:       emptyIfNil(errs),
	}
}
