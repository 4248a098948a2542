package card

import (
	"fmt"
	"strings"
)

// OpKind identifies the kind of a write intent.
type OpKind string

const (
	OpUpsert     OpKind = "upsert"
	OpSupersede  OpKind = "supersede"
	OpCorrect    OpKind = "correct"
	OpDeactivate OpKind = "deactivate"
	OpLink       OpKind = "link"
)

// ParseAction maps the agent-facing action words onto op kinds.
// Accepted (case-insensitive): add, upsert, correct, supersede,
// deactivate, link.
func ParseAction(action string) (OpKind, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "add", "upsert":
		return OpUpsert, nil
	case "correct":
		return OpCorrect, nil
	case "supersede":
		return OpSupersede, nil
	case "deactivate":
		return OpDeactivate, nil
	case "link":
		return OpLink, nil
	}
	return "", fmt.Errorf("action must be one of add, correct, supersede, deactivate, link; got %q", action)
}

// WriteOp is one atomic write intent submitted to the engine.
//
// The three expected-version fields are optional optimistic-lock
// tokens. CardExpectedVersion / TargetExpectedVersion take precedence
// for their respective cards; ExpectedVersion is the shared fallback
// kept for callers that predate the split fields.
type WriteOp struct {
	Kind         OpKind `json:"op"`
	Card         *Card  `json:"card,omitempty"`
	TargetCardID string `json:"target_card_id,omitempty"`

	ExpectedVersion       *int `json:"expected_version,omitempty"`
	CardExpectedVersion   *int `json:"card_expected_version,omitempty"`
	TargetExpectedVersion *int `json:"target_expected_version,omitempty"`
}

// CardVersion resolves the effective expected version for op.Card.
func (op *WriteOp) CardVersion() *int {
	if op.CardExpectedVersion != nil {
		return op.CardExpectedVersion
	}
	return op.ExpectedVersion
}

// TargetVersion resolves the effective expected version for the target card.
func (op *WriteOp) TargetVersion() *int {
	if op.TargetExpectedVersion != nil {
		return op.TargetExpectedVersion
	}
	return op.ExpectedVersion
}

// WriteResult reports the outcome of one applied WriteOp. The id
// lists are ordered by execution; on failure they are all empty and
// Applied is false.
type WriteResult struct {
	Applied       bool     `json:"applied"`
	UpsertedIDs   []string `json:"upserted_ids"`
	UpdatedIDs    []string `json:"updated_ids"`
	SupersededIDs []string `json:"superseded_ids"`
	DeletedIDs    []string `json:"deleted_ids"`
	Errors        []string `json:"errors"`
}

// TurnRange is an inclusive range of turn ids within a conversation.
type TurnRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// DeleteRequest targets cards either by explicit ids or by source
// (conversation plus a single turn or an inclusive turn range).
type DeleteRequest struct {
	CardIDs        []string   `json:"card_ids,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	TurnID         *int       `json:"turn_id,omitempty"`
	TurnRange      *TurnRange `json:"turn_range,omitempty"`
}

// DeleteResult reports the outcome of a logical delete request.
type DeleteResult struct {
	DeletedCount int      `json:"deleted_count"`
	FailedIDs    []string `json:"failed_ids"`
	Errors       []string `json:"errors"`
}
