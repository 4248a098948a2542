// Package card defines the fact-card data model shared by the store
// and the write-operation engine.
package card

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a card. It is a closed set; code
// must switch on the typed constants, never on raw strings.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusUncertain  Status = "uncertain"
	StatusDeleted    Status = "deleted"
)

// Statuses lists every valid status in a stable order.
var Statuses = []Status{StatusActive, StatusSuperseded, StatusUncertain, StatusDeleted}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusUncertain, StatusDeleted:
		return true
	}
	return false
}

// eventNamespace seeds stable event-id derivation from source refs.
var eventNamespace = uuid.MustParse("8f7d9c2e-5a31-4b6f-9d0a-c4e8b1f62d73")

// SourceRef records where a fact came from, for audit and traceability.
type SourceRef struct {
	ConversationID string    `json:"conversation_id"`
	TurnID         int       `json:"turn_id"`
	Speaker        string    `json:"speaker,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventID derives a stable identifier for the originating event. The
// same conversation/turn/speaker triple always yields the same id.
func (r SourceRef) EventID() string {
	name := fmt.Sprintf("%s/%d/%s", r.ConversationID, r.TurnID, r.Speaker)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// Card is the stored fact entity. Value is an opaque JSON payload the
// store never interprets beyond storage and serialization.
type Card struct {
	CardID       string          `json:"card_id"`
	FactKey      string          `json:"fact_key"`
	Value        json.RawMessage `json:"value,omitempty"`
	Content      string          `json:"content,omitempty"`
	Backstory    string          `json:"backstory,omitempty"`
	Person       string          `json:"person"`
	Relationship string          `json:"relationship,omitempty"`
	Status       Status          `json:"status"`
	Confidence   float64         `json:"confidence"`
	SourceRef    SourceRef       `json:"source_ref"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Version      int             `json:"version"`
	SupersededBy *string         `json:"superseded_by,omitempty"`
	Deleted      bool            `json:"deleted"`
}

// NewID generates a fresh card identifier.
func NewID() string {
	return uuid.New().String()
}

// Clone returns a deep copy. The repository hands out and stores only
// clones so callers can never mutate indexed state in place.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Value != nil {
		cp.Value = make(json.RawMessage, len(c.Value))
		copy(cp.Value, c.Value)
	}
	if c.SupersededBy != nil {
		id := *c.SupersededBy
		cp.SupersededBy = &id
	}
	return &cp
}

// Live reports whether the card is neither soft-deleted nor missing.
func (c *Card) Live() bool {
	return c != nil && !c.Deleted
}
