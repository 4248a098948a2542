package card

import (
	"encoding/json"
	"time"
)

// View is the minimal read-side projection of a Card handed to the
// agent layer. Bulk narrative fields (content, backstory,
// relationship) are deliberately omitted.
type View struct {
	CardID     string          `json:"card_id"`
	FactKey    string          `json:"fact_key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Status     Status          `json:"status"`
	Confidence float64         `json:"confidence"`
	UpdatedAt  time.Time       `json:"updated_at"`
	SourceRef  SourceRef       `json:"source_ref"`
}

// ViewOf projects a card into its read view.
func ViewOf(c *Card) View {
	return View{
		CardID:     c.CardID,
		FactKey:    c.FactKey,
		Value:      c.Value,
		Status:     c.Status,
		Confidence: c.Confidence,
		UpdatedAt:  c.UpdatedAt,
		SourceRef:  c.SourceRef,
	}
}

// Views projects a slice of cards, preserving order. Always returns a
// non-nil slice so the serialized form is a JSON array, never null.
func Views(cards []*Card) []View {
	views := make([]View, 0, len(cards))
	for _, c := range cards {
		views = append(views, ViewOf(c))
	}
	return views
}

// MarshalViews renders views as a JSON array. Status values serialize
// as lowercase strings and timestamps as RFC 3339.
func MarshalViews(views []View) (string, error) {
	if views == nil {
		views = []View{}
	}
	b, err := json.Marshal(views)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
