package card

import "time"

// TimeWindow restricts a query to cards updated inside [Start, End].
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Query filters the card set. Zero-value fields act as wildcards
// except Person, which always filters, and Limit, which defaults to
// DefaultQueryLimit when zero.
type Query struct {
	Person        string      `json:"person"`
	FactKeys      []string    `json:"fact_keys,omitempty"`
	StatusIn      []Status    `json:"status_in,omitempty"`
	MinConfidence float64     `json:"min_confidence"`
	TimeWindow    *TimeWindow `json:"time_window,omitempty"`
	Limit         int         `json:"limit"`
}

// DefaultQueryLimit caps query results when no limit is given.
const DefaultQueryLimit = 50

// Ref addresses a card by id, optionally constrained to a fact key.
type Ref struct {
	CardID  string `json:"card_id"`
	FactKey string `json:"fact_key,omitempty"`
}

// GetCardsRequest selects the cards rendered by GetCardsAsString.
// Active cards are always included; superseded and uncertain ones only
// on request.
type GetCardsRequest struct {
	Person            string   `json:"person"`
	FactKeys          []string `json:"fact_keys,omitempty"`
	IncludeSuperseded bool     `json:"include_superseded"`
	IncludeUncertain  bool     `json:"include_uncertain"`
	MinConfidence     float64  `json:"min_confidence"`
}

// Stats summarizes the store by lifecycle status.
type Stats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Superseded int `json:"superseded"`
	Uncertain  int `json:"uncertain"`
	Deleted    int `json:"deleted"`
}
