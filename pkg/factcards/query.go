package factcards

import (
	"github.com/dvik/factcards/pkg/card"
)

// QueryRelevantCards filters the store and returns minimal views,
// most recently updated first.
func (s *Service) QueryRelevantCards(q card.Query) []card.View {
	return card.Views(s.repo.Query(q))
}

// GetCardsAsString renders the cards matching the request as a JSON
// array of views, for direct inclusion in an agent prompt. Active
// cards are always included; superseded and uncertain ones only when
// requested.
func (s *Service) GetCardsAsString(req card.GetCardsRequest) (string, error) {
	statuses := []card.Status{card.StatusActive}
	if req.IncludeSuperseded {
		statuses = append(statuses, card.StatusSuperseded)
	}
	if req.IncludeUncertain {
		statuses = append(statuses, card.StatusUncertain)
	}

	cards := s.repo.Query(card.Query{
		Person:        req.Person,
		FactKeys:      req.FactKeys,
		StatusIn:      statuses,
		MinConfidence: req.MinConfidence,
	})
	return card.MarshalViews(card.Views(cards))
}

// GetLatestByFactKey returns the current view for a person/fact pair:
// the active card when one exists, otherwise the most recently updated
// uncertain one, otherwise nil.
func (s *Service) GetLatestByFactKey(person, factKey string) *card.View {
	if c := s.repo.FindActiveByPersonAndFactKey(person, factKey); c != nil {
		v := card.ViewOf(c)
		return &v
	}
	for _, c := range s.repo.FindByPersonAndFactKey(person, factKey) {
		if c.Status == card.StatusUncertain && !c.Deleted {
			v := card.ViewOf(c)
			return &v
		}
	}
	return nil
}

// ReadCardsByRefs resolves refs to views, skipping unknown ids and
// fact-key mismatches.
func (s *Service) ReadCardsByRefs(refs []card.Ref) []card.View {
	return card.Views(s.repo.FindByRefs(refs))
}

// GetStats summarizes the store by lifecycle status.
func (s *Service) GetStats() card.Stats {
	return s.repo.Stats()
}
