package factcards

import (
	"context"

	"github.com/dvik/factcards/pkg/store"
)

// SaveSnapshot writes the full card set into the archive, soft-deleted
// cards included, since the archive preserves audit history.
func (s *Service) SaveSnapshot(ctx context.Context, archive *store.SQLiteArchive) error {
	cards := s.repo.All()
	if err := archive.Snapshot(ctx, cards); err != nil {
		s.metrics.RecordError(ctx, "snapshot", ErrTypeUnknown)
		s.metrics.RecordOperation(ctx, "snapshot", "error", 0)
		return err
	}
	s.metrics.RecordOperation(ctx, "snapshot", "success", 0)
	s.logger.Info("snapshot saved", "cards", len(cards))
	return nil
}

// LoadSnapshot replaces the repository contents with the archived card
// set, versions and timestamps preserved.
func (s *Service) LoadSnapshot(ctx context.Context, archive *store.SQLiteArchive) error {
	cards, err := archive.Load(ctx)
	if err != nil {
		s.metrics.RecordError(ctx, "snapshot", ErrTypeUnknown)
		s.metrics.RecordOperation(ctx, "snapshot", "error", 0)
		return err
	}
	s.repo.Restore(cards)
	s.metrics.RecordOperation(ctx, "snapshot", "success", 0)
	s.logger.Info("snapshot loaded", "cards", len(cards))
	return nil
}
