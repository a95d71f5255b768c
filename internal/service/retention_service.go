package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/storage"
)

// RetentionService deletes assets together with everything derived from them
type RetentionService struct {
	assets *storage.AssetStore
	jobs   *GenerationService
	log    zerolog.Logger
}

func NewRetentionService(assets *storage.AssetStore, jobs *GenerationService, log zerolog.Logger) *RetentionService {
	return &RetentionService{
		assets: assets,
		jobs:   jobs,
		log:    log.With().Str("component", "retention").Logger(),
	}
}

// DeleteAsset removes an asset, its embedding, its jobs and their results.
// Unknown ids are a no-op.
func (s *RetentionService) DeleteAsset(ctx context.Context, assetID string) error {
	jobs, err := s.jobs.DeleteByAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if err := s.assets.Delete(ctx, assetID); err != nil {
		return err
	}
	s.log.Info().Str("asset_id", assetID).Int("jobs", jobs).Msg("asset deleted")
	return nil
}

// Purge deletes every asset older than maxAge and returns how many were removed.
func (s *RetentionService) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	assets, err := s.assets.List(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, asset := range assets {
		if err := s.DeleteAsset(ctx, asset.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
