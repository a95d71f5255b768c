package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/internal/storage"
)

// EmbeddingService memoizes asset embeddings. Concurrent requests for the
// same uncached asset share one model call.
type EmbeddingService struct {
	assets  *storage.AssetStore
	gateway ModelGateway
	group   singleflight.Group
	log     zerolog.Logger
}

func NewEmbeddingService(assets *storage.AssetStore, gateway ModelGateway, log zerolog.Logger) *EmbeddingService {
	return &EmbeddingService{
		assets:  assets,
		gateway: gateway,
		log:     log.With().Str("component", "embedding_cache").Logger(),
	}
}

// GetOrCompute returns the embedding of an asset for the current embedding
// model, computing and storing it on a miss.
func (s *EmbeddingService) GetOrCompute(ctx context.Context, assetID string) (*model.EmbeddingRecord, error) {
	asset, err := s.assets.GetMetadata(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status == model.AssetStatusInvalid {
		return nil, fmt.Errorf("%w: asset %s: %w", model.ErrEmbeddingCompute, assetID, model.ErrDecode)
	}

	modelID := s.gateway.EmbeddingModelID()
	if rec, err := s.cached(ctx, assetID, modelID); err != nil || rec != nil {
		return rec, err
	}

	// The computation outlives any single caller so waiters still get the
	// result when the first requester goes away.
	ch := s.group.DoChan(assetID+"|"+modelID, func() (any, error) {
		return s.compute(context.WithoutCancel(ctx), assetID, modelID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.EmbeddingRecord), nil
	}
}

// cached returns the stored record when it was computed by modelID.
func (s *EmbeddingService) cached(ctx context.Context, assetID, modelID string) (*model.EmbeddingRecord, error) {
	rec, err := s.assets.GetEmbedding(ctx, assetID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.ModelIdentifier != modelID {
		return nil, nil
	}
	return rec, nil
}

func (s *EmbeddingService) compute(ctx context.Context, assetID, modelID string) (*model.EmbeddingRecord, error) {
	// A previous flight may have finished between the cache check and here.
	if rec, err := s.cached(ctx, assetID, modelID); err != nil || rec != nil {
		return rec, err
	}

	data, err := s.assets.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vec, err := s.gateway.Embed(ctx, data)
	if err != nil {
		if errors.Is(err, model.ErrDecode) {
			if markErr := s.assets.MarkInvalid(ctx, assetID); markErr != nil {
				s.log.Error().Err(markErr).Str("asset_id", assetID).Msg("failed to mark asset invalid")
			}
		}
		return nil, fmt.Errorf("%w: %w", model.ErrEmbeddingCompute, err)
	}

	rec := &model.EmbeddingRecord{
		AssetID:         assetID,
		Vector:          vec,
		Dimension:       len(vec),
		ModelIdentifier: modelID,
		ComputedAt:      time.Now().UTC(),
	}
	if err := s.assets.PutEmbedding(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.assets.MarkEmbedded(ctx, assetID); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("asset_id", assetID).
		Str("model", modelID).
		Int("dimension", rec.Dimension).
		Dur("took", time.Since(start)).
		Msg("embedding computed")
	return rec, nil
}
