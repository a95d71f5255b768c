package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/internal/storage"
)

// AnalysisService extracts descriptors of stored assets
type AnalysisService struct {
	assets    *storage.AssetStore
	extractor FeatureExtractor
	log       zerolog.Logger
}

func NewAnalysisService(assets *storage.AssetStore, extractor FeatureExtractor, log zerolog.Logger) *AnalysisService {
	return &AnalysisService{
		assets:    assets,
		extractor: extractor,
		log:       log.With().Str("component", "analysis").Logger(),
	}
}

// Analyze returns asset metadata together with its audio features
func (s *AnalysisService) Analyze(ctx context.Context, assetID string) (*model.AnalyzeResponse, error) {
	asset, err := s.assets.GetMetadata(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status == model.AssetStatusInvalid {
		return nil, fmt.Errorf("asset %s: %w", assetID, model.ErrDecode)
	}

	data, err := s.assets.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}

	features, err := s.extractor.Extract(ctx, data, asset.Format)
	if err != nil {
		if errors.Is(err, model.ErrDecode) {
			if markErr := s.assets.MarkInvalid(ctx, assetID); markErr != nil {
				s.log.Error().Err(markErr).Str("asset_id", assetID).Msg("failed to mark asset invalid")
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: feature extraction: %w", model.ErrModelInference, err)
	}

	_, embErr := s.assets.GetEmbedding(ctx, assetID)
	if embErr != nil && !errors.Is(embErr, model.ErrNotFound) {
		return nil, embErr
	}

	return &model.AnalyzeResponse{
		AssetID:            asset.ID,
		Filename:           asset.OriginalFilename,
		Duration:           asset.Duration,
		SampleRate:         asset.SampleRate,
		Channels:           asset.Channels,
		FileSize:           asset.ByteSize,
		Format:             asset.Format,
		Status:             asset.Status,
		EmbeddingAvailable: embErr == nil,
		Features:           features,
	}, nil
}
