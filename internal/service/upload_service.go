package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/audio"
	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/internal/storage"
)

// UploadService validates and stores uploaded audio
type UploadService struct {
	assets     *storage.AssetStore
	prober     Prober
	embeddings *EmbeddingService
	cfg        *config.UploadConfig
	log        zerolog.Logger

	warming sync.WaitGroup
}

// NewUploadService creates an UploadService. embeddings may be nil, in which
// case uploads are never warmed.
func NewUploadService(assets *storage.AssetStore, prober Prober, embeddings *EmbeddingService, cfg *config.UploadConfig, log zerolog.Logger) *UploadService {
	return &UploadService{
		assets:     assets,
		prober:     prober,
		embeddings: embeddings,
		cfg:        cfg,
		log:        log.With().Str("component", "upload").Logger(),
	}
}

// Upload validates an audio file and stores it as a new asset
func (s *UploadService) Upload(ctx context.Context, filename string, data []byte) (*model.AudioAsset, error) {
	format := model.FormatFromFilename(filename)
	if !slices.Contains(s.cfg.AllowedExtensions, string(format)) {
		return nil, fmt.Errorf("%w: unsupported file format %q, allowed: %v", model.ErrValidation, format, s.cfg.AllowedExtensions)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", model.ErrValidation)
	}
	if s.cfg.MaxFileSize > 0 && int64(len(data)) > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: file size %d exceeds limit of %d bytes", model.ErrValidation, len(data), s.cfg.MaxFileSize)
	}

	info, err := s.prober.Probe(ctx, data, format)
	if errors.Is(err, audio.ErrToolUnavailable) {
		return nil, fmt.Errorf("%w: %s files cannot be read on this server: %w", model.ErrValidation, format, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	if info.Duration < s.cfg.MinDuration || (s.cfg.MaxDuration > 0 && info.Duration > s.cfg.MaxDuration) {
		return nil, fmt.Errorf("%w: duration %.1fs outside allowed range %.0f-%.0fs",
			model.ErrValidation, info.Duration, s.cfg.MinDuration, s.cfg.MaxDuration)
	}

	asset, err := s.assets.Put(ctx, data, model.AssetMetadata{
		Filename:   filename,
		Format:     format,
		Duration:   info.Duration,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("asset_id", asset.ID).
		Str("format", string(format)).
		Float64("duration", asset.Duration).
		Int("sample_rate", asset.SampleRate).
		Msg("asset uploaded")

	if s.cfg.WarmEmbedding && s.embeddings != nil {
		s.warming.Add(1)
		go func(assetID string) {
			defer s.warming.Done()
			if _, err := s.embeddings.GetOrCompute(context.WithoutCancel(ctx), assetID); err != nil {
				s.log.Warn().Err(err).Str("asset_id", assetID).Msg("embedding warm-up failed")
			}
		}(asset.ID)
	}

	return asset, nil
}

// Wait blocks until embedding warm-ups started by Upload have finished, or
// ctx is done.
func (s *UploadService) Wait(ctx context.Context) error {
	return waitGroup(ctx, &s.warming)
}
