package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/model"
)

// Blob partitions under the data directory
const (
	UploadsPartition   = "uploads"
	GeneratedPartition = "generated"
)

const lockFile = ".lock"

// ErrLocked is returned by Open when another process holds the data directory.
var ErrLocked = errors.New("data directory is in use by another process")

// AssetStore owns uploaded audio, embedding records and generated outputs.
// Blobs live in a FileStore, metadata and embeddings in the SQLite catalog.
// The data directory is locked for the lifetime of the store.
type AssetStore struct {
	files   *FileStore
	catalog *Catalog
	lock    *flock.Flock
	log     zerolog.Logger
}

// Open creates the data directory layout, takes the directory lock and opens
// the catalog.
func Open(ctx context.Context, dataDir string, log zerolog.Logger) (*AssetStore, error) {
	files, err := NewFileStore(dataDir)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(dataDir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dataDir, ErrLocked)
	}

	for _, partition := range []string{UploadsPartition, GeneratedPartition} {
		if err := os.MkdirAll(filepath.Join(dataDir, partition), 0o755); err != nil {
			_ = lock.Unlock()
			return nil, fmt.Errorf("ensure %s partition: %w", partition, err)
		}
	}

	catalog, err := OpenCatalog(ctx, dataDir)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return &AssetStore{
		files:   files,
		catalog: catalog,
		lock:    lock,
		log:     log.With().Str("component", "asset_store").Logger(),
	}, nil
}

// Close closes the catalog and releases the directory lock.
func (s *AssetStore) Close() error {
	err := s.catalog.Close()
	if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// Ping checks that the catalog is reachable.
func (s *AssetStore) Ping(ctx context.Context) error {
	return s.catalog.Ping(ctx)
}

// Put stores a new asset and returns it with status uploaded.
func (s *AssetStore) Put(ctx context.Context, data []byte, meta model.AssetMetadata) (*model.AudioAsset, error) {
	id := uuid.New().String()
	key := path.Join(UploadsPartition, id+"."+string(meta.Format))

	loc, err := s.files.Write(ctx, key, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
	}

	now := time.Now().UTC()
	asset := &model.AudioAsset{
		ID:               id,
		OriginalFilename: meta.Filename,
		ByteSize:         int64(len(data)),
		Duration:         meta.Duration,
		SampleRate:       meta.SampleRate,
		Channels:         meta.Channels,
		Format:           meta.Format,
		StorageLocation:  loc,
		Status:           model.AssetStatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.catalog.InsertAsset(ctx, asset); err != nil {
		if delErr := s.files.Delete(context.WithoutCancel(ctx), loc); delErr != nil {
			s.log.Warn().Err(delErr).Str("key", loc).Msg("failed to remove orphaned upload")
		}
		return nil, fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
	}

	s.log.Debug().Str("asset_id", id).Int64("bytes", asset.ByteSize).Msg("asset stored")
	return asset, nil
}

// Get returns the raw bytes of an asset.
func (s *AssetStore) Get(ctx context.Context, assetID string) ([]byte, error) {
	asset, err := s.catalog.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	data, err := s.files.Read(ctx, asset.StorageLocation)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("asset %s bytes: %w", assetID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}
	return data, nil
}

// GetMetadata returns the catalog entry of an asset.
func (s *AssetStore) GetMetadata(ctx context.Context, assetID string) (*model.AudioAsset, error) {
	return s.catalog.GetAsset(ctx, assetID)
}

// List returns assets created before the cutoff, or all assets for a zero cutoff.
func (s *AssetStore) List(ctx context.Context, createdBefore time.Time) ([]*model.AudioAsset, error) {
	return s.catalog.ListAssets(ctx, createdBefore)
}

// Delete removes an asset, its bytes, its embedding and every generated
// output recorded against it. Unknown ids are a no-op.
func (s *AssetStore) Delete(ctx context.Context, assetID string) error {
	asset, err := s.catalog.GetAsset(ctx, assetID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	results, err := s.catalog.ListResultLocations(ctx, assetID)
	if err != nil {
		return err
	}
	for _, loc := range results {
		if err := s.files.Delete(ctx, loc); err != nil {
			return err
		}
	}
	if err := s.catalog.DeleteAsset(ctx, assetID); err != nil {
		return err
	}
	return s.files.Delete(ctx, asset.StorageLocation)
}

// MarkEmbedded moves an uploaded asset to embedded.
func (s *AssetStore) MarkEmbedded(ctx context.Context, assetID string) error {
	_, err := s.catalog.UpdateStatus(ctx, assetID, model.AssetStatusEmbedded)
	return err
}

// MarkInvalid flags an asset whose audio failed to decode.
func (s *AssetStore) MarkInvalid(ctx context.Context, assetID string) error {
	changed, err := s.catalog.UpdateStatus(ctx, assetID, model.AssetStatusInvalid)
	if err != nil {
		return err
	}
	if changed {
		s.log.Warn().Str("asset_id", assetID).Msg("asset marked invalid")
	}
	return nil
}

// PutEmbedding stores the embedding record of an asset.
func (s *AssetStore) PutEmbedding(ctx context.Context, rec *model.EmbeddingRecord) error {
	if err := s.catalog.UpsertEmbedding(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
	}
	return nil
}

// GetEmbedding returns the stored embedding of an asset.
func (s *AssetStore) GetEmbedding(ctx context.Context, assetID string) (*model.EmbeddingRecord, error) {
	return s.catalog.GetEmbedding(ctx, assetID)
}

// PutResult stores generated audio for a job conditioned on assetID and
// returns its location. The output is owned by the asset and goes away with it.
func (s *AssetStore) PutResult(ctx context.Context, jobID, assetID string, data []byte) (string, error) {
	loc, err := s.files.Write(ctx, path.Join(GeneratedPartition, jobID+".wav"), data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
	}
	if err := s.catalog.InsertResult(ctx, jobID, assetID, loc); err != nil {
		if delErr := s.files.Delete(context.WithoutCancel(ctx), loc); delErr != nil {
			s.log.Warn().Err(delErr).Str("key", loc).Msg("failed to remove unrecorded result")
		}
		return "", fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
	}
	return loc, nil
}

// GetResult returns generated audio by location.
func (s *AssetStore) GetResult(ctx context.Context, location string) ([]byte, error) {
	data, err := s.files.Read(ctx, location)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("result %s: %w", location, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	return data, nil
}

// DeleteResult removes the generated audio of a job. Jobs without a stored
// result are a no-op.
func (s *AssetStore) DeleteResult(ctx context.Context, jobID string) error {
	loc, err := s.catalog.GetResultLocation(ctx, jobID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.files.Delete(ctx, loc); err != nil {
		return err
	}
	return s.catalog.DeleteResult(ctx, jobID)
}
