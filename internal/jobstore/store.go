package jobstore

import (
	"context"

	"github.com/levitate/musicgen/internal/model"
)

// Store persists generation jobs.
type Store interface {
	// Create saves a new job. An existing id is overwritten.
	Create(ctx context.Context, job *model.GenerationJob) error

	// Get returns a job or model.ErrNotFound.
	Get(ctx context.Context, jobID string) (*model.GenerationJob, error)

	// Update applies fn to the current job and saves the result atomically.
	// When fn returns an error nothing is written and the error is returned.
	Update(ctx context.Context, jobID string, fn func(*model.GenerationJob) error) (*model.GenerationJob, error)

	// ListByAsset returns the ids of jobs conditioned on an asset.
	ListByAsset(ctx context.Context, assetID string) ([]string, error)

	// List returns all jobs.
	List(ctx context.Context) ([]*model.GenerationJob, error)

	// Delete removes a job. Unknown ids are a no-op.
	Delete(ctx context.Context, jobID string) error
}
