package service

import (
	"context"

	"github.com/levitate/musicgen/internal/audio"
	"github.com/levitate/musicgen/internal/model"
)

// ModelGateway is the admission-controlled path to the models
type ModelGateway interface {
	Embed(ctx context.Context, audio []byte) ([]float32, error)
	Generate(ctx context.Context, audio []byte, params model.GenerationParams, progress func(int)) ([]byte, error)
	EmbeddingModelID() string
}

// TaskRunner schedules job execution off the request path
type TaskRunner interface {
	Enqueue(ctx context.Context, jobID string) error
}

// TaskTracker reports whether a job still has a task that will run or is
// running on an out-of-process runner.
type TaskTracker interface {
	Scheduled(ctx context.Context, jobID string) (bool, error)
}

// FeatureExtractor computes audio descriptors
type FeatureExtractor interface {
	Extract(ctx context.Context, data []byte, format model.AudioFormat) (*model.AudioFeatures, error)
}

// Prober reads stream properties of uploaded audio
type Prober interface {
	Probe(ctx context.Context, data []byte, format model.AudioFormat) (*audio.Info, error)
}
