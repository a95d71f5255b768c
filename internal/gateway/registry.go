package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/levitate/musicgen/internal/model"
)

// Embedder computes an embedding vector from raw audio bytes.
type Embedder interface {
	Embed(ctx context.Context, audio []byte) ([]float32, error)
}

// Generator produces audio conditioned on raw audio bytes. progress may be
// called any number of times with a percentage.
type Generator interface {
	Generate(ctx context.Context, audio []byte, params model.GenerationParams, progress func(int)) ([]byte, error)
}

// Registry owns the process-wide model instances. Each model is loaded once,
// on first use; a failed load is retried on the next call.
type Registry struct {
	embeddingID  string
	generationID string
	embedder     lazy[Embedder]
	generator    lazy[Generator]
}

// NewRegistry creates a registry from model identifiers and their loaders.
func NewRegistry(
	embeddingID string,
	loadEmbedder func(ctx context.Context) (Embedder, error),
	generationID string,
	loadGenerator func(ctx context.Context) (Generator, error),
) *Registry {
	return &Registry{
		embeddingID:  embeddingID,
		generationID: generationID,
		embedder:     lazy[Embedder]{load: loadEmbedder},
		generator:    lazy[Generator]{load: loadGenerator},
	}
}

// EmbeddingModelID returns the identifier of the embedding model.
func (r *Registry) EmbeddingModelID() string {
	return r.embeddingID
}

// GenerationModelID returns the identifier of the generation model.
func (r *Registry) GenerationModelID() string {
	return r.generationID
}

// Embedder returns the embedding model, loading it if needed.
func (r *Registry) Embedder(ctx context.Context) (Embedder, error) {
	m, err := r.embedder.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding model %s: %w", r.embeddingID, err)
	}
	return m, nil
}

// Generator returns the generation model, loading it if needed.
func (r *Registry) Generator(ctx context.Context) (Generator, error) {
	m, err := r.generator.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load generation model %s: %w", r.generationID, err)
	}
	return m, nil
}

// Loaded reports which models are resident.
func (r *Registry) Loaded() map[string]bool {
	return map[string]bool{
		"embedding":  r.embedder.ready.Load(),
		"generation": r.generator.ready.Load(),
	}
}

type lazy[T any] struct {
	mu    sync.Mutex
	load  func(ctx context.Context) (T, error)
	val   T
	ready atomic.Bool
}

func (l *lazy[T]) get(ctx context.Context) (T, error) {
	if l.ready.Load() {
		return l.val, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready.Load() {
		return l.val, nil
	}
	v, err := l.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.val = v
	l.ready.Store(true)
	return v, nil
}
