package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/levitate/musicgen/internal/model"
)

// Gateway is the only path to the models. Each model sits behind its own
// admission gate; waiters are admitted in FIFO order and a slot is held until
// the model call returns, even when the caller has stopped waiting for it.
type Gateway struct {
	registry  *Registry
	embedGate *semaphore.Weighted
	genGate   *semaphore.Weighted
	log       zerolog.Logger
}

// New creates a Gateway admitting up to embedConcurrency embedding calls and
// genConcurrency generation calls at a time.
func New(registry *Registry, embedConcurrency, genConcurrency int, log zerolog.Logger) *Gateway {
	if embedConcurrency < 1 {
		embedConcurrency = 1
	}
	if genConcurrency < 1 {
		genConcurrency = 1
	}
	return &Gateway{
		registry:  registry,
		embedGate: semaphore.NewWeighted(int64(embedConcurrency)),
		genGate:   semaphore.NewWeighted(int64(genConcurrency)),
		log:       log.With().Str("component", "model_gateway").Logger(),
	}
}

// EmbeddingModelID returns the identifier cached embeddings are keyed by.
func (g *Gateway) EmbeddingModelID() string {
	return g.registry.EmbeddingModelID()
}

// Loaded reports which models are resident.
func (g *Gateway) Loaded() map[string]bool {
	return g.registry.Loaded()
}

// Embed runs the embedding model on audio.
func (g *Gateway) Embed(ctx context.Context, audio []byte) ([]float32, error) {
	if err := g.embedGate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for embedding model: %w", err)
	}
	defer g.embedGate.Release(1)

	m, err := g.registry.Embedder(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrModelInference, err)
	}

	vec, err := m.Embed(ctx, audio)
	if err != nil {
		return nil, inferenceError("embedding", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: embedding model returned an empty vector", model.ErrModelInference)
	}
	return vec, nil
}

// Generate runs the generation model conditioned on audio. progress receives
// strictly increasing percentages and is called with 100 right before a
// successful return.
func (g *Gateway) Generate(ctx context.Context, audio []byte, params model.GenerationParams, progress func(int)) ([]byte, error) {
	if err := g.genGate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for generation model: %w", err)
	}
	defer g.genGate.Release(1)

	m, err := g.registry.Generator(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrModelInference, err)
	}

	report := monotonic(progress)
	out, err := m.Generate(ctx, audio, params, func(p int) {
		if p > 99 {
			p = 99
		}
		report(p)
	})
	if err != nil {
		return nil, inferenceError("generation", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: generation model returned no audio", model.ErrModelInference)
	}

	report(100)
	return out, nil
}

func inferenceError(kind string, err error) error {
	if errors.Is(err, model.ErrModelInference) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrModelInference, kind, err)
}

// monotonic wraps fn so it only sees increasing values in [0, 100].
func monotonic(fn func(int)) func(int) {
	if fn == nil {
		return func(int) {}
	}
	var (
		mu   sync.Mutex
		last = -1
	)
	return func(p int) {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		mu.Lock()
		defer mu.Unlock()
		if p <= last {
			return
		}
		last = p
		fn(p)
	}
}
