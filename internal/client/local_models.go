package client

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/levitate/musicgen/internal/audio"
	"github.com/levitate/musicgen/internal/model"
)

// Identifiers of the in-process models
const (
	LocalEmbeddingModelID  = "local/energy-envelope"
	LocalGenerationModelID = "local/contour-synth"
)

// LocalEmbedder is the in-process embedding model used when no inference
// sidecar is configured. The vector is the L2-normalized energy envelope of
// the signal sampled at Dimension points.
type LocalEmbedder struct {
	prober    *audio.Prober
	dimension int
}

// NewLocalEmbedder creates a local embedding model
func NewLocalEmbedder(prober *audio.Prober, dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 512
	}
	return &LocalEmbedder{prober: prober, dimension: dimension}
}

// Embed decodes audio and returns its envelope vector
func (e *LocalEmbedder) Embed(ctx context.Context, data []byte) ([]float32, error) {
	pcm, err := e.prober.Decode(ctx, data, "")
	if err != nil {
		return nil, err
	}
	if len(pcm.Samples) == 0 {
		return nil, fmt.Errorf("%w: empty signal", model.ErrDecode)
	}

	vec := make([]float32, e.dimension)
	n := len(pcm.Samples)
	for i := range vec {
		start := i * n / e.dimension
		end := (i + 1) * n / e.dimension
		if end <= start {
			end = start + 1
		}
		if end > n {
			end = n
			start = end - 1
		}
		var sum float64
		for _, s := range pcm.Samples[start:end] {
			sum += float64(s) * float64(s)
		}
		vec[i] = float32(math.Sqrt(sum / float64(end-start)))
	}
	return normalize(vec), nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		u := float32(1 / math.Sqrt(float64(len(vec))))
		for i := range vec {
			vec[i] = u
		}
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

const (
	synthFrame  = 0.1 // seconds per control frame
	synthChunks = 10
	minPitch    = 110.0
	maxPitch    = 880.0
)

// LocalGenerator is the in-process generation model used when no inference
// sidecar is configured. It renders a tone that follows the pitch contour
// and loudness envelope of the conditioning audio.
type LocalGenerator struct {
	prober     *audio.Prober
	sampleRate int
	stepDelay  time.Duration
}

// NewLocalGenerator creates a local generation model producing audio at
// sampleRate. stepDelay paces the progress steps.
func NewLocalGenerator(prober *audio.Prober, sampleRate int, stepDelay time.Duration) *LocalGenerator {
	if sampleRate <= 0 {
		sampleRate = 32000
	}
	return &LocalGenerator{prober: prober, sampleRate: sampleRate, stepDelay: stepDelay}
}

// Generate renders params.Duration seconds of audio conditioned on data
func (g *LocalGenerator) Generate(ctx context.Context, data []byte, params model.GenerationParams, progress func(int)) ([]byte, error) {
	pcm, err := g.prober.Decode(ctx, data, "")
	if err != nil {
		return nil, err
	}
	if len(pcm.Samples) == 0 {
		return nil, fmt.Errorf("%w: empty signal", model.ErrDecode)
	}
	if params.Duration <= 0 {
		return nil, fmt.Errorf("unsupported duration %d", params.Duration)
	}

	contour, envelope := g.conditioning(pcm)

	// cfg_coef pulls the pitch toward the source contour, temperature widens
	// the vibrato.
	follow := math.Min(params.CFGCoef/10, 1)
	vibrato := 0.002 * params.Temperature
	base := median(contour)

	total := params.Duration * g.sampleRate
	frameLen := int(synthFrame * float64(g.sampleRate))
	out := make([]float32, total)
	phase := 0.0
	chunk := (total + synthChunks - 1) / synthChunks

	for c := 0; c < synthChunks; c++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		start := c * chunk
		end := min(start+chunk, total)
		for i := start; i < end; i++ {
			frame := (i / frameLen) % len(contour)
			freq := base + (contour[frame]-base)*follow
			t := float64(i) / float64(g.sampleRate)
			freq *= 1 + vibrato*math.Sin(2*math.Pi*5*t)
			phase += 2 * math.Pi * freq / float64(g.sampleRate)
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
			amp := 0.1 + 0.5*envelope[frame]
			out[i] = float32(amp * math.Sin(phase))
		}

		if progress != nil {
			progress((c + 1) * 100 / synthChunks)
		}
		if g.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.stepDelay):
			}
		}
	}

	return audio.EncodeWAV(out, g.sampleRate)
}

// conditioning returns the per-frame pitch estimate and the normalized
// loudness envelope of the source.
func (g *LocalGenerator) conditioning(pcm *audio.PCM) ([]float64, []float64) {
	frameLen := int(synthFrame * float64(pcm.SampleRate))
	if frameLen < 2 {
		frameLen = 2
	}
	rms := audio.FrameRMS(pcm.Samples, frameLen)

	contour := make([]float64, len(rms))
	for f := range rms {
		start := f * frameLen
		end := min(start+frameLen, len(pcm.Samples))
		crossings := 0
		for i := start + 1; i < end; i++ {
			if (pcm.Samples[i-1] >= 0) != (pcm.Samples[i] >= 0) {
				crossings++
			}
		}
		hz := float64(crossings) / float64(end-start) * float64(pcm.SampleRate) / 2
		contour[f] = math.Max(minPitch, math.Min(maxPitch, hz))
	}

	peak := 0.0
	for _, v := range rms {
		peak = math.Max(peak, v)
	}
	envelope := make([]float64, len(rms))
	for i, v := range rms {
		if peak > 0 {
			envelope[i] = v / peak
		}
	}
	return contour, envelope
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return minPitch
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}
