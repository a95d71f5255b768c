package audio

import (
	"context"
	"fmt"
	"math"

	"github.com/levitate/musicgen/internal/model"
)

const analysisFrameSize = 2048

// Analyzer extracts descriptors from audio in-process.
type Analyzer struct {
	prober *Prober
}

// NewAnalyzer creates an Analyzer decoding through prober.
func NewAnalyzer(prober *Prober) *Analyzer {
	return &Analyzer{prober: prober}
}

// Extract decodes data and computes its descriptors.
func (a *Analyzer) Extract(ctx context.Context, data []byte, format model.AudioFormat) (*model.AudioFeatures, error) {
	pcm, err := a.prober.Decode(ctx, data, format)
	if err != nil {
		return nil, err
	}
	return Features(pcm)
}

// Features computes RMS, peak, zero crossing rate, a spectral centroid
// estimate and frame dynamic range of a signal.
func Features(pcm *PCM) (*model.AudioFeatures, error) {
	n := len(pcm.Samples)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty signal", model.ErrDecode)
	}

	var sumSquares, peak float64
	crossings := 0
	for i, s := range pcm.Samples {
		v := float64(s)
		sumSquares += v * v
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
		if i > 0 && (pcm.Samples[i-1] >= 0) != (s >= 0) {
			crossings++
		}
	}
	rms := math.Sqrt(sumSquares / float64(n))
	zcr := float64(crossings) / float64(n)

	// For a dominant partial the crossing rate is 2f/sr.
	centroid := zcr * float64(pcm.SampleRate) / 2

	frames := FrameRMS(pcm.Samples, analysisFrameSize)
	loudest, quietest := 0.0, math.MaxFloat64
	for _, f := range frames {
		if f > loudest {
			loudest = f
		}
		if f > 1e-6 && f < quietest {
			quietest = f
		}
	}
	dynamicRange := 0.0
	if loudest > 0 && quietest < math.MaxFloat64 {
		dynamicRange = 20 * math.Log10(loudest/quietest)
	}

	return &model.AudioFeatures{
		RMSEnergy:        round(rms, 5),
		PeakAmplitude:    round(peak, 5),
		ZeroCrossingRate: round(zcr, 5),
		SpectralCentroid: round(centroid, 2),
		DynamicRangeDB:   round(dynamicRange, 2),
		EnergyLevel:      model.EnergyLevel(rms),
	}, nil
}

// FrameRMS splits samples into frames of size and returns the RMS of each.
func FrameRMS(samples []float32, size int) []float64 {
	if size <= 0 || len(samples) == 0 {
		return nil
	}
	out := make([]float64, 0, len(samples)/size+1)
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s) * float64(s)
		}
		out = append(out, math.Sqrt(sum/float64(end-start)))
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
