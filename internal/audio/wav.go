package audio

import (
	"bytes"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/levitate/musicgen/internal/model"
)

// PCM is decoded audio downmixed to mono and scaled to [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the length of the signal in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// DecodeWAV decodes a PCM WAV stream.
func DecodeWAV(data []byte) (*PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav stream", model.ErrDecode)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels == 0 || buf.Format.SampleRate == 0 {
		return nil, fmt.Errorf("%w: missing wav format", model.ErrDecode)
	}

	channels := buf.Format.NumChannels
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth == 0 {
		return nil, fmt.Errorf("%w: unknown bit depth", model.ErrDecode)
	}
	scale := float32(int64(1) << uint(bitDepth-1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		samples[i] = sum / float32(channels)
	}

	return &PCM{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   channels,
	}, nil
}

// EncodeWAV encodes mono samples in [-1, 1] as a 16-bit PCM WAV.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	// The encoder needs to seek back to patch the header sizes.
	tmp, err := os.CreateTemp("", "musicgen-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc := wav.NewEncoder(tmp, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize wav: %w", err)
	}

	return os.ReadFile(tmp.Name())
}
