package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-audio/wav"

	"github.com/levitate/musicgen/internal/model"
)

const decodeSampleRate = 32000

// ErrToolUnavailable is returned when an external media tool is not installed.
var ErrToolUnavailable = errors.New("media tool unavailable")

// Info describes the stream properties of an audio file.
type Info struct {
	Duration   float64
	SampleRate int
	Channels   int
}

// Prober reads stream properties of uploaded audio. WAV is handled natively,
// other containers go through ffprobe.
type Prober struct {
	FFprobe string
	FFmpeg  string
}

// NewProber creates a Prober using the given binaries.
func NewProber(ffprobe, ffmpeg string) *Prober {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Prober{FFprobe: ffprobe, FFmpeg: ffmpeg}
}

// Probe returns stream properties. Undecodable input yields model.ErrDecode.
func (p *Prober) Probe(ctx context.Context, data []byte, format model.AudioFormat) (*Info, error) {
	if format == model.FormatWAV {
		return probeWAV(data)
	}
	return p.ffprobe(ctx, data)
}

func probeWAV(data []byte) (*Info, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav stream", model.ErrDecode)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	frameSize := int(dec.NumChans) * int(dec.BitDepth) / 8
	if frameSize == 0 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: missing wav format", model.ErrDecode)
	}
	frames := float64(dec.PCMSize) / float64(frameSize)
	return &Info{
		Duration:   frames / float64(dec.SampleRate),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *Prober) ffprobe(ctx context.Context, data []byte) (*Info, error) {
	if _, err := exec.LookPath(p.FFprobe); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, p.FFprobe)
	}

	cmd := exec.CommandContext(ctx, p.FFprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		"-i", "pipe:0",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe: %s", model.ErrDecode, strings.TrimSpace(stderr.String()))
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse ffprobe output: %v", model.ErrDecode, err)
	}

	for _, stream := range parsed.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		sampleRate, _ := strconv.Atoi(stream.SampleRate)
		duration, err := strconv.ParseFloat(stream.Duration, 64)
		if err != nil {
			duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
		}
		if sampleRate == 0 {
			break
		}
		return &Info{
			Duration:   duration,
			SampleRate: sampleRate,
			Channels:   stream.Channels,
		}, nil
	}
	return nil, fmt.Errorf("%w: no audio stream found", model.ErrDecode)
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Decode returns mono PCM. WAV is decoded natively, anything else is
// transcoded by ffmpeg to 16-bit mono at decodeSampleRate. An empty format
// is sniffed from the header.
func (p *Prober) Decode(ctx context.Context, data []byte, format model.AudioFormat) (*PCM, error) {
	if format == model.FormatWAV || (format == "" && IsWAV(data)) {
		return DecodeWAV(data)
	}
	if _, err := exec.LookPath(p.FFmpeg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, p.FFmpeg)
	}

	cmd := exec.CommandContext(ctx, p.FFmpeg,
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(decodeSampleRate),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %s", model.ErrDecode, strings.TrimSpace(stderr.String()))
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("%w: ffmpeg produced no samples", model.ErrDecode)
	}

	samples := make([]float32, len(out)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(out[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return &PCM{Samples: samples, SampleRate: decodeSampleRate, Channels: 1}, nil
}
