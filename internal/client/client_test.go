package client

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levitate/musicgen/internal/audio"
	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/model"
)

func toneWAV(t *testing.T, seconds float64, sampleRate int) []byte {
	t.Helper()
	samples := make([]float32, int(seconds*float64(sampleRate)))
	for i := range samples {
		samples[i] = 0.4 * float32(math.Sin(2*math.Pi*330*float64(i)/float64(sampleRate)))
	}
	data, err := audio.EncodeWAV(samples, sampleRate)
	require.NoError(t, err)
	return data
}

func newSidecarClient(url string) *InferenceClient {
	return NewInferenceClient(
		&config.InferenceConfig{ServiceURL: url, Timeout: 5, PollInterval: time.Millisecond},
		&config.ModelsConfig{EmbeddingID: "clap", GenerationID: "musicgen-melody"},
		zerolog.Nop(),
	)
}

func TestInferenceClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "clap", r.URL.Query().Get("model"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("audio-bytes"), body)
		json.NewEncoder(w).Encode(EmbedResponse{Embedding: []float32{0.6, 0.8}, Dimension: 2, Model: "clap"})
	}))
	defer srv.Close()

	c := newSidecarClient(srv.URL)
	assert.True(t, c.IsConfigured())

	vec, err := c.Embed(context.Background(), []byte("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, vec)
}

func TestInferenceClient_GeneratePollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "musicgen-melody", req.Model)
		assert.Equal(t, 30, req.Parameters.Duration)
		json.NewEncoder(w).Encode(GenerateTaskResponse{TaskID: "task-1", Status: "queued"})
	})
	mux.HandleFunc("/generate/task-1", func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		status := GenerateTaskStatus{TaskID: "task-1", Status: "running", Progress: int(n) * 25}
		if n >= 3 {
			status.Status = "succeeded"
		}
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/generate/task-1/audio", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFFxxxxWAVE"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var progress []int
	out, err := newSidecarClient(srv.URL).Generate(context.Background(), []byte("src"),
		model.GenerationParams{Duration: 30, Temperature: 0.8, TopK: 250, TopP: 0.9, CFGCoef: 3},
		func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFxxxxWAVE"), out)
	assert.Equal(t, []int{25, 50}, progress)
}

func TestInferenceClient_DecodeFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cannot decode", http.StatusUnprocessableEntity)
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(GenerateTaskResponse{TaskID: "bad"})
	})
	mux.HandleFunc("/generate/bad", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(GenerateTaskStatus{TaskID: "bad", Status: "failed", Error: "corrupt", ErrorKind: "decode"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newSidecarClient(srv.URL)
	_, err := c.Embed(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, model.ErrDecode)

	_, err = c.Generate(context.Background(), []byte("x"), model.GenerationParams{Duration: 5}, nil)
	assert.ErrorIs(t, err, model.ErrDecode)
}

func TestInferenceClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newSidecarClient(srv.URL).Extract(context.Background(), []byte("x"), model.FormatWAV)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.NotErrorIs(t, err, model.ErrDecode)
}

func TestInferenceClient_Unconfigured(t *testing.T) {
	c := newSidecarClient("")
	assert.False(t, c.IsConfigured())
}

func TestLocalEmbedder_NormalizedAndDeterministic(t *testing.T) {
	e := NewLocalEmbedder(audio.NewProber("", ""), 64)
	src := toneWAV(t, 2, 16000)

	a, err := e.Embed(context.Background(), src)
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, a, 64)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestLocalEmbedder_RejectsGarbage(t *testing.T) {
	e := NewLocalEmbedder(audio.NewProber("", "ffmpeg-not-installed"), 8)
	_, err := e.Embed(context.Background(), []byte("RIFF\x00\x00\x00\x00WAVEjunk"))
	assert.ErrorIs(t, err, model.ErrDecode)
}

func TestLocalGenerator_OutputFormat(t *testing.T) {
	g := NewLocalGenerator(audio.NewProber("", ""), 32000, 0)

	var progress []int
	out, err := g.Generate(context.Background(), toneWAV(t, 3, 44100),
		model.GenerationParams{Duration: 5, Temperature: 0.8, TopK: 250, TopP: 0.9, CFGCoef: 3},
		func(p int) { progress = append(progress, p) })
	require.NoError(t, err)

	pcm, err := audio.DecodeWAV(out)
	require.NoError(t, err)
	assert.Equal(t, 32000, pcm.SampleRate)
	assert.InDelta(t, 5.0, pcm.Duration(), 0.01)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
}

func TestLocalGenerator_Cancelled(t *testing.T) {
	g := NewLocalGenerator(audio.NewProber("", ""), 32000, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, toneWAV(t, 1, 16000), model.GenerationParams{Duration: 10, CFGCoef: 3}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
