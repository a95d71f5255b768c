package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/audio"
	"github.com/levitate/musicgen/internal/client"
	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/gateway"
	"github.com/levitate/musicgen/internal/handler"
	"github.com/levitate/musicgen/internal/jobstore"
	"github.com/levitate/musicgen/internal/middleware"
	"github.com/levitate/musicgen/internal/service"
	"github.com/levitate/musicgen/internal/storage"
	ws "github.com/levitate/musicgen/internal/websocket"
	"github.com/levitate/musicgen/internal/worker"
)

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	assets *storage.AssetStore
	jobs   jobstore.Store
	pool   *worker.Pool
}

type appOptions struct {
	slots int
	// generator replaces the in-process generation model when set
	generator gateway.Generator
}

// setupApp creates a Fiber app wired like the serve command, with in-process
// models, the in-memory job store and a miniredis-backed rate limiter.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	if opts.slots == 0 {
		opts.slots = 1
	}
	log := zerolog.Nop()

	assets, err := storage.Open(context.Background(), t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to open asset store: %v", err)
	}
	t.Cleanup(func() { assets.Close() })

	jobs := jobstore.NewMemoryStore()
	prober := audio.NewProber("ffprobe", "ffmpeg")

	generator := opts.generator
	if generator == nil {
		generator = client.NewLocalGenerator(prober, 32000, 0)
	}
	registry := gateway.NewRegistry(
		client.LocalEmbeddingModelID,
		func(context.Context) (gateway.Embedder, error) {
			return client.NewLocalEmbedder(prober, 64), nil
		},
		client.LocalGenerationModelID,
		func(context.Context) (gateway.Generator, error) {
			return generator, nil
		},
	)
	gw := gateway.New(registry, 1, 1, log)

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	pool := worker.NewPool(opts.slots, log)
	uploadCfg := &config.UploadConfig{
		MaxFileSize:       50 * 1024 * 1024,
		AllowedExtensions: []string{"mp3", "wav", "flac", "m4a", "ogg"},
		MinDuration:       1,
		MaxDuration:       300,
	}

	embeddings := service.NewEmbeddingService(assets, gw, log)
	uploads := service.NewUploadService(assets, prober, embeddings, uploadCfg, log)
	analysis := service.NewAnalysisService(assets, audio.NewAnalyzer(prober), log)
	generation := service.NewGenerationService(assets, jobs, gw, pool, hub, time.Minute, log)
	retention := service.NewRetentionService(assets, generation, log)

	pool.Start(ctx, worker.NewGenerationWorker(generation, log).Handle)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = pool.Stop(stopCtx)
		cancel()
	})

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    int(uploadCfg.MaxFileSize) + 1<<20,
	})

	// Use very high rate limits so tests don't get blocked
	handler.Register(app, &handler.Handlers{
		Assets:   handler.NewAssetHandler(uploads, embeddings, analysis, retention, uploadCfg.MaxFileSize),
		Generate: handler.NewGenerateHandler(generation),
		Health: handler.NewHealthHandler(gw, map[string]handler.Check{
			"asset_store": assets.Ping,
		}),
	}, rateLimiter, hub, config.RateLimitConfig{UploadPerHour: 10000, GeneratePerHour: 10000})

	return &testApp{app: app, assets: assets, jobs: jobs, pool: pool}
}

// toneWAV renders a mono sine tone as WAV bytes.
func toneWAV(t *testing.T, seconds float64, sampleRate int) []byte {
	t.Helper()
	samples := make([]float32, int(seconds*float64(sampleRate)))
	for i := range samples {
		envelope := 0.5 + 0.5*math.Sin(2*math.Pi*0.5*float64(i)/float64(sampleRate))
		samples[i] = float32(0.5 * envelope * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	data, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("failed to encode wav: %v", err)
	}
	return data
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doUpload posts a multipart upload with the given file name and content.
func doUpload(t *testing.T, app *fiber.App, filename string, data []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	_, _ = part.Write(data)
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/api/upload", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	return resp
}

// uploadTone uploads a tone and returns the new asset id.
func uploadTone(t *testing.T, app *fiber.App, seconds float64) string {
	t.Helper()
	resp := doUpload(t, app, "melody.wav", toneWAV(t, seconds, 44100))
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	id, _ := result["asset_id"].(string)
	if id == "" {
		t.Fatalf("expected asset_id in upload response: %v", result)
	}
	return id
}

// submitJob starts a generation job and returns its id.
func submitJob(t *testing.T, app *fiber.App, assetID, body string) string {
	t.Helper()
	resp, err := doRequest(app, http.MethodPost, "/api/generate/"+assetID, body, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	result := parseJSON(t, resp)
	id, _ := result["job_id"].(string)
	if id == "" {
		t.Fatalf("expected job_id in response: %v", result)
	}
	return id
}

// waitForStatus polls the job until it reaches want.
func waitForStatus(t *testing.T, app *fiber.App, jobID, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := doRequest(app, http.MethodGet, "/api/status/"+jobID, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		result := parseJSON(t, resp)
		if result["status"] == want {
			return result
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not reach %s, last status: %v", jobID, want, result)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error response.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	errObj, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object, got %v", result)
	}
	code, _ := errObj["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
