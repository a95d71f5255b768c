package e2e

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/levitate/musicgen/internal/audio"
	"github.com/levitate/musicgen/internal/model"
)

// blockingGenerator holds every generation until released.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *blockingGenerator) Generate(ctx context.Context, _ []byte, params model.GenerationParams, progress func(int)) ([]byte, error) {
	g.started <- struct{}{}
	progress(10)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return audio.EncodeWAV(make([]float32, params.Duration*8000), 8000)
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, []byte, model.GenerationParams, func(int)) ([]byte, error) {
	return nil, errors.New("cuda out of memory")
}

func TestGenerate_FullFlow(t *testing.T) {
	ta := setupApp(t, appOptions{})
	assetID := uploadTone(t, ta.app, 42)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/generate/"+assetID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	jobID, _ := result["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected job_id")
	}
	if result["asset_id"] != assetID {
		t.Errorf("expected asset_id %s, got %v", assetID, result["asset_id"])
	}
	if result["estimated_time"] != float64(60) {
		t.Errorf("expected estimated_time 60 for default duration, got %v", result["estimated_time"])
	}

	status := waitForStatus(t, ta.app, jobID, "completed")
	if status["progress_percent"] != float64(100) {
		t.Errorf("expected progress 100, got %v", status["progress_percent"])
	}
	if status["completed_at"] == nil {
		t.Error("expected completed_at")
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/download/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected audio/wav, got %s", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "generated_"+jobID+".wav") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	pcm, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("generated audio is not a valid wav: %v", err)
	}
	if pcm.SampleRate != 32000 {
		t.Errorf("expected 32000 Hz output, got %d", pcm.SampleRate)
	}
	if d := pcm.Duration(); d < 29.9 || d > 30.1 {
		t.Errorf("expected ~30s output, got %.2f", d)
	}
}

func TestGenerate_InvalidParameters(t *testing.T) {
	ta := setupApp(t, appOptions{})
	assetID := uploadTone(t, ta.app, 3)

	for _, body := range []string{
		`{"duration": 7}`,
		`{"duration": 200}`,
		`{"temperature": 0}`,
		`{"temperature": 5.0}`,
		`{"top_p": 1.5}`,
		`{"cfg_coef": 11}`,
		`{"duration": "long"}`,
	} {
		resp, err := doRequest(ta.app, http.MethodPost, "/api/generate/"+assetID, body, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
		if code := errorCode(t, resp); code != "VALIDATION_ERROR" {
			t.Errorf("body %s: expected VALIDATION_ERROR, got %s", body, code)
		}
	}

	jobs, err := ta.jobs.List(context.Background())
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs after rejected requests, got %d", len(jobs))
	}
}

func TestGenerate_UnknownAsset(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodPost, "/api/generate/does-not-exist", `{"duration": 10}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestGenerate_SingleSlotQueuesSecondJob(t *testing.T) {
	gen := newBlockingGenerator()
	ta := setupApp(t, appOptions{slots: 1, generator: gen})
	assetID := uploadTone(t, ta.app, 3)

	first := submitJob(t, ta.app, assetID, `{"duration": 5}`)
	<-gen.started
	second := submitJob(t, ta.app, assetID, `{"duration": 5}`)

	waitForStatus(t, ta.app, first, "processing")
	status := waitForStatus(t, ta.app, second, "pending")
	if status["progress_percent"] != float64(0) {
		t.Errorf("expected pending job at 0%%, got %v", status["progress_percent"])
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/api/download/"+first, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
	if code := errorCode(t, resp); code != "NOT_READY" {
		t.Errorf("expected NOT_READY, got %s", code)
	}

	close(gen.release)
	waitForStatus(t, ta.app, first, "completed")
	waitForStatus(t, ta.app, second, "completed")
}

func TestGenerate_FailedJob(t *testing.T) {
	ta := setupApp(t, appOptions{generator: failingGenerator{}})
	assetID := uploadTone(t, ta.app, 3)
	jobID := submitJob(t, ta.app, assetID, `{"duration": 5}`)

	status := waitForStatus(t, ta.app, jobID, "failed")
	errObj, ok := status["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error on failed job, got %v", status)
	}
	if errObj["code"] != model.JobErrorModelInference {
		t.Errorf("expected %s, got %v", model.JobErrorModelInference, errObj["code"])
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/api/download/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnprocessableEntity)
	if code := errorCode(t, resp); code != "JOB_FAILED" {
		t.Errorf("expected JOB_FAILED, got %s", code)
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	ta := setupApp(t, appOptions{})

	for _, path := range []string{"/api/status/nope", "/api/download/nope"} {
		resp, err := doRequest(ta.app, http.MethodGet, path, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusNotFound)
	}
}
