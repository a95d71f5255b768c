package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestUpload_Success(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp := doUpload(t, ta.app, "melody.wav", toneWAV(t, 42, 44100))
	assertStatus(t, resp, http.StatusCreated)

	result := parseJSON(t, resp)
	if result["asset_id"] == "" || result["asset_id"] == nil {
		t.Fatal("expected asset_id")
	}
	if result["filename"] != "melody.wav" {
		t.Errorf("expected filename melody.wav, got %v", result["filename"])
	}
	if d, _ := result["duration"].(float64); d < 41.9 || d > 42.1 {
		t.Errorf("expected duration ~42, got %v", result["duration"])
	}
	if result["sample_rate"] != float64(44100) {
		t.Errorf("expected sample_rate 44100, got %v", result["sample_rate"])
	}
	if result["status"] != "uploaded" {
		t.Errorf("expected status uploaded, got %v", result["status"])
	}
}

func TestUpload_InvalidFormat(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp := doUpload(t, ta.app, "notes.txt", []byte("not audio at all"))
	assertStatus(t, resp, http.StatusBadRequest)
	if code := errorCode(t, resp); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}

	assets, err := ta.assets.List(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 0 {
		t.Errorf("expected no stored assets, got %d", len(assets))
	}
}

func TestUpload_CorruptWAV(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp := doUpload(t, ta.app, "broken.wav", []byte("RIFF\x00\x00\x00\x00WAVEjunk"))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestUpload_TooShort(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp := doUpload(t, ta.app, "blip.wav", toneWAV(t, 0.5, 16000))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestUpload_MissingFile(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodPost, "/api/upload", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestEmbedding_ComputedOnceAndCached(t *testing.T) {
	ta := setupApp(t, appOptions{})
	assetID := uploadTone(t, ta.app, 5)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/embedding/"+assetID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	first := parseJSON(t, resp)

	if first["dimension"] != float64(64) {
		t.Errorf("expected dimension 64, got %v", first["dimension"])
	}
	if vec, _ := first["embedding"].([]interface{}); len(vec) != 64 {
		t.Errorf("expected 64 values, got %d", len(vec))
	}
	if first["model_used"] != "local/energy-envelope" {
		t.Errorf("unexpected model_used %v", first["model_used"])
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/embedding/"+assetID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	second := parseJSON(t, resp)
	if first["created_at"] != second["created_at"] {
		t.Errorf("expected cached embedding, created_at changed from %v to %v", first["created_at"], second["created_at"])
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/analyze/"+assetID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	analysis := parseJSON(t, resp)
	if analysis["status"] != "embedded" {
		t.Errorf("expected asset status embedded, got %v", analysis["status"])
	}
	if analysis["embedding_available"] != true {
		t.Errorf("expected embedding_available true")
	}
}

func TestEmbedding_UnknownAsset(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/api/embedding/does-not-exist", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestAnalyze_Success(t *testing.T) {
	ta := setupApp(t, appOptions{})
	assetID := uploadTone(t, ta.app, 4)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/analyze/"+assetID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["asset_id"] != assetID {
		t.Errorf("expected asset_id %s, got %v", assetID, result["asset_id"])
	}
	if result["embedding_available"] != false {
		t.Errorf("expected embedding_available false before any embedding request")
	}
	features, ok := result["features"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected features object, got %v", result["features"])
	}
	if rms, _ := features["rms_energy"].(float64); rms <= 0 {
		t.Errorf("expected positive rms_energy, got %v", features["rms_energy"])
	}
	if features["energy_level"] == "" {
		t.Error("expected energy_level")
	}
}

func TestDeleteAsset_RemovesJobs(t *testing.T) {
	ta := setupApp(t, appOptions{})
	assetID := uploadTone(t, ta.app, 3)
	jobID := submitJob(t, ta.app, assetID, `{"duration": 5}`)
	waitForStatus(t, ta.app, jobID, "completed")

	resp, err := doRequest(ta.app, http.MethodDelete, "/api/assets/"+assetID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNoContent)

	for _, path := range []string{
		"/api/analyze/" + assetID,
		"/api/status/" + jobID,
		"/api/download/" + jobID,
	} {
		resp, err := doRequest(ta.app, http.MethodGet, path, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusNotFound)
	}

	// Deleting again is a no-op
	resp, err = doRequest(ta.app, http.MethodDelete, "/api/assets/"+assetID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNoContent)
}
