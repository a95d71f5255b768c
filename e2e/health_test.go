package e2e

import (
	"net/http"
	"testing"
)

func TestHealth(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", result["status"])
	}
	if result["version"] == nil {
		t.Error("expected version")
	}
	models, ok := result["models_loaded"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected models_loaded object, got %v", result["models_loaded"])
	}
	if models["generation"] != false {
		t.Errorf("expected generation model not loaded before first use, got %v", models["generation"])
	}
	services, ok := result["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected services object, got %v", result["services"])
	}
	if services["asset_store"] != "ok" {
		t.Errorf("expected asset_store ok, got %v", services["asset_store"])
	}
}

func TestRoot(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["health"] != "/health" {
		t.Errorf("expected health link, got %v", result["health"])
	}
}

func TestUnknownRoute(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/api/nothing-here", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
	if code := errorCode(t, resp); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestWebSocket_RequiresUpgrade(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/ws/jobs/abc", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUpgradeRequired)
}
