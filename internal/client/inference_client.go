package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/model"
)

// InferenceClient talks to the model inference sidecar over HTTP. It serves
// as embedder, generator and feature extractor.
type InferenceClient struct {
	httpClient   *http.Client
	baseURL      string
	embeddingID  string
	generationID string
	pollInterval time.Duration
	log          zerolog.Logger
}

// EmbedResponse is returned by POST /embed
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
}

// GenerateTaskResponse is returned by POST /generate
type GenerateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// GenerateTaskStatus is returned by GET /generate/{id}
type GenerateTaskStatus struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"` // queued, running, succeeded, failed
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	// ErrorKind is "decode" when the sidecar could not read the input audio.
	ErrorKind string `json:"error_kind,omitempty"`
}

type generateRequest struct {
	Model      string                 `json:"model"`
	Audio      []byte                 `json:"audio"`
	Parameters model.GenerationParams `json:"parameters"`
}

// NewInferenceClient creates a new inference sidecar client
func NewInferenceClient(inf *config.InferenceConfig, models *config.ModelsConfig, log zerolog.Logger) *InferenceClient {
	timeout := time.Duration(inf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	poll := inf.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &InferenceClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(inf.ServiceURL, "/"),
		embeddingID:  models.EmbeddingID,
		generationID: models.GenerationID,
		pollInterval: poll,
		log:          log.With().Str("component", "inference_client").Logger(),
	}
}

// IsConfigured returns true if a sidecar URL is set
func (c *InferenceClient) IsConfigured() bool {
	return c != nil && c.baseURL != ""
}

// Health checks the sidecar health endpoint
func (c *InferenceClient) Health(ctx context.Context) error {
	var result map[string]any
	return c.get(ctx, "/health", &result)
}

// Embed posts raw audio to /embed
func (c *InferenceClient) Embed(ctx context.Context, audio []byte) ([]float32, error) {
	endpoint := "/embed?model=" + url.QueryEscape(c.embeddingID)
	var result EmbedResponse
	if err := c.postBytes(ctx, endpoint, audio, &result); err != nil {
		return nil, err
	}
	if result.Dimension != 0 && result.Dimension != len(result.Embedding) {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d values, declared %d", len(result.Embedding), result.Dimension)
	}
	return result.Embedding, nil
}

// Generate submits a generation task and polls it until it finishes,
// forwarding the sidecar's progress.
func (c *InferenceClient) Generate(ctx context.Context, audio []byte, params model.GenerationParams, progress func(int)) ([]byte, error) {
	var task GenerateTaskResponse
	if err := c.postJSON(ctx, "/generate", &generateRequest{
		Model:      c.generationID,
		Audio:      audio,
		Parameters: params,
	}, &task); err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		return nil, fmt.Errorf("sidecar returned no task id")
	}

	if err := c.pollGeneration(ctx, task.TaskID, progress); err != nil {
		return nil, err
	}

	return c.getBytes(ctx, fmt.Sprintf("/generate/%s/audio", url.PathEscape(task.TaskID)))
}

func (c *InferenceClient) pollGeneration(ctx context.Context, taskID string, progress func(int)) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	endpoint := fmt.Sprintf("/generate/%s", url.PathEscape(taskID))
	for {
		var status GenerateTaskStatus
		if err := c.get(ctx, endpoint, &status); err != nil {
			return err
		}

		switch status.Status {
		case "succeeded":
			return nil
		case "failed":
			if status.ErrorKind == "decode" {
				return fmt.Errorf("%w: %s", model.ErrDecode, status.Error)
			}
			return fmt.Errorf("generation task %s failed: %s", taskID, status.Error)
		}
		if progress != nil {
			progress(status.Progress)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Extract posts raw audio to /analyze and returns the descriptors
func (c *InferenceClient) Extract(ctx context.Context, audio []byte, format model.AudioFormat) (*model.AudioFeatures, error) {
	endpoint := "/analyze?format=" + url.QueryEscape(string(format))
	var result model.AudioFeatures
	if err := c.postBytes(ctx, endpoint, audio, &result); err != nil {
		return nil, err
	}
	if result.EnergyLevel == "" {
		result.EnergyLevel = model.EnergyLevel(result.RMSEnergy)
	}
	return &result, nil
}

func (c *InferenceClient) postJSON(ctx context.Context, endpoint string, body any, result any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, result)
}

func (c *InferenceClient) postBytes(ctx context.Context, endpoint string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.doJSON(req, result)
}

func (c *InferenceClient) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doJSON(req, result)
}

func (c *InferenceClient) getBytes(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *InferenceClient) doJSON(req *http.Request, result any) error {
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// do executes a request and returns the body of a 2xx response
func (c *InferenceClient) do(req *http.Request) ([]byte, error) {
	c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("inference request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().Int("status", resp.StatusCode).Str("url", req.URL.String()).Int("bytes", len(body)).Msg("inference response")

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: %s", model.ErrDecode, truncate(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inference service error (status %d): %s", resp.StatusCode, truncate(body))
	}
	return body, nil
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
