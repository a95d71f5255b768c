package model

import "time"

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Generation defaults
const (
	DefaultDuration    = 30
	DefaultTemperature = 0.8
	DefaultTopK        = 250
	DefaultTopP        = 0.9
	DefaultCFGCoef     = 3.0
)

// GenerationParams are the resolved sampling parameters of a job
type GenerationParams struct {
	Duration    int     `json:"duration" validate:"min=5,max=120,step5"`
	Temperature float64 `json:"temperature" validate:"min=0.1,max=2"`
	TopK        int     `json:"top_k" validate:"min=0,max=500"`
	TopP        float64 `json:"top_p" validate:"min=0,max=1"`
	CFGCoef     float64 `json:"cfg_coef" validate:"min=1,max=10"`
}

// GenerateRequest represents the body of POST /api/generate/:assetId.
// Omitted fields take the generation defaults.
type GenerateRequest struct {
	Duration    *int     `json:"duration" validate:"omitempty,min=5,max=120,step5"`
	Temperature *float64 `json:"temperature" validate:"omitempty,min=0.1,max=2"`
	TopK        *int     `json:"top_k" validate:"omitempty,min=0,max=500"`
	TopP        *float64 `json:"top_p" validate:"omitempty,min=0,max=1"`
	CFGCoef     *float64 `json:"cfg_coef" validate:"omitempty,min=1,max=10"`
}

// Params resolves the request against the defaults.
func (r *GenerateRequest) Params() GenerationParams {
	p := GenerationParams{
		Duration:    DefaultDuration,
		Temperature: DefaultTemperature,
		TopK:        DefaultTopK,
		TopP:        DefaultTopP,
		CFGCoef:     DefaultCFGCoef,
	}
	if r == nil {
		return p
	}
	if r.Duration != nil {
		p.Duration = *r.Duration
	}
	if r.Temperature != nil {
		p.Temperature = *r.Temperature
	}
	if r.TopK != nil {
		p.TopK = *r.TopK
	}
	if r.TopP != nil {
		p.TopP = *r.TopP
	}
	if r.CFGCoef != nil {
		p.CFGCoef = *r.CFGCoef
	}
	return p
}

// GenerationJob is a single conditioned generation request and its lifecycle
type GenerationJob struct {
	ID             string           `json:"job_id"`
	SourceAssetID  string           `json:"asset_id"`
	Parameters     GenerationParams `json:"parameters"`
	Status         JobStatus        `json:"status"`
	Progress       int              `json:"progress_percent"`
	CurrentStep    string           `json:"current_step,omitempty"`
	ResultLocation string           `json:"result_location,omitempty"`
	Error          *JobError        `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// GenerateResponse represents the response for POST /api/generate/:assetId
type GenerateResponse struct {
	JobID         string    `json:"job_id"`
	AssetID       string    `json:"asset_id"`
	Status        JobStatus `json:"status"`
	EstimatedTime int       `json:"estimated_time"`
	CreatedAt     time.Time `json:"created_at"`
}

// JobStatusResponse represents the response for GET /api/status/:jobId
type JobStatusResponse struct {
	JobID       string     `json:"job_id"`
	AssetID     string     `json:"asset_id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress_percent"`
	CurrentStep string     `json:"current_step,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJobStatusResponse projects a job onto its public status view.
func NewJobStatusResponse(j *GenerationJob) *JobStatusResponse {
	return &JobStatusResponse{
		JobID:       j.ID,
		AssetID:     j.SourceAssetID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
