package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type        string    `json:"type"`
	JobID       string    `json:"job_id"`
	Progress    int       `json:"progress_percent"`
	Status      JobStatus `json:"status"`
	CurrentStep string    `json:"current_step,omitempty"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id"`
	DownloadURL string `json:"download_url"`
}

// WSErrorMessage represents a job failure
type WSErrorMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"job_id"`
	Error JobError `json:"error"`
}
