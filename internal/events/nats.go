package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/model"
)

// JobEvent is the payload published for every job transition.
type JobEvent struct {
	Type        string          `json:"type"`
	JobID       string          `json:"job_id"`
	AssetID     string          `json:"asset_id,omitempty"`
	Status      model.JobStatus `json:"status"`
	Progress    int             `json:"progress_percent"`
	CurrentStep string          `json:"current_step,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
	Error       *model.JobError `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Publisher publishes job events to NATS subjects of the form
// <prefix>.<job_id>.<progress|completed|failed>.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewPublisher creates a Publisher on an open connection.
func NewPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = "musicgen.jobs"
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		log:    log.With().Str("component", "nats_publisher").Logger(),
	}
}

// Subject returns the subject an event kind is published on.
func (p *Publisher) Subject(jobID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, jobID, kind)
}

func (p *Publisher) JobProgress(jobID string, progress int, status model.JobStatus, step string) {
	p.publish(p.Subject(jobID, "progress"), &JobEvent{
		Type:        model.WSMessageTypeProgress,
		JobID:       jobID,
		Status:      status,
		Progress:    progress,
		CurrentStep: step,
	})
}

func (p *Publisher) JobCompleted(job *model.GenerationJob) {
	p.publish(p.Subject(job.ID, "completed"), &JobEvent{
		Type:        model.WSMessageTypeComplete,
		JobID:       job.ID,
		AssetID:     job.SourceAssetID,
		Status:      job.Status,
		Progress:    job.Progress,
		DownloadURL: DownloadURL(job.ID),
	})
}

func (p *Publisher) JobFailed(jobID string, reason model.JobError) {
	p.publish(p.Subject(jobID, "failed"), &JobEvent{
		Type:   model.WSMessageTypeError,
		JobID:  jobID,
		Status: model.JobStatusFailed,
		Error:  &reason,
	})
}

func (p *Publisher) publish(subject string, event *JobEvent) {
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("failed to marshal job event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish job event")
	}
}
