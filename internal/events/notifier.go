package events

import "github.com/levitate/musicgen/internal/model"

// Notifier receives job lifecycle events. Implementations must not block.
type Notifier interface {
	JobProgress(jobID string, progress int, status model.JobStatus, step string)
	JobCompleted(job *model.GenerationJob)
	JobFailed(jobID string, reason model.JobError)
}

// Multi fans events out to every non-nil notifier.
type Multi []Notifier

// NewMulti drops nil entries.
func NewMulti(notifiers ...Notifier) Multi {
	var m Multi
	for _, n := range notifiers {
		if n != nil {
			m = append(m, n)
		}
	}
	return m
}

func (m Multi) JobProgress(jobID string, progress int, status model.JobStatus, step string) {
	for _, n := range m {
		n.JobProgress(jobID, progress, status, step)
	}
}

func (m Multi) JobCompleted(job *model.GenerationJob) {
	for _, n := range m {
		n.JobCompleted(job)
	}
}

func (m Multi) JobFailed(jobID string, reason model.JobError) {
	for _, n := range m {
		n.JobFailed(jobID, reason)
	}
}

// DownloadURL is the public path of a job's generated audio.
func DownloadURL(jobID string) string {
	return "/api/download/" + jobID
}
