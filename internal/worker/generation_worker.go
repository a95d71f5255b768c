package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Executor runs one generation job to completion
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// GenerationWorker adapts the orchestrator to both task runners
type GenerationWorker struct {
	exec Executor
	log  zerolog.Logger
}

func NewGenerationWorker(exec Executor, log zerolog.Logger) *GenerationWorker {
	return &GenerationWorker{
		exec: exec,
		log:  log.With().Str("component", "generation_worker").Logger(),
	}
}

// Handle is the Pool handler
func (w *GenerationWorker) Handle(ctx context.Context, jobID string) error {
	return w.exec.Execute(ctx, jobID)
}

// ProcessTask handles asynq generation tasks
func (w *GenerationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload generatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	w.log.Debug().Str("job_id", payload.JobID).Msg("task received")
	return w.exec.Execute(ctx, payload.JobID)
}

// Mux returns an asynq mux routing generation tasks to the worker
func (w *GenerationWorker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeGenerate, w.ProcessTask)
	return mux
}
