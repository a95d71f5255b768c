package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	TaskTypeGenerate = "generate:process"
	QueueGenerate    = "generate"
)

type generatePayload struct {
	JobID string `json:"jobId"`
}

// NewGenerateTask builds the asynq task for a generation job
func NewGenerateTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(generatePayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGenerate, data), nil
}

// AsynqRunner schedules jobs on a Redis-backed asynq queue. The task id is
// the job id, so a job cannot be queued twice, and tasks are never retried.
type AsynqRunner struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func NewAsynqRunner(client *asynq.Client, inspector *asynq.Inspector) *AsynqRunner {
	return &AsynqRunner{client: client, inspector: inspector}
}

// Enqueue schedules a job
func (r *AsynqRunner) Enqueue(ctx context.Context, jobID string) error {
	task, err := NewGenerateTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = r.client.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.Queue(QueueGenerate),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return ErrAlreadyScheduled
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Scheduled reports whether the job's task is queued or running. Archived,
// completed and unknown tasks will never execute the job.
func (r *AsynqRunner) Scheduled(ctx context.Context, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := r.inspector.GetTaskInfo(QueueGenerate, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect task: %w", err)
	}
	switch info.State {
	case asynq.TaskStateActive, asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return true, nil
	default:
		return false, nil
	}
}

// NewAsynqServer creates the asynq server consuming generation tasks with
// slots concurrent workers. Shutdown waits up to shutdownTimeout for running
// generations so an in-flight job can reach a terminal state.
func NewAsynqServer(opt asynq.RedisClientOpt, slots int, shutdownTimeout time.Duration, logLevel string, log zerolog.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:     slots,
		ShutdownTimeout: shutdownTimeout,
		Queues: map[string]int{
			QueueGenerate: 1,
		},
		Logger:   asynqLogger{log: log.With().Str("component", "asynq").Logger()},
		LogLevel: asynqLogLevel(logLevel),
	})
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// asynqLogger routes asynq logs to zerolog
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
