package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/events"
	"github.com/levitate/musicgen/internal/jobstore"
	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/internal/storage"
	"github.com/levitate/musicgen/internal/worker"
)

// Job steps reported in current_step
const (
	StepQueued     = "queued"
	StepLoading    = "loading source audio"
	StepGenerating = "generating"
	StepSaving     = "saving result"
	StepCompleted  = "completed"
	StepFailed     = "failed"
)

// maxRunningProgress is the highest progress a job reports before its result
// is stored. Only completion sets 100.
const maxRunningProgress = 99

// estimatedOverhead is added to the requested duration for estimated_time.
const estimatedOverhead = 30

// errStale aborts a job update whose precondition no longer holds.
var errStale = errors.New("stale job update")

// GenerationService owns the generation job lifecycle:
// pending -> processing -> completed | failed. Jobs are never retried.
type GenerationService struct {
	assets    *storage.AssetStore
	jobs      jobstore.Store
	gateway   ModelGateway
	runner    TaskRunner
	notifier  events.Notifier
	validator *validator.Validate
	timeout   time.Duration
	log       zerolog.Logger

	// generations tracks model calls that may outlive Execute after a timeout.
	generations sync.WaitGroup
}

func NewGenerationService(
	assets *storage.AssetStore,
	jobs jobstore.Store,
	gateway ModelGateway,
	runner TaskRunner,
	notifier events.Notifier,
	timeout time.Duration,
	log zerolog.Logger,
) *GenerationService {
	if notifier == nil {
		notifier = events.NewMulti()
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &GenerationService{
		assets:    assets,
		jobs:      jobs,
		gateway:   gateway,
		runner:    runner,
		notifier:  notifier,
		validator: model.NewValidator(),
		timeout:   timeout,
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
}

// Submit validates a generation request, persists a pending job and hands it
// to the task runner. It does not wait for the model.
func (s *GenerationService) Submit(ctx context.Context, assetID string, params model.GenerationParams) (*model.GenerationJob, error) {
	asset, err := s.assets.GetMetadata(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status == model.AssetStatusInvalid {
		return nil, fmt.Errorf("asset %s cannot be used for generation: %w", assetID, model.ErrDecode)
	}
	if err := s.validator.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}

	job := &model.GenerationJob{
		ID:            uuid.New().String(),
		SourceAssetID: assetID,
		Parameters:    params,
		Status:        model.JobStatusPending,
		CurrentStep:   StepQueued,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.runner.Enqueue(ctx, job.ID); err != nil {
		if delErr := s.jobs.Delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			s.log.Error().Err(delErr).Str("job_id", job.ID).Msg("failed to remove unscheduled job")
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("asset_id", assetID).
		Int("duration", params.Duration).
		Msg("generation job submitted")
	return job, nil
}

// EstimatedTime returns the expected seconds until a job completes.
func EstimatedTime(params model.GenerationParams) int {
	return params.Duration + estimatedOverhead
}

// Status returns the current job record
func (s *GenerationService) Status(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	return s.jobs.Get(ctx, jobID)
}

// Download returns the generated audio of a completed job
func (s *GenerationService) Download(ctx context.Context, jobID string) ([]byte, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.JobStatusCompleted:
		return s.assets.GetResult(ctx, job.ResultLocation)
	case model.JobStatusFailed:
		reason := model.JobError{Code: model.JobErrorInternal, Message: "job failed"}
		if job.Error != nil {
			reason = *job.Error
		}
		return nil, &model.JobFailedError{JobID: jobID, Reason: reason}
	default:
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, model.ErrNotReady)
	}
}

// Execute runs a pending job to a terminal state. It is called by the task
// runner. Failures are recorded on the job; the returned error only reports
// that the job store itself could not be reached.
func (s *GenerationService) Execute(ctx context.Context, jobID string) error {
	job, err := s.jobs.Update(ctx, jobID, func(j *model.GenerationJob) error {
		if j.Status != model.JobStatusPending {
			return errStale
		}
		now := time.Now().UTC()
		j.Status = model.JobStatusProcessing
		j.StartedAt = &now
		j.CurrentStep = StepLoading
		return nil
	})
	if errors.Is(err, errStale) {
		s.log.Debug().Str("job_id", jobID).Msg("job already claimed")
		return nil
	}
	if errors.Is(err, model.ErrNotFound) {
		s.log.Warn().Str("job_id", jobID).Msg("job vanished before execution")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}

	log := s.log.With().Str("job_id", jobID).Str("asset_id", job.SourceAssetID).Logger()
	log.Info().Msg("generation started")
	s.notifier.JobProgress(jobID, job.Progress, job.Status, job.CurrentStep)

	// The job owns its deadline. Shutdown of the caller does not abort a
	// running generation.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	s.generations.Add(1)
	go func() {
		defer s.generations.Done()
		data, err := s.generate(runCtx, job)
		done <- outcome{data: data, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out.err = runCtx.Err()
	}

	if out.err != nil {
		reason := s.classify(runCtx, job, out.err)
		log.Warn().Err(out.err).Str("code", reason.Code).Msg("generation failed")
		return s.fail(jobID, reason)
	}
	return s.complete(job, out.data, log)
}

// Wait blocks until every model call started by Execute has returned, or ctx
// is done. A call abandoned after a timeout still reads the asset store.
func (s *GenerationService) Wait(ctx context.Context) error {
	return waitGroup(ctx, &s.generations)
}

func (s *GenerationService) generate(ctx context.Context, job *model.GenerationJob) ([]byte, error) {
	data, err := s.assets.Get(ctx, job.SourceAssetID)
	if err != nil {
		return nil, err
	}
	return s.gateway.Generate(ctx, data, job.Parameters, func(p int) {
		s.reportProgress(job.ID, p)
	})
}

// reportProgress raises progress_percent on a processing job. Lower values
// and updates after the job left processing are dropped. Running jobs stay
// below 100 so a job that fails while saving never reads as finished.
func (s *GenerationService) reportProgress(jobID string, progress int) {
	progress = min(progress, maxRunningProgress)
	job, err := s.jobs.Update(context.Background(), jobID, func(j *model.GenerationJob) error {
		if j.Status != model.JobStatusProcessing || progress <= j.Progress {
			return errStale
		}
		j.Progress = progress
		j.CurrentStep = StepGenerating
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to record progress")
		}
		return
	}
	s.notifier.JobProgress(jobID, job.Progress, job.Status, job.CurrentStep)
}

func (s *GenerationService) complete(src *model.GenerationJob, data []byte, log zerolog.Logger) error {
	ctx := context.Background()
	jobID := src.ID

	loc, err := s.assets.PutResult(ctx, jobID, src.SourceAssetID, data)
	if err != nil {
		log.Error().Err(err).Msg("failed to store result")
		return s.fail(jobID, model.JobError{Code: model.JobErrorStorageWrite, Message: err.Error()})
	}

	job, err := s.jobs.Update(ctx, jobID, func(j *model.GenerationJob) error {
		if j.Status != model.JobStatusProcessing {
			return errStale
		}
		now := time.Now().UTC()
		j.Status = model.JobStatusCompleted
		j.Progress = 100
		j.CurrentStep = StepCompleted
		j.ResultLocation = loc
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		// The job was failed or deleted meanwhile; its result must not linger.
		if delErr := s.assets.DeleteResult(ctx, jobID); delErr != nil {
			log.Error().Err(delErr).Msg("failed to remove orphaned result")
		}
		if errors.Is(err, errStale) || errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}

	log.Info().Int("bytes", len(data)).Msg("generation completed")
	s.notifier.JobCompleted(job)
	return nil
}

func (s *GenerationService) fail(jobID string, reason model.JobError) error {
	_, err := s.jobs.Update(context.Background(), jobID, func(j *model.GenerationJob) error {
		if j.Status.Terminal() {
			return errStale
		}
		now := time.Now().UTC()
		j.Status = model.JobStatusFailed
		j.CurrentStep = StepFailed
		j.Error = &reason
		j.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	s.notifier.JobFailed(jobID, reason)
	return nil
}

// classify maps an execution failure onto the stored job error.
func (s *GenerationService) classify(runCtx context.Context, job *model.GenerationJob, err error) model.JobError {
	switch {
	case errors.Is(err, model.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return model.JobError{
			Code:    model.JobErrorTimeout,
			Message: fmt.Sprintf("generation exceeded %s", s.timeout),
		}
	case errors.Is(err, model.ErrDecode):
		if markErr := s.assets.MarkInvalid(context.Background(), job.SourceAssetID); markErr != nil {
			s.log.Error().Err(markErr).Str("asset_id", job.SourceAssetID).Msg("failed to mark asset invalid")
		}
		return model.JobError{Code: model.JobErrorDecode, Message: err.Error()}
	case errors.Is(err, model.ErrNotFound):
		return model.JobError{Code: model.JobErrorSourceNotFound, Message: "source asset no longer exists"}
	case errors.Is(err, model.ErrStorageWrite):
		return model.JobError{Code: model.JobErrorStorageWrite, Message: err.Error()}
	case errors.Is(err, model.ErrModelInference):
		return model.JobError{Code: model.JobErrorModelInference, Message: err.Error()}
	default:
		return model.JobError{Code: model.JobErrorInternal, Message: err.Error()}
	}
}

// DeleteByAsset removes every job conditioned on an asset and their results.
func (s *GenerationService) DeleteByAsset(ctx context.Context, assetID string) (int, error) {
	ids, err := s.jobs.ListByAsset(ctx, assetID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if err := s.assets.DeleteResult(ctx, id); err != nil {
			return deleted, err
		}
		if err := s.jobs.Delete(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Recover reschedules pending jobs and fails jobs that were processing when
// the previous process stopped.
func (s *GenerationService) Recover(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.Status {
		case model.JobStatusPending:
			err := s.runner.Enqueue(ctx, job.ID)
			if err != nil && !errors.Is(err, worker.ErrAlreadyScheduled) {
				s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to reschedule job")
				continue
			}
			s.log.Info().Str("job_id", job.ID).Msg("pending job rescheduled")
		case model.JobStatusProcessing:
			if err := s.fail(job.ID, model.JobError{
				Code:    model.JobErrorInternal,
				Message: "job was interrupted by a service restart",
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reconcile settles jobs whose task was lost by an out-of-process runner.
// A processing job with no live task failed or was abandoned mid-run and is
// marked failed. A pending job older than grace with no live task is
// scheduled again, or failed when its task id is still held. It returns the
// number of jobs it changed.
func (s *GenerationService) Reconcile(ctx context.Context, tracker TaskTracker, grace time.Duration) (int, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-grace)
	changed := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		if job.Status == model.JobStatusPending && job.CreatedAt.After(cutoff) {
			continue
		}
		live, err := tracker.Scheduled(ctx, job.ID)
		if err != nil {
			return changed, err
		}
		if live {
			continue
		}

		log := s.log.With().Str("job_id", job.ID).Str("status", string(job.Status)).Logger()
		if job.Status == model.JobStatusPending {
			err := s.runner.Enqueue(ctx, job.ID)
			if err == nil {
				log.Info().Msg("pending job rescheduled")
				changed++
				continue
			}
			if !errors.Is(err, worker.ErrAlreadyScheduled) {
				log.Error().Err(err).Msg("failed to reschedule job")
				continue
			}
		}

		log.Warn().Msg("job has no live task")
		if err := s.fail(job.ID, model.JobError{
			Code:    model.JobErrorInternal,
			Message: "job was abandoned by the task runner",
		}); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (s *GenerationService) RunReconciler(ctx context.Context, tracker TaskTracker, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.Reconcile(ctx, tracker, grace); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("job reconciliation failed")
		} else if n > 0 {
			s.log.Info().Int("jobs", n).Msg("jobs reconciled")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
