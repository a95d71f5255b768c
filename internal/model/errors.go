package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrNotReady         = errors.New("job not ready")
	ErrJobFailed        = errors.New("job failed")
	ErrDecode           = errors.New("audio could not be decoded")
	ErrModelInference   = errors.New("model inference failed")
	ErrEmbeddingCompute = errors.New("embedding computation failed")
	ErrStorageWrite     = errors.New("storage write failed")
	ErrTimeout          = errors.New("job timed out")
)

// Job error codes stored on failed jobs
const (
	JobErrorDecode         = "DECODE_ERROR"
	JobErrorModelInference = "MODEL_INFERENCE_ERROR"
	JobErrorStorageWrite   = "STORAGE_WRITE_ERROR"
	JobErrorTimeout        = "TIMEOUT"
	JobErrorSourceNotFound = "SOURCE_NOT_FOUND"
	JobErrorInternal       = "INTERNAL_ERROR"
)

// JobError is the structured failure reason of a failed job
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobFailedError is returned when the result of a failed job is requested.
type JobFailedError struct {
	JobID  string
	Reason JobError
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s: %s", e.JobID, e.Reason.Code, e.Reason.Message)
}

func (e *JobFailedError) Is(target error) bool {
	return target == ErrJobFailed
}
