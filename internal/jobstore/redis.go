package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/levitate/musicgen/internal/model"
)

const (
	jobKeyPrefix = "job:"
	maxTxRetries = 16
)

// RedisStore keeps jobs as JSON documents, optionally with a TTL.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore creates a RedisStore. A non-positive ttl keeps jobs until
// they are deleted. Generated results are owned by their asset, so an expired
// job never strands its output.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{redis: client, ttl: ttl}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func assetJobsKey(assetID string) string {
	return fmt.Sprintf("asset:%s:jobs", assetID)
}

// Create saves a new job
func (s *RedisStore) Create(ctx context.Context, job *model.GenerationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, s.ttl)
		pipe.SAdd(ctx, assetJobsKey(job.SourceAssetID), job.ID)
		if s.ttl > 0 {
			pipe.Expire(ctx, assetJobsKey(job.SourceAssetID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Get returns a job by id
func (s *RedisStore) Get(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	return s.get(ctx, s.redis, jobID)
}

func (s *RedisStore) get(ctx context.Context, cmd redis.Cmdable, jobID string) (*model.GenerationJob, error) {
	data, err := cmd.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job model.GenerationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update runs fn inside an optimistic WATCH transaction, retrying when
// another writer touched the job in between.
func (s *RedisStore) Update(ctx context.Context, jobID string, fn func(*model.GenerationJob) error) (*model.GenerationJob, error) {
	key := jobKey(jobID)
	var updated *model.GenerationJob

	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update job %s: too much contention", jobID)
}

// ListByAsset returns the job ids of an asset
func (s *RedisStore) ListByAsset(ctx context.Context, assetID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, assetJobsKey(assetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list asset jobs: %w", err)
	}
	return ids, nil
}

// List scans every job key
func (s *RedisStore) List(ctx context.Context) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	iter := s.redis.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		jobID := iter.Val()[len(jobKeyPrefix):]
		job, err := s.Get(ctx, jobID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a job and its asset index entry
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(jobID))
		pipe.SRem(ctx, assetJobsKey(job.SourceAssetID), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
