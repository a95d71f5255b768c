package main

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/jobstore"
	"github.com/levitate/musicgen/internal/storage"
)

// stores are the persistent dependencies shared by serve and cleanup
type stores struct {
	assets  *storage.AssetStore
	jobs    jobstore.Store
	redis   *redis.Client
	redisOK bool
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	assets, err := storage.Open(ctx, cfg.Storage.DataDir, log)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	s := &stores{assets: assets, redis: redisClient}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available")
	} else {
		s.redisOK = true
	}

	switch {
	case cfg.Jobs.Store == "redis" && s.redisOK:
		s.jobs = jobstore.NewRedisStore(redisClient, cfg.Jobs.TTL)
	case cfg.Jobs.Store == "redis":
		log.Warn().Msg("falling back to in-memory job store")
		s.jobs = jobstore.NewMemoryStore()
	default:
		s.jobs = jobstore.NewMemoryStore()
	}

	log.Info().
		Str("data_dir", cfg.Storage.DataDir).
		Bool("redis", s.redisOK).
		Str("job_store", cfg.Jobs.Store).
		Msg("stores opened")
	return s, nil
}

func (s *stores) Close() error {
	return errors.Join(s.redis.Close(), s.assets.Close())
}
