package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Jobs       JobsConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Models     ModelsConfig
	Inference  InferenceConfig
	Generation GenerationConfig
	Upload     UploadConfig
	RateLimit  RateLimitConfig
	NATS       NATSConfig
	Tools      ToolsConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type StorageConfig struct {
	DataDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JobsConfig struct {
	Store string        // "redis" or "memory"
	TTL   time.Duration // zero keeps jobs until their asset is deleted
}

type QueueConfig struct {
	Backend string // "local" or "asynq"
}

type WorkerConfig struct {
	Slots int
}

type ModelsConfig struct {
	EmbeddingID           string
	GenerationID          string
	EmbeddingConcurrency  int
	GenerationConcurrency int
	OutputSampleRate      int
	EmbeddingDimension    int
}

type InferenceConfig struct {
	ServiceURL   string
	Timeout      int // seconds
	PollInterval time.Duration
}

type GenerationConfig struct {
	JobTimeout time.Duration
}

type UploadConfig struct {
	MaxFileSize       int64
	AllowedExtensions []string
	MinDuration       float64
	MaxDuration       float64
	WarmEmbedding     bool
}

type RateLimitConfig struct {
	UploadPerHour   int
	GeneratePerHour int
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type ToolsConfig struct {
	FFprobe string
	FFmpeg  string
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	readSecret("REDIS_PASSWORD")
	readSecret("INFERENCE_SERVICE_URL")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("storage.data_dir", "DATA_DIR")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jobs.store", "JOB_STORE")
	_ = viper.BindEnv("jobs.ttl_hours", "JOB_TTL_HOURS")
	_ = viper.BindEnv("queue.backend", "QUEUE_BACKEND")
	_ = viper.BindEnv("worker.slots", "WORKER_SLOTS")
	_ = viper.BindEnv("models.embedding_id", "EMBEDDING_MODEL")
	_ = viper.BindEnv("models.generation_id", "GENERATION_MODEL")
	_ = viper.BindEnv("models.embedding_concurrency", "EMBEDDING_CONCURRENCY")
	_ = viper.BindEnv("models.generation_concurrency", "GENERATION_CONCURRENCY")
	_ = viper.BindEnv("models.output_sample_rate", "OUTPUT_SAMPLE_RATE")
	_ = viper.BindEnv("models.embedding_dimension", "EMBEDDING_DIMENSION")
	_ = viper.BindEnv("inference.service_url", "INFERENCE_SERVICE_URL")
	_ = viper.BindEnv("inference.timeout", "INFERENCE_TIMEOUT")
	_ = viper.BindEnv("inference.poll_interval_ms", "INFERENCE_POLL_INTERVAL_MS")
	_ = viper.BindEnv("generation.job_timeout_seconds", "JOB_TIMEOUT_SECONDS")
	_ = viper.BindEnv("upload.max_file_size", "MAX_FILE_SIZE")
	_ = viper.BindEnv("upload.allowed_extensions", "ALLOWED_EXTENSIONS")
	_ = viper.BindEnv("upload.warm_embedding", "WARM_EMBEDDING")
	_ = viper.BindEnv("ratelimit.upload_per_hour", "RATELIMIT_UPLOAD_PER_HOUR")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("nats.url", "NATS_URL")
	_ = viper.BindEnv("nats.subject_prefix", "NATS_SUBJECT_PREFIX")
	_ = viper.BindEnv("tools.ffprobe", "FFPROBE_BIN")
	_ = viper.BindEnv("tools.ffmpeg", "FFMPEG_BIN")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("storage.data_dir", "data")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jobs.store", "redis")
	viper.SetDefault("jobs.ttl_hours", 0)
	viper.SetDefault("queue.backend", "local")
	viper.SetDefault("worker.slots", 1)

	// Model defaults
	viper.SetDefault("models.embedding_id", "laion/clap-htsat-unfused")
	viper.SetDefault("models.generation_id", "facebook/musicgen-melody")
	viper.SetDefault("models.embedding_concurrency", 1)
	viper.SetDefault("models.generation_concurrency", 1)
	viper.SetDefault("models.output_sample_rate", 32000)
	viper.SetDefault("models.embedding_dimension", 512)

	viper.SetDefault("inference.service_url", "")
	viper.SetDefault("inference.timeout", 600)
	viper.SetDefault("inference.poll_interval_ms", 1000)
	viper.SetDefault("generation.job_timeout_seconds", 900)

	// Upload defaults
	viper.SetDefault("upload.max_file_size", 50*1024*1024) // 50MB
	viper.SetDefault("upload.allowed_extensions", []string{"mp3", "wav", "flac", "m4a", "ogg"})
	viper.SetDefault("upload.min_duration", 1.0)
	viper.SetDefault("upload.max_duration", 300.0)
	viper.SetDefault("upload.warm_embedding", false)

	viper.SetDefault("ratelimit.upload_per_hour", 50)
	viper.SetDefault("ratelimit.generate_per_hour", 20)
	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.subject_prefix", "musicgen.jobs")
	viper.SetDefault("tools.ffprobe", "ffprobe")
	viper.SetDefault("tools.ffmpeg", "ffmpeg")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Storage: StorageConfig{
			DataDir: viper.GetString("storage.data_dir"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Jobs: JobsConfig{
			Store: strings.ToLower(viper.GetString("jobs.store")),
			TTL:   time.Duration(viper.GetInt("jobs.ttl_hours")) * time.Hour,
		},
		Queue: QueueConfig{
			Backend: strings.ToLower(viper.GetString("queue.backend")),
		},
		Worker: WorkerConfig{
			Slots: viper.GetInt("worker.slots"),
		},
		Models: ModelsConfig{
			EmbeddingID:           viper.GetString("models.embedding_id"),
			GenerationID:          viper.GetString("models.generation_id"),
			EmbeddingConcurrency:  viper.GetInt("models.embedding_concurrency"),
			GenerationConcurrency: viper.GetInt("models.generation_concurrency"),
			OutputSampleRate:      viper.GetInt("models.output_sample_rate"),
			EmbeddingDimension:    viper.GetInt("models.embedding_dimension"),
		},
		Inference: InferenceConfig{
			ServiceURL:   viper.GetString("inference.service_url"),
			Timeout:      viper.GetInt("inference.timeout"),
			PollInterval: time.Duration(viper.GetInt("inference.poll_interval_ms")) * time.Millisecond,
		},
		Generation: GenerationConfig{
			JobTimeout: time.Duration(viper.GetInt("generation.job_timeout_seconds")) * time.Second,
		},
		Upload: UploadConfig{
			MaxFileSize:       viper.GetInt64("upload.max_file_size"),
			AllowedExtensions: viper.GetStringSlice("upload.allowed_extensions"),
			MinDuration:       viper.GetFloat64("upload.min_duration"),
			MaxDuration:       viper.GetFloat64("upload.max_duration"),
			WarmEmbedding:     viper.GetBool("upload.warm_embedding"),
		},
		RateLimit: RateLimitConfig{
			UploadPerHour:   viper.GetInt("ratelimit.upload_per_hour"),
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
		},
		NATS: NATSConfig{
			URL:           viper.GetString("nats.url"),
			SubjectPrefix: viper.GetString("nats.subject_prefix"),
		},
		Tools: ToolsConfig{
			FFprobe: viper.GetString("tools.ffprobe"),
			FFmpeg:  viper.GetString("tools.ffmpeg"),
		},
	}

	if cfg.Worker.Slots < 1 {
		cfg.Worker.Slots = 1
	}
	if cfg.Models.EmbeddingConcurrency < 1 {
		cfg.Models.EmbeddingConcurrency = 1
	}
	if cfg.Models.GenerationConcurrency < 1 {
		cfg.Models.GenerationConcurrency = 1
	}

	return cfg, nil
}
