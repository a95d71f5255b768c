package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/levitate/musicgen/internal/audio"
	"github.com/levitate/musicgen/internal/client"
	"github.com/levitate/musicgen/internal/events"
	"github.com/levitate/musicgen/internal/gateway"
	"github.com/levitate/musicgen/internal/handler"
	"github.com/levitate/musicgen/internal/middleware"
	"github.com/levitate/musicgen/internal/service"
	ws "github.com/levitate/musicgen/internal/websocket"
	"github.com/levitate/musicgen/internal/worker"
)

const (
	shutdownTimeout   = 30 * time.Second
	reconcileInterval = time.Minute
	reconcileGrace    = time.Minute
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and generation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(parent context.Context, cc *commandContext) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log := cc.cfg, cc.log

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// Models
	prober := audio.NewProber(cfg.Tools.FFprobe, cfg.Tools.FFmpeg)
	inference := client.NewInferenceClient(&cfg.Inference, &cfg.Models, log)

	var (
		registry  *gateway.Registry
		extractor service.FeatureExtractor
	)
	if inference.IsConfigured() {
		registry = gateway.NewRegistry(
			cfg.Models.EmbeddingID,
			func(ctx context.Context) (gateway.Embedder, error) {
				if err := inference.Health(ctx); err != nil {
					return nil, err
				}
				return inference, nil
			},
			cfg.Models.GenerationID,
			func(ctx context.Context) (gateway.Generator, error) {
				if err := inference.Health(ctx); err != nil {
					return nil, err
				}
				return inference, nil
			},
		)
		extractor = inference
	} else {
		log.Warn().Msg("INFERENCE_SERVICE_URL not set, using in-process models")
		registry = gateway.NewRegistry(
			client.LocalEmbeddingModelID,
			func(context.Context) (gateway.Embedder, error) {
				return client.NewLocalEmbedder(prober, cfg.Models.EmbeddingDimension), nil
			},
			client.LocalGenerationModelID,
			func(context.Context) (gateway.Generator, error) {
				return client.NewLocalGenerator(prober, cfg.Models.OutputSampleRate, 0), nil
			},
		)
		extractor = audio.NewAnalyzer(prober)
	}
	gw := gateway.New(registry, cfg.Models.EmbeddingConcurrency, cfg.Models.GenerationConcurrency, log)

	// Notifications
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	notifiers := []events.Notifier{hub}
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("musicgen"), nats.MaxReconnects(-1))
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("nats not available, job events disabled")
		} else {
			notifiers = append(notifiers, events.NewPublisher(nc, cfg.NATS.SubjectPrefix, log))
		}
	}

	// Runner
	var (
		runner      service.TaskRunner
		pool        *worker.Pool
		asynqRunner *worker.AsynqRunner
		asynqServer *asynq.Server
	)
	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	if cfg.Queue.Backend == "asynq" && st.redisOK {
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		asynqRunner = worker.NewAsynqRunner(asynqClient, inspector)
		runner = asynqRunner
	} else {
		if cfg.Queue.Backend == "asynq" {
			log.Warn().Msg("asynq backend needs redis, falling back to local pool")
		}
		pool = worker.NewPool(cfg.Worker.Slots, log)
		runner = pool
	}

	// Services
	embeddings := service.NewEmbeddingService(st.assets, gw, log)
	uploads := service.NewUploadService(st.assets, prober, embeddings, &cfg.Upload, log)
	analysis := service.NewAnalysisService(st.assets, extractor, log)
	generation := service.NewGenerationService(st.assets, st.jobs, gw, runner, events.NewMulti(notifiers...), cfg.Generation.JobTimeout, log)
	retention := service.NewRetentionService(st.assets, generation, log)

	genWorker := worker.NewGenerationWorker(generation, log)
	if pool != nil {
		pool.Start(ctx, genWorker.Handle)
		if err := generation.Recover(ctx); err != nil {
			log.Error().Err(err).Msg("job recovery failed")
		}
	} else {
		asynqServer = worker.NewAsynqServer(redisOpt, cfg.Worker.Slots, cfg.Generation.JobTimeout, cfg.Server.LogLevel, log)
		if err := asynqServer.Start(genWorker.Mux()); err != nil {
			return fmt.Errorf("start asynq server: %w", err)
		}
		// asynq archives tasks that crash or outlive their lease, leaving
		// the job behind in processing.
		go generation.RunReconciler(ctx, asynqRunner, reconcileInterval, reconcileGrace)
	}

	// HTTP
	var rateLimiter *middleware.RateLimiter
	if st.redisOK {
		rateLimiter = middleware.NewRateLimiter(st.redis, log)
	}

	checks := map[string]handler.Check{
		"asset_store": st.assets.Ping,
	}
	if st.redisOK {
		checks["redis"] = func(ctx context.Context) error { return st.redis.Ping(ctx).Err() }
	}
	if inference.IsConfigured() {
		checks["inference"] = inference.Health
	}
	if nc != nil {
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    int(cfg.Upload.MaxFileSize) + 1<<20,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	handler.Register(app, &handler.Handlers{
		Assets:   handler.NewAssetHandler(uploads, embeddings, analysis, retention, cfg.Upload.MaxFileSize),
		Generate: handler.NewGenerateHandler(generation),
		Health:   handler.NewHealthHandler(gw, checks),
	}, rateLimiter, hub, cfg.RateLimit)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("server starting")
		serveErr <- app.Listen(":" + cfg.Server.Port)
	}()

	select {
	case err = <-serveErr:
		stop()
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	if shutdownErr := app.ShutdownWithTimeout(shutdownTimeout); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("http shutdown")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if pool != nil {
		if stopErr := pool.Stop(drainCtx); stopErr != nil {
			log.Warn().Err(stopErr).Msg("worker pool did not drain")
		}
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	// Background work still reads and writes the asset store closed on return.
	if waitErr := uploads.Wait(drainCtx); waitErr != nil {
		log.Warn().Err(waitErr).Msg("embedding warm-ups did not finish")
	}
	if waitErr := generation.Wait(drainCtx); waitErr != nil {
		log.Warn().Err(waitErr).Msg("abandoned generations did not finish")
	}
	if nc != nil {
		_ = nc.Drain()
	}

	log.Info().Msg("server stopped")
	return err
}
