package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datagate/internal/api"
	"datagate/internal/auth"
	"datagate/internal/bus"
	"datagate/internal/classify"
	"datagate/internal/config"
	"datagate/internal/database"
	"datagate/internal/ingest"
	"datagate/internal/logger"
	"datagate/internal/monitor"
	"datagate/internal/pipeline"
	"datagate/internal/repository"
	"datagate/internal/resilience"
	"datagate/internal/storage"
	"datagate/internal/transport"
	"datagate/internal/transport/csvupload"
	mqtttransport "datagate/internal/transport/mqtt"
	wstransport "datagate/internal/transport/ws"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	config.LoadDotEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	baseLog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logEntry := baseLog.WithField("app", cfg.App.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logEntry); err != nil {
		logEntry.WithError(err).Error("gateway exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	metrics := monitor.NewMetrics()

	// Storage backends. Either may be absent; the domain router degrades
	// per backend instead of refusing to start.
	var legacyStore *storage.LegacyStore
	var legacyDB *database.DB
	if cfg.LegacyDB.Host != "" && cfg.LegacyDB.DBName != "" {
		db, err := database.Open("legacy", &database.Config{
			Host:     cfg.LegacyDB.Host,
			Port:     cfg.LegacyDB.Port,
			User:     cfg.LegacyDB.User,
			Password: cfg.LegacyDB.Password,
			DBName:   cfg.LegacyDB.DBName,
			SSLMode:  cfg.LegacyDB.SSLMode,
		}, log)
		if err != nil {
			log.WithError(err).Warn("legacy backend unavailable, starting without it")
		} else {
			legacyDB = db
			legacyStore = storage.NewLegacyStore(db)
		}
	}

	var genericStore *storage.GenericStore
	var genericDB *database.DB
	if cfg.GenericDB.URL != "" {
		dbCfg, err := database.ParseURL(cfg.GenericDB.URL)
		if err != nil {
			return err
		}
		db, err := database.Open("generic", dbCfg, log)
		if err != nil {
			log.WithError(err).Warn("generic backend unavailable, starting without it")
		} else {
			genericDB = db
			genericStore = storage.NewGenericStore(db)
		}
	}
	defer func() {
		if legacyDB != nil {
			legacyDB.Close()
		}
		if genericDB != nil {
			genericDB.Close()
		}
	}()

	storageRouter := storage.NewRouter(legacyStore, genericStore)

	// Redis backs dedup, the DLQ and the prediction bus.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, dedup in passthrough and dlq disabled")
		}
		defer redisClient.Close()
	}

	var dedupStore ingest.DedupStore
	if redisClient != nil {
		dedupStore = redisClient
	}
	dedup := ingest.NewDeduplicator(dedupStore, cfg.Tuning.DedupTTL.Std())
	dlq := ingest.NewDeadLetterQueue(redisClient, cfg.Tuning.DLQMaxLen, log)

	busClient := redisClient
	if cfg.Redis.BusURL != "" {
		opts, err := redis.ParseURL(cfg.Redis.BusURL)
		if err != nil {
			return err
		}
		busClient = redis.NewClient(opts)
		defer busClient.Close()
	}
	var publisher bus.Publisher
	if busClient != nil {
		throttled := bus.NewThrottledPublisher(
			bus.NewRedisPublisher(busClient, ""),
			cfg.Tuning.BusMinInterval.Std(),
			log,
		)
		throttled.OnEvents(
			func() { metrics.BusThrottled.Inc() },
			func() { metrics.BusPublished.Inc() },
			func() { metrics.BusPublishFails.Inc() },
		)
		publisher = throttled
	}

	// Repositories with read-through caches over the generic backend. With
	// no backend configured they run on the in-memory fallback.
	var configBackend repository.ConfigBackend
	var stateBackend repository.StateBackend
	if genericStore != nil {
		configBackend = genericStore
		stateBackend = genericStore
	} else {
		nb := repository.NewNullBackend()
		configBackend = nb
		stateBackend = nb
	}
	configRepo := repository.NewConfigRepository(configBackend, cfg.Tuning.CacheTTL.Std(), 10000, log)
	defer configRepo.Close()
	stateRepo := repository.NewStateRepository(stateBackend, cfg.Tuning.CacheTTL.Std(), 10000, cfg.Tuning.WarmupReadings, log)
	defer stateRepo.Close()

	classifier := classify.NewClassifier()

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.Tuning.BreakerThreshold,
		OpenTimeout:      cfg.Tuning.BreakerOpenFor.Std(),
	}
	breakers := map[string]*resilience.CircuitBreaker{
		"legacy":  resilience.NewCircuitBreaker("legacy", breakerCfg, log),
		"generic": resilience.NewCircuitBreaker("generic", breakerCfg, log),
	}

	alertPipe := pipeline.NewAlertPipeline(storageRouter, log)
	warningPipe := pipeline.NewWarningPipeline(storageRouter, log)
	predictionPipe := pipeline.NewPredictionPipeline(storageRouter, publisher, log)

	router := pipeline.NewRouter(pipeline.RouterDeps{
		Dedup:      dedup,
		DLQ:        dlq,
		Configs:    configRepo,
		States:     stateRepo,
		Classifier: classifier,
		Store:      storageRouter,
		Alert:      alertPipe,
		Warning:    warningPipe,
		Prediction: predictionPipe,
		RetryCfg: resilience.RetryConfig{
			MaxAttempts: cfg.Tuning.RetryMaxAttempts,
			BaseDelay:   cfg.Tuning.RetryBaseDelay.Std(),
			MaxDelay:    10 * time.Second,
			Jitter:      true,
		},
		Breakers: breakers,
		Metrics:  metrics,
		Log:      log,
	})

	// Periodic work: stale sweep and DLQ replay.
	scheduler := cron.New()
	sweeper := classify.NewStaleSweeper(stateRepo, cfg.Tuning.StaleTimeout.Std(), log)
	sweeper.OnTransition(func(from, to ingest.SeriesStatus) {
		metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	})
	if _, err := scheduler.AddFunc("@every 1m", func() {
		if err := sweeper.RunOnce(ctx); err != nil {
			log.WithError(err).Warn("stale sweep failed")
		}
	}); err != nil {
		return err
	}

	if redisClient != nil {
		consumer := ingest.NewDLQConsumer(redisClient, dlq, replayFunc(router), 10, 3, log)
		if _, err := scheduler.AddFunc("@every 1m", func() {
			if err := consumer.RunOnce(ctx); err != nil {
				log.WithError(err).Warn("dlq consume failed")
			}
			metrics.DLQDepth.Set(float64(dlq.Depth(ctx)))
		}); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Transports.
	var transports []transport.Transport

	var mqttReceiver *mqtttransport.Receiver
	if cfg.Features.MQTTIngest {
		// The modular receiver drains the queue with the full worker pool;
		// without it the legacy single-worker behavior applies.
		workers := 0
		if !cfg.Features.ModularReceiver {
			workers = 1
		}
		mqttReceiver = mqtttransport.NewReceiver(mqtttransport.Config{
			Host:           cfg.MQTT.Host,
			Port:           cfg.MQTT.Port,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			GenericEnabled: cfg.Features.MQTTGeneric,
			Workers:        workers,
		}, router, log)
		if err := mqttReceiver.Start(ctx); err != nil {
			log.WithError(err).Warn("mqtt receiver failed to start")
			mqttReceiver = nil
		} else {
			transports = append(transports, mqttReceiver)
		}
	}

	wsHandler := wstransport.NewHandler(router, cfg.Auth.APIKey, log)
	transports = append(transports, wsHandler)

	csvJobs := csvupload.NewJobManager(time.Hour)
	csvProcessor := csvupload.NewProcessor(router, csvJobs, log)
	transports = append(transports, csvProcessor)

	var deviceAuth *auth.DeviceAuthenticator
	if legacyStore != nil {
		deviceAuth = auth.NewDeviceAuthenticator(legacyStore, 300*time.Second)
	}
	var resolver *storage.SensorResolver
	if legacyStore != nil {
		resolver = storage.NewSensorResolver(legacyStore, 300*time.Second)
	}

	server := api.NewServer(api.Deps{
		Config:        cfg,
		Router:        router,
		States:        stateRepo,
		Resolver:      resolver,
		StorageRouter: storageRouter,
		Dedup:         dedup,
		DLQ:           dlq,
		Breakers:      breakers,
		DeviceAuth:    deviceAuth,
		CSVJobs:       csvJobs,
		CSVProcessor:  csvProcessor,
		WSHandler:     wsHandler,
		Transports:    transports,
		Log:           log,
		Lifecycle:     ctx,
	})

	err := server.Start(ctx)

	if mqttReceiver != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stopErr := mqttReceiver.Stop(stopCtx); stopErr != nil {
			log.WithError(stopErr).Warn("mqtt receiver stop failed")
		}
	}
	return err
}

// replayFunc pushes DLQ entries back through the router with their original
// msg_id so dedup still applies.
func replayFunc(router *pipeline.Router) ingest.ReplayFunc {
	return func(ctx context.Context, e ingest.DLQEntry) error {
		point, err := decodeReplayPoint(e)
		if err != nil {
			return err
		}
		outcome := router.Route(ctx, "dlq-replay", point, e.Raw)
		return outcome.Err
	}
}
