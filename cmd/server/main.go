package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"iot-sentinel/internal/aggregator"
	"iot-sentinel/internal/aiclient"
	"iot-sentinel/internal/api"
	"iot-sentinel/internal/database"
	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/ml"
	"iot-sentinel/internal/mqtt"
	"iot-sentinel/internal/notify"
	"iot-sentinel/internal/persistence"
	"iot-sentinel/internal/services"
	"iot-sentinel/internal/supervisor"
	"iot-sentinel/internal/websocket"
	"iot-sentinel/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logging.Info().Str("addr", cfg.Server.Addr).Str("scorer_mode", cfg.Scorer.Mode).Msg("starting iot-sentinel")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Scoring core ===
	schema, err := features.LoadSchema(cfg.Artifacts.FeatureOrderPath, cfg.Artifacts.SampleDatasetPath)
	if err != nil {
		logging.Fatal().Err(err).
			Str("feature_order", cfg.Artifacts.FeatureOrderPath).
			Str("sample_dataset", cfg.Artifacts.SampleDatasetPath).
			Msg("failed to resolve feature schema")
	}

	model, err := loadModel(cfg.Artifacts.ModelPath, schema)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Artifacts.ModelPath).Msg("failed to load model")
	}
	if model.NFeaturesIn() != schema.Len() {
		logging.Warn().
			Int("model_n_features_in", model.NFeaturesIn()).
			Int("schema_len", schema.Len()).
			Msg("model and feature schema disagree; every prediction will fail to scale")
	}

	rates := aggregator.NewRateCounter(aggregator.RateCounterConfig{Retention: cfg.Rate.Retention})
	builder := features.NewBuilder(schema, rates)
	classifier := ml.NewClassifier(model, ml.ClassifierConfig{
		AttackThreshold: cfg.Classifier.AttackThreshold,
		UncertainBelow:  cfg.Classifier.UncertainBelow,
	})

	// === Storage ===
	var (
		registry services.DeviceRegistry
		sinks    []persistence.BatchSink
	)
	if cfg.ClickHouse.Enabled {
		db, err := database.NewClickHouseDB(ctx, database.ClickHouseConfig{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to initialize ClickHouse")
		}
		defer db.Close()
		registry = db
		sinks = append(sinks, db)
	} else {
		logging.Warn().Msg("ClickHouse disabled, using in-memory device registry")
		registry = database.NewMemoryRegistry()
	}

	pipeline, err := persistence.New(persistence.Config{
		CSVPath:         cfg.Persistence.CSVPath,
		AuditPath:       cfg.Persistence.AuditPath,
		ErrorPath:       cfg.Persistence.ErrorPath,
		ExtraHeaderPath: cfg.Persistence.ExtraHeaderPath,
		QueueSize:       cfg.Persistence.QueueSize,
		MaxBatch:        cfg.Persistence.MaxBatch,
		IdleTimeout:     cfg.Persistence.IdleTimeout,
	}, schema.Names(), sinks...)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open persistence pipeline")
	}
	defer pipeline.Close()

	predictions := services.NewPredictionService(builder, classifier, pipeline)

	// === Device threat flow ===
	var assessor services.Assessor = predictions
	if cfg.Scorer.Mode == "remote" {
		assessor = aiclient.New(aiclient.Config{
			URL:       cfg.Scorer.URL,
			Timeout:   cfg.Scorer.Timeout,
			RateLimit: cfg.Scorer.RateLimit,
		})
	}

	policy, err := services.ParseFailurePolicy(cfg.Scorer.FailurePolicy)
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid scorer failure policy")
	}

	hub := websocket.NewHub()
	notifiers := notify.NewMultiNotifier(hub)

	replay := aggregator.NewReplayDetector(aggregator.ReplayConfig{
		Window:             cfg.Replay.Window,
		RepeatThreshold:    cfg.Replay.RepeatThreshold,
		BurstRateThreshold: cfg.Replay.BurstRateThreshold,
		HistoryCapacity:    cfg.Replay.HistoryCapacity,
	})

	var mqttPublisher *mqtt.Publisher
	var mqttClient *mqtt.Client
	var subscriber *mqtt.Subscriber
	threats := services.NewThreatService(registry, replay, assessor, nil, services.ThreatServiceConfig{
		FailurePolicy: policy,
		AssessTimeout: cfg.Scorer.Timeout,
		AutoRegister:  cfg.Threat.AutoRegister,
	})

	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, func() {
			// Runs on every (re)connect; the first call happens before
			// subscriber is assigned.
			if subscriber != nil {
				if err := subscriber.Subscribe(); err != nil {
					logging.Error().Str("component", "mqtt").Err(err).Msg("resubscribe failed")
				}
			}
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to connect to MQTT broker")
		}
		defer mqttClient.Close()

		subscriber = mqtt.NewSubscriber(mqttClient.Native(), mqtt.SubscriberConfig{
			TelemetryTopic: cfg.MQTT.TelemetryTopic,
		}, threats.TelemetryChan)
		if err := subscriber.Subscribe(); err != nil {
			logging.Fatal().Err(err).Msg("failed to subscribe to telemetry")
		}

		mqttPublisher = mqtt.NewPublisher(mqttClient.Native(), mqtt.PublisherConfig{
			StatusTopic: cfg.MQTT.StatusTopic,
		})
		notifiers = notify.NewMultiNotifier(hub, mqttPublisher)
	}
	threats.SetNotifier(notifiers)

	// === HTTP ===
	handler := api.NewHandler(api.HandlerConfig{
		Predictions: predictions,
		Threats:     threats,
		Hub:         hub,
		Model: api.ModelInfo{
			Name:        filepath.Base(cfg.Artifacts.ModelPath),
			NFeaturesIn: model.NFeaturesIn(),
		},
		CSVPath: cfg.Persistence.CSVPath,
	})
	server := api.NewServer(api.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}, handler.Router())

	// === Supervision ===
	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddCoreService(rates)
	tree.AddCoreService(pipeline)
	tree.AddCoreService(threats)
	tree.AddMessagingService(hub)
	if mqttPublisher != nil {
		tree.AddMessagingService(mqttPublisher)
	}
	tree.AddAPIService(server)

	logging.Info().
		Int("features", schema.Len()).
		Str("model", model.Name).
		Bool("clickhouse", cfg.ClickHouse.Enabled).
		Bool("mqtt", cfg.MQTT.Enabled).
		Msg("all services started")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor exited")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, s := range report {
			logging.Warn().Str("service", s.Name).Msg("service did not stop in time")
		}
	}
	logging.Info().Msg("shutdown complete")
}

// loadModel reads the model at path. A missing file is replaced by a sample
// model over schema so the service can start without trained artifacts.
func loadModel(path string, schema *features.Schema) (*ml.LogisticModel, error) {
	m, err := ml.LoadLogisticModel(path)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logging.Warn().Str("path", path).Msg("model not found, writing sample model")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := ml.WriteSampleModel(path, schema.Names(), features.RateFeature); err != nil {
		return nil, err
	}
	return ml.LoadLogisticModel(path)
}
