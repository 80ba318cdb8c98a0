// Package config loads service configuration from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the variable pointing at a YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are tried in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Artifacts   ArtifactsConfig   `koanf:"artifacts"`
	Classifier  ClassifierConfig  `koanf:"classifier"`
	Rate        RateConfig        `koanf:"rate"`
	Persistence PersistenceConfig `koanf:"persistence"`
	Replay      ReplayConfig      `koanf:"replay"`
	Scorer      ScorerConfig      `koanf:"scorer"`
	Threat      ThreatConfig      `koanf:"threat"`
	ClickHouse  ClickHouseConfig  `koanf:"clickhouse"`
	MQTT        MQTTConfig        `koanf:"mqtt"`
	Logging     LoggingConfig     `koanf:"logging"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// ArtifactsConfig locates the model and the feature order. ModelPath and
// FeatureOrderPath default to files under Dir.
type ArtifactsConfig struct {
	Dir               string `koanf:"dir"`
	ModelPath         string `koanf:"model_path"`
	FeatureOrderPath  string `koanf:"feature_order_path"`
	SampleDatasetPath string `koanf:"sample_dataset_path"`
}

type ClassifierConfig struct {
	AttackThreshold float64 `koanf:"attack_threshold"`
	UncertainBelow  float64 `koanf:"uncertain_below"`
}

type RateConfig struct {
	Retention time.Duration `koanf:"retention"`
}

type PersistenceConfig struct {
	CSVPath         string        `koanf:"csv_path"`
	AuditPath       string        `koanf:"audit_path"`
	ErrorPath       string        `koanf:"error_path"`
	ExtraHeaderPath string        `koanf:"extra_header_path"`
	QueueSize       int           `koanf:"queue_size"`
	MaxBatch        int           `koanf:"max_batch"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
}

type ReplayConfig struct {
	Window             time.Duration `koanf:"window"`
	RepeatThreshold    int           `koanf:"repeat_threshold"`
	BurstRateThreshold float64       `koanf:"burst_rate_threshold"`
	HistoryCapacity    int           `koanf:"history_capacity"`
}

// ScorerConfig selects how the device threat flow obtains labels: "local"
// scores in-process, "remote" posts to URL.
type ScorerConfig struct {
	Mode          string        `koanf:"mode"`
	URL           string        `koanf:"url"`
	Timeout       time.Duration `koanf:"timeout"`
	RateLimit     float64       `koanf:"rate_limit"`
	FailurePolicy string        `koanf:"failure_policy"`
}

type ThreatConfig struct {
	AutoRegister bool `koanf:"auto_register"`
}

type ClickHouseConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

type MQTTConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Broker         string `koanf:"broker"`
	ClientID       string `koanf:"client_id"`
	Username       string `koanf:"username"`
	Password       string `koanf:"password"`
	TelemetryTopic string `koanf:"telemetry_topic"`
	StatusTopic    string `koanf:"status_topic"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":5000"},
		Artifacts: ArtifactsConfig{
			Dir:               "./artifacts_iot_model",
			SampleDatasetPath: "./processed_optionD.csv",
		},
		Classifier: ClassifierConfig{
			AttackThreshold: 0.987,
			UncertainBelow:  0.4,
		},
		Rate: RateConfig{Retention: 300 * time.Second},
		Persistence: PersistenceConfig{
			CSVPath:         "./incoming_predictions.csv",
			AuditPath:       "./predictions.log",
			ErrorPath:       "./errors.log",
			ExtraHeaderPath: "./raw_headers.csv",
			QueueSize:       1024,
			MaxBatch:        512,
			IdleTimeout:     time.Second,
		},
		Replay: ReplayConfig{
			Window:             5 * time.Second,
			RepeatThreshold:    8,
			BurstRateThreshold: 20,
			HistoryCapacity:    1000,
		},
		Scorer: ScorerConfig{
			Mode:          "local",
			URL:           "http://localhost:5000/predict",
			Timeout:       10 * time.Second,
			RateLimit:     50,
			FailurePolicy: "open",
		},
		Threat: ThreatConfig{AutoRegister: true},
		ClickHouse: ClickHouseConfig{
			Addr:     "localhost:9000",
			Database: "iot",
			Username: "default",
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "iot-sentinel",
			TelemetryTopic: "sensor/+/telemetry",
			StatusTopic:    "devices/{device_id}/status",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// envMappings maps environment variables to koanf paths. Variables not
// listed here are ignored.
var envMappings = map[string]string{
	"HTTP_ADDR": "server.addr",

	"ARTIFACTS_DIR":       "artifacts.dir",
	"MODEL_PATH":          "artifacts.model_path",
	"FEATURE_ORDER_PATH":  "artifacts.feature_order_path",
	"SAMPLE_DATASET_PATH": "artifacts.sample_dataset_path",

	"ATTACK_THRESHOLD": "classifier.attack_threshold",
	"UNCERTAIN_BELOW":  "classifier.uncertain_below",

	"RATE_RETENTION": "rate.retention",

	"CSV_LOG_PATH":       "persistence.csv_path",
	"AUDIT_LOG_PATH":     "persistence.audit_path",
	"ERROR_LOG_PATH":     "persistence.error_path",
	"EXTRA_HEADER_PATH":  "persistence.extra_header_path",
	"QUEUE_SIZE":         "persistence.queue_size",
	"MAX_BATCH":          "persistence.max_batch",
	"BATCH_IDLE_TIMEOUT": "persistence.idle_timeout",

	"REPLAY_WINDOW":           "replay.window",
	"REPLAY_REPEAT_THRESHOLD": "replay.repeat_threshold",
	"BURST_RATE_THRESHOLD":    "replay.burst_rate_threshold",
	"REPLAY_HISTORY_CAPACITY": "replay.history_capacity",

	"SCORER_MODE":           "scorer.mode",
	"SCORER_URL":            "scorer.url",
	"SCORER_TIMEOUT":        "scorer.timeout",
	"SCORER_RATE_LIMIT":     "scorer.rate_limit",
	"SCORER_FAILURE_POLICY": "scorer.failure_policy",

	"AUTO_REGISTER": "threat.auto_register",

	"CLICKHOUSE_ENABLED": "clickhouse.enabled",
	"CLICKHOUSE_ADDR":    "clickhouse.addr",
	"CLICKHOUSE_DB":      "clickhouse.database",
	"CLICKHOUSE_USER":    "clickhouse.username",
	"CLICKHOUSE_PASS":    "clickhouse.password",

	"MQTT_ENABLED":         "mqtt.enabled",
	"MQTT_BROKER":          "mqtt.broker",
	"MQTT_CLIENT_ID":       "mqtt.client_id",
	"MQTT_USERNAME":        "mqtt.username",
	"MQTT_PASSWORD":        "mqtt.password",
	"MQTT_TOPIC_TELEMETRY": "mqtt.telemetry_topic",
	"MQTT_TOPIC_STATUS":    "mqtt.status_topic",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
}

func envTransform(key string) string {
	return envMappings[key]
}

// Load reads .env (if present), then layers defaults, the config file and
// the environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) applyDerived() {
	if c.Artifacts.ModelPath == "" {
		c.Artifacts.ModelPath = filepath.Join(c.Artifacts.Dir, "model.json")
	}
	if c.Artifacts.FeatureOrderPath == "" {
		c.Artifacts.FeatureOrderPath = filepath.Join(c.Artifacts.Dir, "feature_order.json")
	}
	c.Scorer.Mode = strings.ToLower(strings.TrimSpace(c.Scorer.Mode))
	c.Scorer.FailurePolicy = strings.ToLower(strings.TrimSpace(c.Scorer.FailurePolicy))
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Classifier.AttackThreshold > 0 && c.Classifier.AttackThreshold <= 1,
		"ATTACK_THRESHOLD must be in (0,1], got %v", c.Classifier.AttackThreshold)
	check(c.Classifier.UncertainBelow >= 0 && c.Classifier.UncertainBelow <= 1,
		"UNCERTAIN_BELOW must be in [0,1], got %v", c.Classifier.UncertainBelow)
	check(c.Rate.Retention > 0, "RATE_RETENTION must be positive")
	check(c.Persistence.QueueSize >= 1, "QUEUE_SIZE must be at least 1")
	check(c.Persistence.MaxBatch >= 1, "MAX_BATCH must be at least 1")
	check(c.Persistence.IdleTimeout > 0, "BATCH_IDLE_TIMEOUT must be positive")
	check(c.Persistence.CSVPath != "", "CSV_LOG_PATH is required")
	check(c.Replay.Window > 0, "REPLAY_WINDOW must be positive")
	check(c.Replay.RepeatThreshold > 0, "REPLAY_REPEAT_THRESHOLD must be positive")
	check(c.Replay.BurstRateThreshold > 0, "BURST_RATE_THRESHOLD must be positive")
	check(c.Replay.HistoryCapacity > 0, "REPLAY_HISTORY_CAPACITY must be positive")
	check(c.Scorer.Mode == "local" || c.Scorer.Mode == "remote",
		"SCORER_MODE must be local or remote, got %q", c.Scorer.Mode)
	check(c.Scorer.FailurePolicy == "open" || c.Scorer.FailurePolicy == "closed",
		"SCORER_FAILURE_POLICY must be open or closed, got %q", c.Scorer.FailurePolicy)
	check(c.Scorer.Timeout > 0, "SCORER_TIMEOUT must be positive")
	if c.Scorer.Mode == "remote" {
		check(c.Scorer.URL != "", "SCORER_URL is required when SCORER_MODE=remote")
	}
	if c.ClickHouse.Enabled {
		check(c.ClickHouse.Addr != "", "CLICKHOUSE_ADDR is required when ClickHouse is enabled")
	}
	if c.MQTT.Enabled {
		check(c.MQTT.Broker != "", "MQTT_BROKER is required when MQTT is enabled")
		check(c.MQTT.TelemetryTopic != "", "MQTT_TOPIC_TELEMETRY is required when MQTT is enabled")
	}

	return errors.Join(errs...)
}
