package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"iot-sentinel/internal/aggregator"
	"iot-sentinel/internal/database"
	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/metrics"
	"iot-sentinel/internal/models"
	"iot-sentinel/internal/notify"
)

var (
	ErrMissingPayload  = errors.New("no json payload")
	ErrMissingDeviceID = errors.New("missing device_id")
)

// FailurePolicy decides the threat status when no label could be obtained.
type FailurePolicy string

const (
	// FailOpen reports "No Threat" when the scorer is unavailable.
	FailOpen FailurePolicy = "open"
	// FailClosed reports "Threat Detected" when the scorer is unavailable.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy accepts "open" or "closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FailOpen, FailClosed:
		return p, nil
	case "":
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown scorer failure policy %q", s)
	}
}

// ThreatStatusFor maps a scorer label to a registry threat status.
func ThreatStatusFor(label string, policy FailurePolicy) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "normal", "0", "none", "", "ok":
		return models.NoThreat
	case "unknown", "error", "null":
		if policy == FailClosed {
			return models.ThreatDetected
		}
		return models.NoThreat
	default:
		return models.ThreatDetected
	}
}

// DeviceRegistry is the subset of the registry the threat flow uses.
type DeviceRegistry interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	UpsertDevice(ctx context.Context, device *models.Device) error
	UpdateDeviceThreat(ctx context.Context, deviceID, threat, data, lastSeen string) error
}

// Assessor labels one telemetry reading.
type Assessor interface {
	Assess(ctx context.Context, in features.Input) (models.Assessment, error)
}

// ReplayChecker flags replayed or bursty payloads.
type ReplayChecker interface {
	Check(deviceID string, payload map[string]any) (aggregator.ThreatKind, error)
}

// IngestResult is returned to the device that submitted telemetry.
type IngestResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Threat  string         `json:"threat,omitempty"`
	AI      map[string]any `json:"ai,omitempty"`
}

// ThreatServiceConfig holds configuration for the threat flow.
type ThreatServiceConfig struct {
	FailurePolicy FailurePolicy
	AssessTimeout time.Duration
	AutoRegister  bool
	ChannelSize   int
}

// DefaultThreatServiceConfig returns default configuration
func DefaultThreatServiceConfig() ThreatServiceConfig {
	return ThreatServiceConfig{
		FailurePolicy: FailOpen,
		AssessTimeout: 10 * time.Second,
		AutoRegister:  true,
		ChannelSize:   100,
	}
}

// ThreatService decides per-device threat status for incoming telemetry.
type ThreatService struct {
	registry DeviceRegistry
	replay   ReplayChecker
	assessor Assessor
	notifier notify.Notifier
	config   ThreatServiceConfig

	// TelemetryChan receives readings from MQTT.
	TelemetryChan chan models.TelemetryEvent

	now func() time.Time
}

// NewThreatService creates a threat service.
func NewThreatService(
	registry DeviceRegistry,
	replay ReplayChecker,
	assessor Assessor,
	notifier notify.Notifier,
	config ThreatServiceConfig,
) *ThreatService {
	def := DefaultThreatServiceConfig()
	if config.FailurePolicy == "" {
		config.FailurePolicy = def.FailurePolicy
	}
	if config.AssessTimeout <= 0 {
		config.AssessTimeout = def.AssessTimeout
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = def.ChannelSize
	}
	return &ThreatService{
		registry:      registry,
		replay:        replay,
		assessor:      assessor,
		notifier:      notifier,
		config:        config,
		TelemetryChan: make(chan models.TelemetryEvent, config.ChannelSize),
		now:           time.Now,
	}
}

// SetNotifier replaces the notifier. Call it before Serve or Ingest run.
func (s *ThreatService) SetNotifier(n notify.Notifier) { s.notifier = n }

// Ingest processes one telemetry payload end to end. Errors are returned
// only for bad requests and registry lookups; scorer failures are mapped
// through the failure policy.
func (s *ThreatService) Ingest(ctx context.Context, payload map[string]any) (*IngestResult, error) {
	if len(payload) == 0 {
		return nil, ErrMissingPayload
	}
	deviceID := strings.TrimSpace(features.Stringify(payload["device_id"]))
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}

	device, err := s.lookupDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Power {
		return &IngestResult{Status: "ignored", Message: "Device is turned OFF"}, nil
	}

	summary := dataSummary(payload)

	if s.replay != nil {
		kind, err := s.replay.Check(deviceID, payload)
		if err != nil {
			logging.Warn().
				Str("component", "threat-service").
				Str("device_id", deviceID).
				Err(err).
				Msg("replay heuristic skipped")
		} else if kind != aggregator.ThreatNone {
			metrics.Threats.WithLabelValues(string(kind)).Inc()
			s.publish(ctx, deviceID, models.ThreatDetected, summary)
			return &IngestResult{
				Status: "processed",
				Threat: models.ThreatDetected,
				AI:     map[string]any{"label": string(kind)},
			}, nil
		}
	}

	assessment := s.assess(ctx, s.scoringInput(deviceID, payload))
	status := ThreatStatusFor(assessment.Label, s.config.FailurePolicy)
	if status == models.ThreatDetected {
		metrics.Threats.WithLabelValues("classifier").Inc()
	}

	s.publish(ctx, deviceID, status, summary)
	return &IngestResult{Status: "processed", Threat: status, AI: assessment.Raw}, nil
}

func (s *ThreatService) lookupDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := s.registry.GetDevice(ctx, deviceID)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, database.ErrDeviceNotFound) || !s.config.AutoRegister {
		return nil, err
	}

	device = &models.Device{
		DeviceID: deviceID,
		Name:     deviceID,
		Type:     "sensor",
		Threat:   models.NoThreat,
		LastSeen: models.LastSeenNow,
		Power:    true,
	}
	if err := s.registry.UpsertDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("auto-register %s: %w", deviceID, err)
	}
	logging.Info().Str("component", "threat-service").Str("device_id", deviceID).Msg("auto-registered device")
	return device, nil
}

// scoringInput keeps only the fields the scorer is trained on. A missing
// timestamp is replaced with the current local time.
func (s *ThreatService) scoringInput(deviceID string, payload map[string]any) features.Input {
	ts := payload["timestamp"]
	if ts == nil || features.Stringify(ts) == "" {
		ts = s.now().Format(features.BucketLayout)
	}
	motion := payload["motion"]
	if motion == nil {
		motion = 0
	}
	return features.Input{
		"device_id":   deviceID,
		"timestamp":   ts,
		"temperature": payload["temperature"],
		"humidity":    payload["humidity"],
		"motion":      motion,
	}
}

func (s *ThreatService) assess(ctx context.Context, in features.Input) models.Assessment {
	if s.assessor == nil {
		return models.Assessment{Label: "unknown", Raw: map[string]any{"label": "unknown", "error": "no scorer configured"}}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.AssessTimeout)
	defer cancel()

	a, err := s.assessor.Assess(ctx, in)
	if err != nil {
		logging.Warn().
			Str("component", "threat-service").
			Str("device_id", features.Stringify(in["device_id"])).
			Str("policy", string(s.config.FailurePolicy)).
			Err(err).
			Msg("scorer unavailable")
		return models.Assessment{Label: "unknown", Raw: map[string]any{"label": "unknown", "error": err.Error()}}
	}
	if a.Raw == nil {
		a.Raw = map[string]any{"label": a.Label}
	}
	return a
}

// publish records the status in the registry and notifies subscribers.
// Registry failures are logged; the decision has already been made.
func (s *ThreatService) publish(ctx context.Context, deviceID, status, summary string) {
	if err := s.registry.UpdateDeviceThreat(ctx, deviceID, status, summary, models.LastSeenNow); err != nil {
		logging.Error().
			Str("component", "threat-service").
			Str("device_id", deviceID).
			Err(err).
			Msg("failed to update device threat status")
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, models.DeviceUpdate{
			DeviceID:     deviceID,
			ThreatStatus: status,
			DataSummary:  summary,
			LastSeen:     models.LastSeenNow,
		})
	}

	logging.Info().
		Str("component", "threat-service").
		Str("device_id", deviceID).
		Str("threat", status).
		Str("data", summary).
		Msg("device update")
}

// dataSummary renders "<temperature>°C, <humidity>%", with None for
// missing values.
func dataSummary(payload map[string]any) string {
	return fmt.Sprintf("%s°C, %s%%", summaryValue(payload["temperature"]), summaryValue(payload["humidity"]))
}

func summaryValue(v any) string {
	if v == nil {
		return "None"
	}
	return features.Stringify(v)
}

// Serve consumes MQTT telemetry until ctx is cancelled.
func (s *ThreatService) Serve(ctx context.Context) error {
	logging.Info().Str("component", "threat-service").Msg("telemetry consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.TelemetryChan:
			payload := ev.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			if _, ok := payload["device_id"]; !ok && ev.DeviceID != "" {
				payload["device_id"] = ev.DeviceID
			}
			res, err := s.Ingest(ctx, payload)
			if err != nil {
				logging.Warn().
					Str("component", "threat-service").
					Str("device_id", ev.DeviceID).
					Err(err).
					Msg("telemetry rejected")
				continue
			}
			logging.Debug().
				Str("component", "threat-service").
				Str("device_id", ev.DeviceID).
				Str("status", res.Status).
				Str("threat", res.Threat).
				Msg("telemetry processed")
		}
	}
}

// String implements fmt.Stringer for the supervisor.
func (s *ThreatService) String() string { return "threat-service" }
