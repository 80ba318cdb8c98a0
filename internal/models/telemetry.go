package models

import "time"

// Threat status values stored in the registry and pushed to subscribers.
const (
	ThreatDetected = "Threat Detected"
	NoThreat       = "No Threat"
)

// LastSeenNow is the last_seen marker written on every processed event.
const LastSeenNow = "Just Now"

// TelemetryEvent is one device reading as received from HTTP or MQTT.
type TelemetryEvent struct {
	DeviceID   string         `json:"device_id"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload"`
}

// Verdict is the classification result for one feature vector.
type Verdict struct {
	Label         string    `json:"label"`     // "1" attack, "0" normal
	LabelIdx      int       `json:"label_idx"` // 1 attack, 0 normal
	Probabilities []float64 `json:"probs"`     // nil when the scorer has no probability estimate
	Confidence    float64   `json:"confidence"`
	Uncertain     bool      `json:"uncertain"`
}

// IsAttack reports whether the verdict labels the event as an attack.
func (v Verdict) IsAttack() bool { return v.LabelIdx == 1 }

// DeviceUpdate is the event emitted to notification subscribers after every
// processed reading.
type DeviceUpdate struct {
	DeviceID     string `json:"device_id"`
	ThreatStatus string `json:"threat"`
	DataSummary  string `json:"data"`
	LastSeen     string `json:"last_seen"`
}

// Assessment is a scorer's answer for one reading as seen by the device
// threat flow. Raw is returned to the caller verbatim.
type Assessment struct {
	Label string
	Raw   map[string]any
}
