package aggregator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"iot-sentinel/internal/features"
)

// ThreatKind names a heuristic threat. The empty value means no threat.
type ThreatKind string

const (
	ThreatNone   ThreatKind = ""
	ThreatReplay ThreatKind = "replay_detected"
	ThreatBurst  ThreatKind = "burst_detected"
)

// ReplayConfig holds configuration for replay and burst detection.
type ReplayConfig struct {
	Window             time.Duration // how far back history is scanned
	RepeatThreshold    int           // identical payloads within Window that count as replay
	BurstRateThreshold float64       // messages per second within Window that count as burst
	HistoryCapacity    int           // entries kept per device
}

// DefaultReplayConfig returns the default configuration.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Window:             5 * time.Second,
		RepeatThreshold:    8,
		BurstRateThreshold: 20,
		HistoryCapacity:    1000,
	}
}

type historyEntry struct {
	hash string
	at   time.Time
}

// deviceHistory is a fixed-capacity ring of recent payload hashes. The
// oldest entry is overwritten once full.
type deviceHistory struct {
	mu      sync.Mutex
	entries []historyEntry
	next    int
	size    int
}

func newDeviceHistory(capacity int) *deviceHistory {
	return &deviceHistory{entries: make([]historyEntry, capacity)}
}

func (h *deviceHistory) push(e historyEntry) {
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.size < len(h.entries) {
		h.size++
	}
}

// scan walks newest to oldest, stopping at the first entry before cutoff.
func (h *deviceHistory) scan(hash string, cutoff time.Time) (total, same int) {
	for i := 0; i < h.size; i++ {
		idx := (h.next - 1 - i + len(h.entries)) % len(h.entries)
		e := h.entries[idx]
		if e.at.Before(cutoff) {
			break
		}
		total++
		if e.hash == hash {
			same++
		}
	}
	return total, same
}

// ReplayDetector flags replayed payloads and message bursts per device.
type ReplayDetector struct {
	mu      sync.Mutex
	devices map[string]*deviceHistory
	config  ReplayConfig

	// now is replaceable in tests.
	now func() time.Time
}

// NewReplayDetector creates a detector with empty history.
func NewReplayDetector(config ReplayConfig) *ReplayDetector {
	def := DefaultReplayConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.RepeatThreshold <= 0 {
		config.RepeatThreshold = def.RepeatThreshold
	}
	if config.BurstRateThreshold <= 0 {
		config.BurstRateThreshold = def.BurstRateThreshold
	}
	if config.HistoryCapacity <= 0 {
		config.HistoryCapacity = def.HistoryCapacity
	}
	return &ReplayDetector{
		devices: make(map[string]*deviceHistory),
		config:  config,
		now:     time.Now,
	}
}

// Check records payload in the device's history and reports whether it is a
// replay or part of a burst. Replay takes precedence. An error means the
// payload could not be fingerprinted and nothing was recorded.
func (d *ReplayDetector) Check(deviceID string, payload map[string]any) (ThreatKind, error) {
	hash, err := FingerprintPayload(payload)
	if err != nil {
		return ThreatNone, err
	}

	h := d.history(deviceID)
	now := d.now()

	// Append and scan under one lock so concurrent submissions for the same
	// device cannot undercount.
	h.mu.Lock()
	h.push(historyEntry{hash: hash, at: now})
	total, same := h.scan(hash, now.Add(-d.config.Window))
	h.mu.Unlock()

	if same >= d.config.RepeatThreshold {
		return ThreatReplay, nil
	}
	seconds := math.Max(1, d.config.Window.Seconds())
	if float64(total)/seconds >= d.config.BurstRateThreshold {
		return ThreatBurst, nil
	}
	return ThreatNone, nil
}

// Devices returns the number of devices with history.
func (d *ReplayDetector) Devices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// history returns the device's history, creating it on first use. The map
// lock is released before the caller takes the history lock.
func (d *ReplayDetector) history(deviceID string) *deviceHistory {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.devices[deviceID]
	if !ok {
		h = newDeviceHistory(d.config.HistoryCapacity)
		d.devices[deviceID] = h
	}
	return h
}

// quantized is the noise-tolerant form of a payload that gets hashed.
// Fields are declared in alphabetical order so the encoding is stable.
type quantized struct {
	Humidity    *int64   `json:"humidity"`
	Motion      int64    `json:"motion"`
	Temperature *float64 `json:"temperature"`
}

// FingerprintPayload hashes the quantized temperature, humidity and motion
// fields of payload: temperature to one decimal, humidity to a whole percent
// (half to even) and motion to an integer flag.
func FingerprintPayload(payload map[string]any) (string, error) {
	var q quantized

	if v, ok := payload["temperature"]; ok && v != nil {
		f, err := quantizeNumber("temperature", v)
		if err != nil {
			return "", err
		}
		// Decimal formatting rounds on the exact binary value.
		r, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 1, 64), 64)
		q.Temperature = &r
	}

	if v, ok := payload["humidity"]; ok && v != nil {
		f, err := quantizeNumber("humidity", v)
		if err != nil {
			return "", err
		}
		r := int64(math.RoundToEven(f))
		q.Humidity = &r
	}

	if v, ok := payload["motion"]; ok && v != nil {
		m, err := quantizeFlag(v)
		if err != nil {
			return "", err
		}
		q.Motion = m
	}

	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func quantizeNumber(field string, v any) (float64, error) {
	f, ok := features.Coerce(v)
	if !ok {
		return 0, fmt.Errorf("%s: not a finite number: %v", field, v)
	}
	return f, nil
}

// quantizeFlag truncates numbers toward zero and accepts integer strings.
func quantizeFlag(v any) (int64, error) {
	if s, ok := v.(string); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("motion: not an integer: %q", s)
		}
		return n, nil
	}
	f, ok := features.Coerce(v)
	if !ok {
		return 0, fmt.Errorf("motion: not a number: %v", v)
	}
	return int64(f), nil
}
