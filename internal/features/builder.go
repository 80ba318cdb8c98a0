// Package features turns loosely-typed telemetry into the fixed-order
// numeric vectors the scorer expects.
package features

import (
	"strings"

	"github.com/goccy/go-json"
)

// DefaultDeviceID is used when telemetry carries no device_id.
const DefaultDeviceID = "unknown_device"

// Input is a single raw telemetry object as decoded from JSON, CSV or MQTT.
type Input map[string]any

// Lookup returns the value for key. A value of nil counts as absent.
func (in Input) Lookup(key string) (any, bool) {
	v, ok := in[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// DeviceID returns the device identity, or DefaultDeviceID.
func (in Input) DeviceID() string {
	if v, ok := in.Lookup("device_id"); ok {
		if s := strings.TrimSpace(Stringify(v)); s != "" {
			return s
		}
	}
	return DefaultDeviceID
}

// Timestamp returns the caller-supplied timestamp, unnormalized.
func (in Input) Timestamp() any {
	v, _ := in.Lookup("timestamp")
	return v
}

// normalize copies the input and maps RateAlias onto RateFeature.
func (in Input) normalize() Input {
	out := make(Input, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	if _, ok := out[RateFeature]; !ok {
		if v, ok := out[RateAlias]; ok {
			out[RateFeature] = v
		}
	}
	return out
}

// Vector is an ordered feature vector matching a Schema.
type Vector []float64

// RateObserver counts observations per device and second.
type RateObserver interface {
	Observe(deviceID string, timestamp any) int
}

// LogRecord keeps the original field values of one event for the audit
// trail. Missing schema fields are nil.
type LogRecord struct {
	DeviceID     string
	Fields       map[string]any
	RawTimestamp any
}

// Value returns the logged value for a schema field.
func (r LogRecord) Value(name string) any {
	return r.Fields[name]
}

// MarshalJSON flattens the record to the same shape as a tabular log row.
func (r LogRecord) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["raw_timestamp"] = r.RawTimestamp
	if _, ok := m["device_id"]; !ok && r.DeviceID != "" {
		m["device_id"] = r.DeviceID
	}
	return json.Marshal(m)
}

// Builder assembles vectors for one schema. It is safe for concurrent use
// as long as the RateObserver is.
type Builder struct {
	schema *Schema
	rates  RateObserver
}

// NewBuilder returns a Builder for schema that derives the rate feature
// from rates.
func NewBuilder(schema *Schema, rates RateObserver) *Builder {
	return &Builder{schema: schema, rates: rates}
}

// Schema returns the builder's schema.
func (b *Builder) Schema() *Schema { return b.schema }

// Build produces the numeric vector and audit record for raw. It never fails:
// absent or malformed values become 0.
func (b *Builder) Build(raw Input) (Vector, LogRecord) {
	in := raw.normalize()
	deviceID := in.DeviceID()
	rawTS := in.Timestamp()

	rate := b.rateFor(in, deviceID, rawTS)

	names := b.schema.names
	vec := make(Vector, len(names))
	rec := LogRecord{
		DeviceID:     deviceID,
		Fields:       make(map[string]any, len(names)),
		RawTimestamp: rawTS,
	}

	for i, name := range names {
		if name == RateFeature {
			vec[i] = float64(rate)
			if v, ok := in.Lookup(name); ok {
				rec.Fields[name] = v
			} else {
				rec.Fields[name] = rate
			}
			continue
		}

		v, ok := in.Lookup(name)
		if !ok {
			rec.Fields[name] = nil
			continue
		}
		rec.Fields[name] = v
		vec[i], _ = Coerce(v)
	}

	return vec, rec
}

// rateFor honours an explicit numeric override and otherwise consults the
// rate counter. Overrides are truncated toward zero.
func (b *Builder) rateFor(in Input, deviceID string, ts any) int {
	if v, ok := in.Lookup(RateFeature); ok {
		if s, isStr := v.(string); !isStr || strings.TrimSpace(s) != "" {
			if f, ok := Coerce(v); ok {
				return int(f)
			}
		}
	}
	if b.rates == nil {
		return 0
	}
	return b.rates.Observe(deviceID, ts)
}
