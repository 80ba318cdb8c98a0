package database

import (
	"context"
	"sync"
	"time"

	"iot-sentinel/internal/models"
)

// MemoryRegistry is an in-process device registry used when ClickHouse is
// disabled and in tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]models.Device
}

// NewMemoryRegistry returns a registry seeded with devices.
func NewMemoryRegistry(devices ...models.Device) *MemoryRegistry {
	r := &MemoryRegistry{devices: make(map[string]models.Device, len(devices))}
	for _, d := range devices {
		r.devices[d.DeviceID] = d
	}
	return r
}

// GetDevice returns a copy of the device, or ErrDeviceNotFound.
func (r *MemoryRegistry) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}

// UpsertDevice stores a copy of device.
func (r *MemoryRegistry) UpsertDevice(_ context.Context, device *models.Device) error {
	d := *device
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	r.mu.Lock()
	r.devices[d.DeviceID] = d
	r.mu.Unlock()
	return nil
}

// UpdateDeviceThreat records the latest threat status and data summary.
func (r *MemoryRegistry) UpdateDeviceThreat(_ context.Context, deviceID, threat, data, lastSeen string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Threat = threat
	d.Data = data
	d.LastSeen = lastSeen
	d.UpdatedAt = time.Now()
	r.devices[deviceID] = d
	return nil
}

// Len returns the number of registered devices.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
