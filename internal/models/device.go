package models

import "time"

// Device is a registry entry. Power gates whether telemetry is processed.
type Device struct {
	DeviceID  string    `json:"id" validate:"required"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Location  string    `json:"location"`
	Data      string    `json:"data"`
	Threat    string    `json:"threat"`
	LastSeen  string    `json:"last_seen"`
	Power     bool      `json:"power"`
	UpdatedAt time.Time `json:"updated_at"`
}
