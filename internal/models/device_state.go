package models

import "time"

// DeviceState is the current-state-per-entity view.
type DeviceState struct {
	EntityID          string         `json:"entity_id"`
	CurrentState      string         `json:"current_state"`
	FriendlyName      string         `json:"friendly_name,omitempty"`
	LastChanged       string         `json:"last_changed"`
	LastEventID       string         `json:"last_event_id"`
	LastEventPosition int64          `json:"last_event_position"`
	Attributes        map[string]any `json:"attributes"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
