package models

import "time"

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusError    RunStatus = "error"
)

type StartMethod string

const (
	StartedByAutomation StartMethod = "automation"
	StartedByManual     StartMethod = "manual"
)

// RunRecord is one on/off interval of a monitored entity.
type RunRecord struct {
	ID       int64     `json:"id"`
	EntityID string    `json:"entity_id"`
	Status   RunStatus `json:"status"`

	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
	Duration  *int64 `json:"duration,omitempty"` // ms

	StartEnergyReading float64  `json:"start_energy_reading"`
	EndEnergyReading   *float64 `json:"end_energy_reading,omitempty"`
	EnergyConsumed     *float64 `json:"energy_consumed,omitempty"`
	EnergyUnit         string   `json:"energy_unit"`

	StartedBy         StartMethod `json:"started_by"`
	HumidityThreshold *float64    `json:"humidity_threshold,omitempty"`

	StartHumidityReading    *float64 `json:"start_humidity_reading,omitempty"`
	EndHumidityReading      *float64 `json:"end_humidity_reading,omitempty"`
	HumidityUnit            string   `json:"humidity_unit,omitempty"`
	StartTemperatureReading *float64 `json:"start_temperature_reading,omitempty"`
	EndTemperatureReading   *float64 `json:"end_temperature_reading,omitempty"`
	TemperatureUnit         string   `json:"temperature_unit,omitempty"`

	StartEventID string `json:"start_event_id"`
	EndEventID   string `json:"end_event_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunClose carries the fields written when a running run is closed,
// either as finished or as error.
type RunClose struct {
	Status                RunStatus
	EndTime               string
	EndEventID            string
	Duration              *int64
	EndEnergyReading      *float64
	EnergyConsumed        *float64
	EndHumidityReading    *float64
	EndTemperatureReading *float64
	ErrorMessage          string
}
