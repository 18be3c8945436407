package models

import (
	"errors"
	"fmt"
	"time"
)

// EventTypeDehumidifier tags state transitions reported for the dehumidifier switch.
const EventTypeDehumidifier = "DEHUMIDIFIER"

// ErrMalformedPayload is returned when a payload lacks the fields its event type requires.
var ErrMalformedPayload = errors.New("malformed payload")

// EventRecord is a single immutable entry of the event log.
type EventRecord struct {
	ID         string         `json:"id"`
	Position   int64          `json:"position"`  // insertion order assigned by the store
	EventType  string         `json:"event_type"`
	Timestamp  string         `json:"timestamp"` // ISO-8601, caller supplied
	Payload    map[string]any `json:"payload,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// StateChange is the typed view of a device state-transition payload.
type StateChange struct {
	EntityID        string
	FromState       string
	ToState         string
	FromLastChanged string
	ToLastChanged   string
	ToAttributes    map[string]any
	EnergyReading   *float64
	EnergyUnit      string

	HumidityReading    *float64
	HumidityUnit       string
	TemperatureReading *float64
	TemperatureUnit    string
}

// StateChange decodes the payload as a device state transition.
// entity_id and to_state are required; everything else is optional.
func (e EventRecord) StateChange() (StateChange, error) {
	p := e.Payload
	sc := StateChange{
		EntityID:           stringField(p, "entity_id"),
		FromState:          stringField(p, "from_state"),
		ToState:            stringField(p, "to_state"),
		FromLastChanged:    stringField(p, "from_last_changed"),
		ToLastChanged:      stringField(p, "to_last_changed"),
		ToAttributes:       mapField(p, "to_attributes"),
		EnergyReading:      numberField(p, "energy_reading"),
		EnergyUnit:         stringField(p, "energy_unit"),
		HumidityReading:    numberField(p, "humidity_reading"),
		HumidityUnit:       stringField(p, "humidity_unit"),
		TemperatureReading: numberField(p, "temperature_reading"),
		TemperatureUnit:    stringField(p, "temperature_unit"),
	}
	if sc.EntityID == "" || sc.ToState == "" {
		return sc, fmt.Errorf("%w: event %s missing entity_id or to_state", ErrMalformedPayload, e.ID)
	}
	return sc, nil
}

// EntityID returns payload.entity_id without validating the rest of the payload.
func (e EventRecord) EntityID() string {
	return stringField(e.Payload, "entity_id")
}

// FriendlyName returns to_attributes.friendly_name or "".
func (s StateChange) FriendlyName() string {
	return stringField(s.ToAttributes, "friendly_name")
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

// numberField accepts every numeric shape JSON decoding or callers may produce.
func numberField(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	var f float64
	switch v := m[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	default:
		return nil
	}
	return &f
}
