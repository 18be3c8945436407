package service

import (
	"context"
	"math"
	"time"

	"timelines/internal/config"
	"timelines/internal/logger"
	"timelines/internal/models"
)

// Simulated room climate.
const (
	HumidityStartPct    = 65.0
	HumidityMinPct      = 35.0
	HumidityMaxPct      = 80.0
	HumidityDropPerTick = 0.2 // while the dehumidifier runs
	HumidityRisePerTick = 0.1 // while it is idle
	RoomTemperatureC    = 21.5

	stateOn  = "on"
	stateOff = "off"
)

// SimulatorService drives a fake dehumidifier switch through on/off cycles
// and ingests each transition as a DEHUMIDIFIER event.
type SimulatorService struct {
	events EventLog
	cfg    config.SimulatorConfig
	log    *logger.Logger

	on          bool
	ticks       int
	energy      float64
	humidity    float64
	lastChanged string
}

// NewSimulatorService returns a simulator that starts idle.
func NewSimulatorService(events EventLog, cfg config.SimulatorConfig, log *logger.Logger) *SimulatorService {
	if cfg.FriendlyName == "" {
		cfg.FriendlyName = cfg.EntityID
	}
	return &SimulatorService{
		events:   events,
		cfg:      cfg,
		log:      log.Named("simulator"),
		humidity: HumidityStartPct,
	}
}

// Run ticks at the given interval until ctx is canceled.
func (s *SimulatorService) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.step(ctx, now)
		}
	}
}

// step advances the simulation by one tick. It reports whether a
// transition was emitted.
func (s *SimulatorService) step(ctx context.Context, now time.Time) bool {
	s.ticks++
	s.advanceClimate()

	limit := s.cfg.IdleTicks
	if s.on {
		s.energy += s.cfg.EnergyPerTick
		limit = s.cfg.RunTicks
	}
	if s.ticks < limit {
		return false
	}

	from, to := stateOff, stateOn
	if s.on {
		from, to = stateOn, stateOff
	}
	ts := now.UTC().Format(timestampLayout)
	payload := s.payload(from, to, ts)

	if _, err := s.events.Ingest(ctx, models.EventTypeDehumidifier, payload); err != nil {
		// retried on the next tick
		s.log.Warnw("simulated_event_failed", "entity_id", s.cfg.EntityID, "to_state", to, "err", err)
		return false
	}

	s.on = !s.on
	s.ticks = 0
	s.lastChanged = ts
	s.log.Debugw("simulated_transition", "entity_id", s.cfg.EntityID, "from_state", from, "to_state", to)
	return true
}

func (s *SimulatorService) advanceClimate() {
	if s.on {
		s.humidity = math.Max(s.humidity-HumidityDropPerTick, HumidityMinPct)
		return
	}
	s.humidity = math.Min(s.humidity+HumidityRisePerTick, HumidityMaxPct)
}

func (s *SimulatorService) payload(from, to, ts string) map[string]any {
	fromChanged := s.lastChanged
	if fromChanged == "" {
		fromChanged = ts
	}
	return map[string]any{
		"entity_id":         s.cfg.EntityID,
		"from_state":        from,
		"to_state":          to,
		"from_last_changed": fromChanged,
		"to_last_changed":   ts,
		"to_attributes": map[string]any{
			"friendly_name": s.cfg.FriendlyName,
		},
		"energy_reading":      round(s.energy, 4),
		"energy_unit":         "kWh",
		"humidity_reading":    round(s.humidity, 1),
		"humidity_unit":       "%",
		"temperature_reading": RoomTemperatureC,
		"temperature_unit":    "°C",
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
