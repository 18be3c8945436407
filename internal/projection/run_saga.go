package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timelines/internal/logger"
	"timelines/internal/models"
	"timelines/internal/repository"
)

const runSagaName = "DehumidifierRunSaga"

// DefaultMonitoredEntity is watched when no entities are configured.
const DefaultMonitoredEntity = "switch.shellyplus1pm_fce8c0fdc4e0_switch_0"

// OverlapMessage is recorded on a run closed because a newer one started.
const OverlapMessage = "New run started while previous run was still active"

const (
	stateOn  = "on"
	stateOff = "off"

	defaultEnergyUnit      = "kWh"
	defaultHumidityUnit    = "%"
	defaultTemperatureUnit = "°C"
)

var (
	// ErrMissingEnergyReading fails a start or end transition without a numeric energy_reading.
	ErrMissingEnergyReading = errors.New("missing energy reading")
	// ErrInvalidTimestamp fails an end transition whose timestamps cannot be parsed.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// RunSagaConfig configures RunSaga. Zero values select the defaults.
type RunSagaConfig struct {
	Entities          []string
	EventTypes        []string
	DefaultEnergyUnit string
	Classifier        StartClassifier
	Threshold         ThresholdExtractor
}

// RunSaga rebuilds on/off runs of the monitored entities.
//
// Per entity a run moves none -> running -> finished|error. A start while a
// run is open closes the open one as error before opening the new one; an
// end without an open run is dropped.
type RunSaga struct {
	runs       repository.RunRepo
	entities   map[string]struct{}
	eventTypes []string
	energyUnit string
	classifier StartClassifier
	threshold  ThresholdExtractor
	log        *logger.Logger
}

func NewRunSaga(runs repository.RunRepo, log *logger.Logger, cfg RunSagaConfig) *RunSaga {
	entities := cfg.Entities
	if len(entities) == 0 {
		entities = []string{DefaultMonitoredEntity}
	}
	set := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		set[e] = struct{}{}
	}

	s := &RunSaga{
		runs:       runs,
		entities:   set,
		eventTypes: eventTypesOrDefault(cfg.EventTypes),
		energyUnit: cfg.DefaultEnergyUnit,
		classifier: cfg.Classifier,
		threshold:  cfg.Threshold,
		log:        log.Named(runSagaName),
	}
	if s.energyUnit == "" {
		s.energyUnit = defaultEnergyUnit
	}
	if s.classifier == nil {
		s.classifier = ManualStart
	}
	if s.threshold == nil {
		s.threshold = NoThreshold
	}
	return s
}

func (s *RunSaga) Name() string { return runSagaName }

func (s *RunSaga) EventTypes() []string { return s.eventTypes }

// Monitors reports whether entityID is tracked by the saga.
func (s *RunSaga) Monitors(entityID string) bool {
	_, ok := s.entities[entityID]
	return ok
}

func (s *RunSaga) Process(ctx context.Context, ev models.EventRecord) error {
	sc, err := ev.StateChange()
	if err != nil {
		if errors.Is(err, models.ErrMalformedPayload) {
			s.log.Warnw("event_dropped", "event_id", ev.ID, "err", err)
			return nil
		}
		return err
	}
	if !s.Monitors(sc.EntityID) {
		return nil
	}

	switch {
	case sc.FromState == stateOff && sc.ToState == stateOn:
		return s.start(ctx, ev, sc)
	case sc.FromState == stateOn && sc.ToState == stateOff:
		return s.end(ctx, ev, sc)
	default:
		return nil
	}
}

func (s *RunSaga) start(ctx context.Context, ev models.EventRecord, sc models.StateChange) error {
	if sc.EnergyReading == nil {
		return fmt.Errorf("%w: start event %s", ErrMissingEnergyReading, ev.ID)
	}
	if _, err := parseTimestamp(ev.Timestamp); err != nil {
		return fmt.Errorf("start event %s: %w", ev.ID, err)
	}

	seen, err := s.runs.HasStartEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("check start event %s: %w", ev.ID, err)
	}
	if seen {
		s.log.Infow("duplicate_start_skipped", "entity_id", sc.EntityID, "event_id", ev.ID)
		return nil
	}

	open, ok, err := s.runs.FindRunning(ctx, sc.EntityID)
	if err != nil {
		return fmt.Errorf("find running run for %s: %w", sc.EntityID, err)
	}
	if ok {
		s.log.Warnw("overlapping_run_closed", "entity_id", sc.EntityID, "run_id", open.ID, "event_id", ev.ID)
		if _, _, err := s.runs.UpdateIfRunning(ctx, open.ID, models.RunClose{
			Status:       models.RunStatusError,
			EndTime:      ev.Timestamp,
			EndEventID:   ev.ID,
			ErrorMessage: OverlapMessage,
		}); err != nil {
			return fmt.Errorf("close overlapping run %d: %w", open.ID, err)
		}
	}

	run := models.RunRecord{
		EntityID:                sc.EntityID,
		Status:                  models.RunStatusRunning,
		StartTime:               ev.Timestamp,
		StartEnergyReading:      *sc.EnergyReading,
		EnergyUnit:              s.unit(sc.EnergyUnit, s.energyUnit),
		StartedBy:               s.classifier.Classify(sc),
		HumidityThreshold:       s.threshold.Extract(sc),
		StartHumidityReading:    sc.HumidityReading,
		StartTemperatureReading: sc.TemperatureReading,
		StartEventID:            ev.ID,
	}
	if sc.HumidityReading != nil {
		run.HumidityUnit = s.unit(sc.HumidityUnit, defaultHumidityUnit)
	}
	if sc.TemperatureReading != nil {
		run.TemperatureUnit = s.unit(sc.TemperatureUnit, defaultTemperatureUnit)
	}

	created, err := s.runs.Insert(ctx, run)
	if err != nil {
		return fmt.Errorf("start run for %s: %w", sc.EntityID, err)
	}

	s.log.Infow("run_started", "entity_id", sc.EntityID, "run_id", created.ID, "started_by", created.StartedBy)
	return nil
}

func (s *RunSaga) end(ctx context.Context, ev models.EventRecord, sc models.StateChange) error {
	if sc.EnergyReading == nil {
		return fmt.Errorf("%w: end event %s", ErrMissingEnergyReading, ev.ID)
	}

	seen, err := s.runs.HasEndEvent(ctx, ev.ID, models.RunStatusFinished)
	if err != nil {
		return fmt.Errorf("check end event %s: %w", ev.ID, err)
	}
	if seen {
		s.log.Infow("duplicate_end_skipped", "entity_id", sc.EntityID, "event_id", ev.ID)
		return nil
	}

	open, ok, err := s.runs.FindRunning(ctx, sc.EntityID)
	if err != nil {
		return fmt.Errorf("find running run for %s: %w", sc.EntityID, err)
	}
	if !ok {
		s.log.Warnw("end_without_running_run", "entity_id", sc.EntityID, "event_id", ev.ID)
		return nil
	}

	duration, err := durationMillis(open.StartTime, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("run %d: %w", open.ID, err)
	}
	end := *sc.EnergyReading
	consumed := end - open.StartEnergyReading

	closed, applied, err := s.runs.UpdateIfRunning(ctx, open.ID, models.RunClose{
		Status:                models.RunStatusFinished,
		EndTime:               ev.Timestamp,
		EndEventID:            ev.ID,
		Duration:              &duration,
		EndEnergyReading:      &end,
		EnergyConsumed:        &consumed,
		EndHumidityReading:    sc.HumidityReading,
		EndTemperatureReading: sc.TemperatureReading,
	})
	if err != nil {
		return fmt.Errorf("finish run %d: %w", open.ID, err)
	}
	if !applied {
		s.log.Warnw("run_closed_concurrently", "entity_id", sc.EntityID, "run_id", open.ID, "event_id", ev.ID)
		return nil
	}

	s.log.Infow("run_finished",
		"entity_id", sc.EntityID,
		"run_id", closed.ID,
		"duration_s", duration/1000,
		"energy_consumed", consumed,
		"energy_unit", closed.EnergyUnit,
	)
	return nil
}

// OnError closes the entity's open run as error so it is never left running.
func (s *RunSaga) OnError(ctx context.Context, cause error, ev models.EventRecord) error {
	s.log.Errorw("process_failed", "event_id", ev.ID, "err", cause)

	entityID := ev.EntityID()
	if entityID == "" {
		return nil
	}
	open, ok, err := s.runs.FindRunning(ctx, entityID)
	if err != nil {
		return fmt.Errorf("find running run for %s: %w", entityID, err)
	}
	if !ok {
		return nil
	}

	msg := "processing failed"
	if cause != nil {
		msg = cause.Error()
	}
	if _, _, err := s.runs.UpdateIfRunning(ctx, open.ID, models.RunClose{
		Status:       models.RunStatusError,
		EndTime:      ev.Timestamp,
		EndEventID:   ev.ID,
		ErrorMessage: msg,
	}); err != nil {
		return fmt.Errorf("mark run %d as error: %w", open.ID, err)
	}
	s.log.Warnw("run_marked_error", "entity_id", entityID, "run_id", open.ID, "event_id", ev.ID)
	return nil
}

func (s *RunSaga) unit(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// timestampLayouts are the accepted ISO-8601 forms. Layouts without an
// offset are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

func durationMillis(start, end string) (int64, error) {
	st, err := parseTimestamp(start)
	if err != nil {
		return 0, fmt.Errorf("start: %w", err)
	}
	et, err := parseTimestamp(end)
	if err != nil {
		return 0, fmt.Errorf("end: %w", err)
	}
	return et.Sub(st).Milliseconds(), nil
}
