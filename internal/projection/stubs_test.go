package projection

import (
	"context"
	"errors"
	"sort"
	"sync"

	"timelines/internal/models"
	"timelines/internal/repository"
)

// memRuns is an in-memory RunRepo with the same running-run guard as the
// SQL schema.
type memRuns struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]models.RunRecord

	findErr   error
	insertErr error
	updateErr error
	updates   int
}

func newMemRuns() *memRuns { return &memRuns{runs: map[int64]models.RunRecord{}} }

func (m *memRuns) FindRunning(_ context.Context, entityID string) (models.RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return models.RunRecord{}, false, m.findErr
	}
	for _, r := range m.runs {
		if r.EntityID == entityID && r.Status == models.RunStatusRunning {
			return r, true, nil
		}
	}
	return models.RunRecord{}, false, nil
}

func (m *memRuns) HasStartEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.StartEventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRuns) HasEndEvent(_ context.Context, eventID string, status models.RunStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.EndEventID == eventID && r.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRuns) Insert(_ context.Context, r models.RunRecord) (models.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return models.RunRecord{}, m.insertErr
	}
	for _, existing := range m.runs {
		if existing.StartEventID == r.StartEventID ||
			(existing.EntityID == r.EntityID && existing.Status == models.RunStatusRunning && r.Status == models.RunStatusRunning) {
			return models.RunRecord{}, repository.ErrRunConflict
		}
	}
	m.nextID++
	r.ID = m.nextID
	m.runs[r.ID] = r
	return r, nil
}

func (m *memRuns) UpdateIfRunning(_ context.Context, id int64, c models.RunClose) (models.RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return models.RunRecord{}, false, m.updateErr
	}
	r, ok := m.runs[id]
	if !ok || r.Status != models.RunStatusRunning {
		return models.RunRecord{}, false, nil
	}
	m.updates++
	r.Status = c.Status
	r.EndTime = c.EndTime
	r.EndEventID = c.EndEventID
	r.Duration = c.Duration
	r.EndEnergyReading = c.EndEnergyReading
	r.EnergyConsumed = c.EnergyConsumed
	r.EndHumidityReading = c.EndHumidityReading
	r.EndTemperatureReading = c.EndTemperatureReading
	r.ErrorMessage = c.ErrorMessage
	m.runs[id] = r
	return r, true, nil
}

func (m *memRuns) List(_ context.Context, f repository.RunFilter) ([]models.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if f.EntityID != "" && r.EntityID != f.EntityID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRuns) all() []models.RunRecord {
	out, _ := m.List(context.Background(), repository.RunFilter{})
	return out
}

// memStates is an in-memory DeviceStateRepo guarded by feed position.
type memStates struct {
	mu     sync.Mutex
	states map[string]models.DeviceState
	err    error
	calls  int
}

func newMemStates() *memStates { return &memStates{states: map[string]models.DeviceState{}} }

func (m *memStates) Upsert(_ context.Context, s models.DeviceState) (models.DeviceState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return models.DeviceState{}, false, m.err
	}
	if cur, ok := m.states[s.EntityID]; ok && cur.LastEventPosition > s.LastEventPosition {
		return models.DeviceState{}, false, nil
	}
	m.states[s.EntityID] = s
	return s, true, nil
}

func (m *memStates) Get(_ context.Context, entityID string) (models.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[entityID]
	if !ok {
		return models.DeviceState{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *memStates) List(_ context.Context) ([]models.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DeviceState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}

var errStore = errors.New("store unavailable")

func transition(id string, pos int64, ts, entity, from, to string, energy any) models.EventRecord {
	p := map[string]any{
		"entity_id":  entity,
		"from_state": from,
		"to_state":   to,
	}
	if energy != nil {
		p["energy_reading"] = energy
	}
	return models.EventRecord{ID: id, Position: pos, EventType: models.EventTypeDehumidifier, Timestamp: ts, Payload: p}
}
