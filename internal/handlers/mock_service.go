package handlers

import (
	"context"

	"timelines/internal/dispatcher"
	"timelines/internal/models"
	"timelines/internal/repository"
	"timelines/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockEventLog struct {
	ingested  models.EventRecord
	ingestErr error
	resp      []models.EventRecord
	listErr   error

	lastType    string
	lastPayload map[string]any
	lastFilter  service.LogFilter
	listCalls   int
}

func (m *mockEventLog) Ingest(ctx context.Context, eventType string, payload map[string]any) (models.EventRecord, error) {
	m.lastType = eventType
	m.lastPayload = payload
	return m.ingested, m.ingestErr
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]models.EventRecord, error) {
	m.listCalls++
	m.lastFilter = f
	return m.resp, m.listErr
}

type mockMonitoring struct {
	states    []models.DeviceState
	statesErr error
	runs      []models.RunRecord
	runsErr   error

	lastRunFilter service.RunFilter
}

func (m *mockMonitoring) ListDeviceStates(ctx context.Context) ([]models.DeviceState, error) {
	return m.states, m.statesErr
}

func (m *mockMonitoring) GetDeviceState(ctx context.Context, entityID string) (models.DeviceState, error) {
	if m.statesErr != nil {
		return models.DeviceState{}, m.statesErr
	}
	for _, s := range m.states {
		if s.EntityID == entityID {
			return s, nil
		}
	}
	return models.DeviceState{}, repository.ErrNotFound
}

func (m *mockMonitoring) ListRuns(ctx context.Context, f service.RunFilter) ([]models.RunRecord, error) {
	m.lastRunFilter = f
	return m.runs, m.runsErr
}

type mockProcessor struct {
	status dispatcher.Status
}

func (m *mockProcessor) Status() dispatcher.Status { return m.status }

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil, nil, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}
