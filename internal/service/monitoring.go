package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"timelines/internal/models"
	"timelines/internal/repository"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// ErrInvalidRunStatus rejects run filters with an unknown status.
var ErrInvalidRunStatus = errors.New("invalid run status")

type MonitoringService struct {
	states repository.DeviceStateRepo
	runs   repository.RunRepo
}

func NewMonitoringService(states repository.DeviceStateRepo, runs repository.RunRepo) *MonitoringService {
	return &MonitoringService{states: states, runs: runs}
}

func (s *MonitoringService) ListDeviceStates(ctx context.Context) ([]models.DeviceState, error) {
	return s.states.List(ctx)
}

// GetDeviceState returns repository.ErrNotFound for unknown entities.
func (s *MonitoringService) GetDeviceState(ctx context.Context, entityID string) (models.DeviceState, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return models.DeviceState{}, repository.ErrNotFound
	}
	return s.states.Get(ctx, entityID)
}

// ListRuns returns runs newest first.
func (s *MonitoringService) ListRuns(ctx context.Context, f RunFilter) ([]models.RunRecord, error) {
	status := models.RunStatus(strings.ToLower(strings.TrimSpace(string(f.Status))))
	switch status {
	case "", models.RunStatusRunning, models.RunStatusFinished, models.RunStatusError:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunStatus, f.Status)
	}

	return s.runs.List(ctx, repository.RunFilter{
		EntityID: strings.TrimSpace(f.EntityID),
		Status:   status,
		Limit:    clampLimit(f.Limit, defaultRunLimit, maxRunLimit),
	})
}
