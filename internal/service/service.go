package service

import (
	"context"
	"time"

	"timelines/internal/config"
	"timelines/internal/dispatcher"
	"timelines/internal/logger"
	"timelines/internal/models"
	"timelines/internal/repository"
)

// EventLog accepts new events and serves the raw log.
type EventLog interface {
	Ingest(ctx context.Context, eventType string, payload map[string]any) (models.EventRecord, error)
	List(ctx context.Context, f LogFilter) ([]models.EventRecord, error)
}

// Monitoring exposes the materialized read views.
type Monitoring interface {
	ListDeviceStates(ctx context.Context) ([]models.DeviceState, error)
	GetDeviceState(ctx context.Context, entityID string) (models.DeviceState, error)
	ListRuns(ctx context.Context, f RunFilter) ([]models.RunRecord, error)
}

// Processor reports the state of the event dispatcher.
type Processor interface {
	Status() dispatcher.Status
}

// Simulator runs the background loop that emits synthetic device events.
// Stop via context cancellation in main() for graceful shutdown.
type Simulator interface {
	Run(ctx context.Context, tick time.Duration)
}

// Service aggregates all sub-services.
type Service struct {
	EventLog
	Monitoring
	Processor
	Simulator
}

// NewService wires the log, the read stores and the dispatcher into concrete services.
func NewService(repos *repository.Repository, events EventStore, proc Processor, sim config.SimulatorConfig, log *logger.Logger) *Service {
	eventLog := NewEventLogService(events)
	return &Service{
		EventLog:   eventLog,
		Monitoring: NewMonitoringService(repos.DeviceStateRepo, repos.RunRepo),
		Processor:  proc,
		Simulator:  NewSimulatorService(eventLog, sim, log),
	}
}
