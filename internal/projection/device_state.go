package projection

import (
	"context"
	"errors"
	"fmt"

	"timelines/internal/logger"
	"timelines/internal/models"
	"timelines/internal/repository"
)

const deviceStateName = "DeviceStateProjection"

// DeviceStateProjection keeps the latest state of every entity.
type DeviceStateProjection struct {
	store      repository.DeviceStateRepo
	eventTypes []string
	log        *logger.Logger
}

// NewDeviceStateProjection builds the projection. With no event types it
// listens to DEHUMIDIFIER events.
func NewDeviceStateProjection(store repository.DeviceStateRepo, log *logger.Logger, eventTypes ...string) *DeviceStateProjection {
	return &DeviceStateProjection{
		store:      store,
		eventTypes: eventTypesOrDefault(eventTypes),
		log:        log.Named(deviceStateName),
	}
}

func (p *DeviceStateProjection) Name() string { return deviceStateName }

func (p *DeviceStateProjection) EventTypes() []string { return p.eventTypes }

// Process upserts the entity's state. Malformed payloads are dropped.
// An event older in feed order than the stored state is skipped.
func (p *DeviceStateProjection) Process(ctx context.Context, ev models.EventRecord) error {
	sc, err := ev.StateChange()
	if err != nil {
		if errors.Is(err, models.ErrMalformedPayload) {
			p.log.Warnw("event_dropped", "event_id", ev.ID, "err", err)
			return nil
		}
		return err
	}

	friendlyName := sc.FriendlyName()
	if friendlyName == "" {
		friendlyName = sc.EntityID
	}
	lastChanged := sc.ToLastChanged
	if lastChanged == "" {
		lastChanged = ev.Timestamp
	}
	attrs := sc.ToAttributes
	if attrs == nil {
		attrs = map[string]any{}
	}

	_, applied, err := p.store.Upsert(ctx, models.DeviceState{
		EntityID:          sc.EntityID,
		CurrentState:      sc.ToState,
		FriendlyName:      friendlyName,
		LastChanged:       lastChanged,
		LastEventID:       ev.ID,
		LastEventPosition: ev.Position,
		Attributes:        attrs,
	})
	if err != nil {
		return fmt.Errorf("upsert device state %s: %w", sc.EntityID, err)
	}
	if !applied {
		p.log.Infow("stale_event_skipped", "entity_id", sc.EntityID, "event_id", ev.ID, "position", ev.Position)
		return nil
	}

	p.log.Infow("device_state_updated", "entity_id", sc.EntityID, "state", sc.ToState)
	return nil
}

// OnError only records the failure; the next event for the entity
// overwrites whatever was missed.
func (p *DeviceStateProjection) OnError(_ context.Context, cause error, ev models.EventRecord) error {
	p.log.Errorw("process_failed", "event_id", ev.ID, "err", cause)
	return nil
}
