package notify

import (
	"context"

	"timelines/internal/models"
	"timelines/internal/repository"
)

// Observe wraps every store so successful writes are published on hub.
// Reads pass through untouched.
func Observe(repos *repository.Repository, hub *Hub) *repository.Repository {
	return &repository.Repository{
		EventRepo:       &events{EventRepo: repos.EventRepo, hub: hub},
		DeviceStateRepo: &deviceStates{DeviceStateRepo: repos.DeviceStateRepo, hub: hub},
		RunRepo:         &runs{RunRepo: repos.RunRepo, hub: hub},
	}
}

type events struct {
	repository.EventRepo
	hub *Hub
}

func (e *events) Append(ctx context.Context, ev models.EventRecord) (models.EventRecord, error) {
	out, err := e.EventRepo.Append(ctx, ev)
	if err != nil {
		return out, err
	}
	e.hub.Publish(TopicEventAdded, out)
	return out, nil
}

type deviceStates struct {
	repository.DeviceStateRepo
	hub *Hub
}

func (d *deviceStates) Upsert(ctx context.Context, s models.DeviceState) (models.DeviceState, bool, error) {
	out, applied, err := d.DeviceStateRepo.Upsert(ctx, s)
	if err != nil || !applied {
		return out, applied, err
	}
	d.hub.Publish(TopicDeviceStateChanged, out)
	return out, true, nil
}

type runs struct {
	repository.RunRepo
	hub *Hub
}

func (r *runs) Insert(ctx context.Context, run models.RunRecord) (models.RunRecord, error) {
	out, err := r.RunRepo.Insert(ctx, run)
	if err != nil {
		return out, err
	}
	r.hub.Publish(TopicRunChanged, out)
	return out, nil
}

func (r *runs) UpdateIfRunning(ctx context.Context, id int64, c models.RunClose) (models.RunRecord, bool, error) {
	out, applied, err := r.RunRepo.UpdateIfRunning(ctx, id, c)
	if err != nil || !applied {
		return out, applied, err
	}
	r.hub.Publish(TopicRunChanged, out)
	return out, true, nil
}
