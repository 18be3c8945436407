package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"timelines/internal/models"
)

type DeviceStateSQLite struct {
	db *sql.DB
}

func NewDeviceStateSQLite(db *sql.DB) *DeviceStateSQLite {
	return &DeviceStateSQLite{db: db}
}

const (
	deviceStateColumns = `entity_id, current_state, friendly_name, last_changed, last_event_id, last_event_position, attributes, created_at, updated_at`

	// The WHERE on the update arm drops redeliveries of older feed positions.
	upsertDeviceStateSQL = `
		INSERT INTO device_states (entity_id, current_state, friendly_name, last_changed, last_event_id, last_event_position, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			current_state=excluded.current_state,
			friendly_name=excluded.friendly_name,
			last_changed=excluded.last_changed,
			last_event_id=excluded.last_event_id,
			last_event_position=excluded.last_event_position,
			attributes=excluded.attributes,
			updated_at=excluded.updated_at
		WHERE excluded.last_event_position >= device_states.last_event_position
		RETURNING ` + deviceStateColumns

	selectDeviceStateSQL = `SELECT ` + deviceStateColumns + ` FROM device_states WHERE entity_id = ?`

	selectDeviceStatesSQL = `SELECT ` + deviceStateColumns + ` FROM device_states ORDER BY entity_id ASC`
)

// Upsert creates or replaces the row for s.EntityID.
func (r *DeviceStateSQLite) Upsert(ctx context.Context, s models.DeviceState) (models.DeviceState, bool, error) {
	attrs, err := marshalJSONMap(s.Attributes)
	if err != nil {
		return models.DeviceState{}, false, fmt.Errorf("marshal attributes: %w", err)
	}

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, upsertDeviceStateSQL,
		s.EntityID,
		s.CurrentState,
		s.FriendlyName,
		s.LastChanged,
		s.LastEventID,
		s.LastEventPosition,
		attrs,
		now,
		now,
	)
	got, err := scanDeviceState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// conflict arm skipped: a newer position is already stored
			return models.DeviceState{}, false, nil
		}
		return models.DeviceState{}, false, err
	}
	return got, true, nil
}

// Get loads one device state; ErrNotFound when the entity was never seen.
func (r *DeviceStateSQLite) Get(ctx context.Context, entityID string) (models.DeviceState, error) {
	s, err := scanDeviceState(r.db.QueryRowContext(ctx, selectDeviceStateSQL, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeviceState{}, ErrNotFound
		}
		return models.DeviceState{}, err
	}
	return s, nil
}

func (r *DeviceStateSQLite) List(ctx context.Context) ([]models.DeviceState, error) {
	rows, err := r.db.QueryContext(ctx, selectDeviceStatesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.DeviceState, 0, 16)
	for rows.Next() {
		s, err := scanDeviceState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanDeviceState(row rowScanner) (models.DeviceState, error) {
	var (
		s            models.DeviceState
		friendlyName sql.NullString
		attrs        sql.NullString
	)
	if err := row.Scan(
		&s.EntityID,
		&s.CurrentState,
		&friendlyName,
		&s.LastChanged,
		&s.LastEventID,
		&s.LastEventPosition,
		&attrs,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return models.DeviceState{}, err
	}
	s.FriendlyName = friendlyName.String

	m, err := unmarshalJSONMap(attrs)
	if err != nil {
		return models.DeviceState{}, fmt.Errorf("decode attributes of %s: %w", s.EntityID, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	s.Attributes = m
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}
