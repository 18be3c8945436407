package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"timelines/internal/models"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrRunConflict is returned when a run write loses against a concurrent one.
	ErrRunConflict = errors.New("run conflict")
)

// EventFilter narrows event listings. Zero values mean "no bound".
type EventFilter struct {
	From  time.Time // recorded_at >= From
	To    time.Time // recorded_at <= To
	Type  string
	After int64 // position > After
	Limit int
}

// RunFilter narrows run listings. Zero values mean "no bound".
type RunFilter struct {
	EntityID string
	Status   models.RunStatus
	Limit    int
}

type EventRepo interface {
	Append(ctx context.Context, e models.EventRecord) (models.EventRecord, error)
	ListAfter(ctx context.Context, after int64, limit int) ([]models.EventRecord, error)
	LastPosition(ctx context.Context) (int64, error)
	List(ctx context.Context, f EventFilter) ([]models.EventRecord, error)
}

type DeviceStateRepo interface {
	// Upsert writes s unless the stored row came from a later feed position.
	// The returned bool reports whether the write was applied.
	Upsert(ctx context.Context, s models.DeviceState) (models.DeviceState, bool, error)
	Get(ctx context.Context, entityID string) (models.DeviceState, error)
	List(ctx context.Context) ([]models.DeviceState, error)
}

type RunRepo interface {
	FindRunning(ctx context.Context, entityID string) (models.RunRecord, bool, error)
	HasStartEvent(ctx context.Context, eventID string) (bool, error)
	HasEndEvent(ctx context.Context, eventID string, status models.RunStatus) (bool, error)
	Insert(ctx context.Context, r models.RunRecord) (models.RunRecord, error)
	// UpdateIfRunning closes run id only while it is still running.
	// The returned bool is false when another writer closed it first.
	UpdateIfRunning(ctx context.Context, id int64, c models.RunClose) (models.RunRecord, bool, error)
	List(ctx context.Context, f RunFilter) ([]models.RunRecord, error)
}

type Repository struct {
	EventRepo       EventRepo
	DeviceStateRepo DeviceStateRepo
	RunRepo         RunRepo
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		EventRepo:       NewEventSQLite(db),
		DeviceStateRepo: NewDeviceStateSQLite(db),
		RunRepo:         NewRunSQLite(db),
	}
}

// marshalJSONMap stores an open structured value as TEXT; nil stays NULL.
func marshalJSONMap(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalJSONMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
