package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"timelines/internal/models"
	"timelines/internal/repository"
)

// EventStore is the part of the event log the services use.
type EventStore interface {
	Append(ctx context.Context, eventType, timestamp string, payload map[string]any) (models.EventRecord, error)
	List(ctx context.Context, f repository.EventFilter) ([]models.EventRecord, error)
}

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000

	// ISO-8601 UTC with milliseconds.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

var (
	errInvalidTimeRange = errors.New("invalid time range: From must be <= To")

	// ErrEmptyEventType rejects ingestion without an event type.
	ErrEmptyEventType = errors.New("event type is required")
)

type EventLogService struct {
	events EventStore
	now    func() time.Time
}

func NewEventLogService(events EventStore) *EventLogService {
	return &EventLogService{events: events, now: time.Now}
}

// normalizeToUTC returns t in UTC, preserving zero time values.
func normalizeToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// normalizeEventType trims surrounding spaces. Types are case-sensitive and
// routed exactly as sent.
func normalizeEventType(s string) string {
	return strings.TrimSpace(s)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// normalizeAndValidateFilter prepares query parameters and validates the time range.
func normalizeAndValidateFilter(f LogFilter) (repository.EventFilter, error) {
	from := normalizeToUTC(f.From)
	to := normalizeToUTC(f.To)

	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return repository.EventFilter{}, errInvalidTimeRange
	}

	return repository.EventFilter{
		From:  from,
		To:    to,
		Type:  normalizeEventType(f.Type),
		After: f.After,
		Limit: clampLimit(f.Limit, defaultLogLimit, maxLogLimit),
	}, nil
}

// Ingest appends an event stamped with the current UTC time.
func (s *EventLogService) Ingest(ctx context.Context, eventType string, payload map[string]any) (models.EventRecord, error) {
	typ := normalizeEventType(eventType)
	if typ == "" {
		return models.EventRecord{}, ErrEmptyEventType
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return s.events.Append(ctx, typ, s.now().UTC().Format(timestampLayout), payload)
}

func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]models.EventRecord, error) {
	filter, err := normalizeAndValidateFilter(f)
	if err != nil {
		return nil, err
	}
	return s.events.List(ctx, filter)
}
