package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"timelines/internal/models"

	"github.com/google/uuid"
)

type EventSQLite struct {
	db *sql.DB
}

func NewEventSQLite(db *sql.DB) *EventSQLite { return &EventSQLite{db: db} }

const (
	eventColumns = `position, id, event_type, timestamp, payload, recorded_at`

	insertEventSQL = `
		INSERT INTO events (id, event_type, timestamp, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING position
	`

	selectEventsAfterSQL = `SELECT ` + eventColumns + ` FROM events WHERE position > ? ORDER BY position ASC LIMIT ?`

	selectLastPositionSQL = `SELECT COALESCE(MAX(position), 0) FROM events`
)

// Append inserts a new event and returns it with its feed position.
// If ID or RecordedAt are empty, they're set.
func (r *EventSQLite) Append(ctx context.Context, e models.EventRecord) (models.EventRecord, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	} else {
		e.RecordedAt = e.RecordedAt.UTC()
	}

	payload, err := marshalJSONMap(e.Payload)
	if err != nil {
		return models.EventRecord{}, fmt.Errorf("marshal payload: %w", err)
	}

	row := r.db.QueryRowContext(ctx, insertEventSQL,
		e.ID,
		strings.TrimSpace(e.EventType),
		e.Timestamp,
		payload,
		e.RecordedAt,
	)
	if err := row.Scan(&e.Position); err != nil {
		return models.EventRecord{}, err
	}
	return e, nil
}

// ListAfter returns up to limit events with position > after, in feed order.
func (r *EventSQLite) ListAfter(ctx context.Context, after int64, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, selectEventsAfterSQL, after, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LastPosition returns the highest assigned position, 0 for an empty log.
func (r *EventSQLite) LastPosition(ctx context.Context) (int64, error) {
	var pos int64
	if err := r.db.QueryRowContext(ctx, selectLastPositionSQL).Scan(&pos); err != nil {
		return 0, err
	}
	return pos, nil
}

// List returns events filtered by recorded_at range, type and position, ordered by position.
func (r *EventSQLite) List(ctx context.Context, f EventFilter) ([]models.EventRecord, error) {
	var (
		conds []string
		args  []any
	)

	if !f.From.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conds = append(conds, "recorded_at <= ?")
		args = append(args, f.To.UTC())
	}
	if typ := strings.TrimSpace(f.Type); typ != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, typ)
	}
	if f.After > 0 {
		conds = append(conds, "position > ?")
		args = append(args, f.After)
	}

	q := `SELECT ` + eventColumns + ` FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY position ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.EventRecord, error) {
	defer rows.Close()

	out := make([]models.EventRecord, 0, 64)
	for rows.Next() {
		var (
			ev      models.EventRecord
			payload sql.NullString
		)
		if err := rows.Scan(&ev.Position, &ev.ID, &ev.EventType, &ev.Timestamp, &payload, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.RecordedAt = ev.RecordedAt.UTC()

		m, err := unmarshalJSONMap(payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload of event %s: %w", ev.ID, err)
		}
		ev.Payload = m
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
