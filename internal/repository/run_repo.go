package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"timelines/internal/models"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type RunSQLite struct {
	db *sql.DB
}

func NewRunSQLite(db *sql.DB) *RunSQLite {
	return &RunSQLite{db: db}
}

const (
	runColumns = `id, entity_id, status, start_time, end_time, duration_ms,
		start_energy, end_energy, energy_consumed, energy_unit, started_by, humidity_threshold,
		start_humidity, end_humidity, humidity_unit, start_temperature, end_temperature, temperature_unit,
		start_event_id, end_event_id, error_message, created_at, updated_at`

	selectRunningRunSQL = `SELECT ` + runColumns + ` FROM runs WHERE entity_id = ? AND status = 'running'`

	existsStartEventSQL = `SELECT EXISTS (SELECT 1 FROM runs WHERE start_event_id = ?)`

	existsEndEventSQL = `SELECT EXISTS (SELECT 1 FROM runs WHERE end_event_id = ? AND status = ?)`

	insertRunSQL = `
		INSERT INTO runs (entity_id, status, start_time, start_energy, energy_unit, started_by, humidity_threshold,
			start_humidity, humidity_unit, start_temperature, temperature_unit, start_event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + runColumns

	// Compare-and-swap on status: only a still-running row is closed.
	closeRunSQL = `
		UPDATE runs SET
			status = ?,
			end_time = ?,
			end_event_id = ?,
			duration_ms = ?,
			end_energy = ?,
			energy_consumed = ?,
			end_humidity = ?,
			end_temperature = ?,
			error_message = ?,
			updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING ` + runColumns
)

// FindRunning returns the open run for entityID, if any.
func (r *RunSQLite) FindRunning(ctx context.Context, entityID string) (models.RunRecord, bool, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, selectRunningRunSQL, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunRecord{}, false, nil
		}
		return models.RunRecord{}, false, err
	}
	return run, true, nil
}

// HasStartEvent reports whether eventID already opened a run.
func (r *RunSQLite) HasStartEvent(ctx context.Context, eventID string) (bool, error) {
	var ok bool
	if err := r.db.QueryRowContext(ctx, existsStartEventSQL, eventID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// HasEndEvent reports whether eventID already closed a run with the given status.
func (r *RunSQLite) HasEndEvent(ctx context.Context, eventID string, status models.RunStatus) (bool, error) {
	var ok bool
	if err := r.db.QueryRowContext(ctx, existsEndEventSQL, eventID, string(status)).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Insert stores a new run. A second running run for the same entity, or a
// reused start event, is rejected with ErrRunConflict.
func (r *RunSQLite) Insert(ctx context.Context, run models.RunRecord) (models.RunRecord, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, insertRunSQL,
		run.EntityID,
		string(run.Status),
		run.StartTime,
		run.StartEnergyReading,
		run.EnergyUnit,
		string(run.StartedBy),
		run.HumidityThreshold,
		run.StartHumidityReading,
		nullIfEmpty(run.HumidityUnit),
		run.StartTemperatureReading,
		nullIfEmpty(run.TemperatureUnit),
		run.StartEventID,
		now,
		now,
	)
	got, err := scanRun(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.RunRecord{}, fmt.Errorf("insert run for %s: %w", run.EntityID, ErrRunConflict)
		}
		return models.RunRecord{}, err
	}
	return got, nil
}

// UpdateIfRunning closes run id. It is a no-op returning false when the run
// is no longer running.
func (r *RunSQLite) UpdateIfRunning(ctx context.Context, id int64, c models.RunClose) (models.RunRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, closeRunSQL,
		string(c.Status),
		c.EndTime,
		c.EndEventID,
		c.Duration,
		c.EndEnergyReading,
		c.EnergyConsumed,
		c.EndHumidityReading,
		c.EndTemperatureReading,
		nullIfEmpty(c.ErrorMessage),
		time.Now().UTC(),
		id,
	)
	got, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunRecord{}, false, nil
		}
		return models.RunRecord{}, false, err
	}
	return got, true, nil
}

// List returns runs newest first, in reverse insertion order.
func (r *RunSQLite) List(ctx context.Context, f RunFilter) ([]models.RunRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	q := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.RunRecord, 0, 16)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRun(row rowScanner) (models.RunRecord, error) {
	var (
		run                                    models.RunRecord
		status, startedBy                      string
		endTime, humidityUnit, temperatureUnit sql.NullString
		endEventID, errorMessage               sql.NullString
		duration                               sql.NullInt64
		endEnergy, energyConsumed, threshold   sql.NullFloat64
		startHumidity, endHumidity             sql.NullFloat64
		startTemperature, endTemperature       sql.NullFloat64
	)
	if err := row.Scan(
		&run.ID,
		&run.EntityID,
		&status,
		&run.StartTime,
		&endTime,
		&duration,
		&run.StartEnergyReading,
		&endEnergy,
		&energyConsumed,
		&run.EnergyUnit,
		&startedBy,
		&threshold,
		&startHumidity,
		&endHumidity,
		&humidityUnit,
		&startTemperature,
		&endTemperature,
		&temperatureUnit,
		&run.StartEventID,
		&endEventID,
		&errorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return models.RunRecord{}, err
	}

	run.Status = models.RunStatus(status)
	run.StartedBy = models.StartMethod(startedBy)
	run.EndTime = endTime.String
	run.HumidityUnit = humidityUnit.String
	run.TemperatureUnit = temperatureUnit.String
	run.EndEventID = endEventID.String
	run.ErrorMessage = errorMessage.String
	if duration.Valid {
		d := duration.Int64
		run.Duration = &d
	}
	run.EndEnergyReading = floatPtr(endEnergy)
	run.EnergyConsumed = floatPtr(energyConsumed)
	run.HumidityThreshold = floatPtr(threshold)
	run.StartHumidityReading = floatPtr(startHumidity)
	run.EndHumidityReading = floatPtr(endHumidity)
	run.StartTemperatureReading = floatPtr(startTemperature)
	run.EndTemperatureReading = floatPtr(endTemperature)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
