package repository_test

import (
	"context"
	"errors"
	"testing"

	"timelines/internal/models"
	"timelines/internal/repository"
	"timelines/internal/repository/db"
)

func openRepos(t *testing.T) *repository.Repository {
	t.Helper()
	conn, err := db.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return repository.NewRepository(conn)
}

func TestSQLite_EventPositionsAreMonotonic(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		ev, err := repos.EventRepo.Append(ctx, models.EventRecord{EventType: "DEHUMIDIFIER", Timestamp: "t", Payload: map[string]any{"i": i}})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.Position <= last {
			t.Fatalf("position %d not greater than %d", ev.Position, last)
		}
		last = ev.Position
	}

	head, err := repos.EventRepo.LastPosition(ctx)
	if err != nil || head != last {
		t.Fatalf("LastPosition = %d, %v; want %d", head, err, last)
	}

	after, err := repos.EventRepo.ListAfter(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(after) != 2 || after[0].Position != 2 {
		t.Fatalf("unexpected events after 1: %+v", after)
	}
	if v, _ := after[0].Payload["i"].(float64); v != 1 {
		t.Fatalf("payload round trip: %#v", after[0].Payload)
	}
}

func TestSQLite_DeviceStateUpsertIgnoresOlderPosition(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()

	newer := models.DeviceState{EntityID: "switch.a", CurrentState: "off", LastChanged: "t2", LastEventID: "e2", LastEventPosition: 2, Attributes: map[string]any{}}
	if _, applied, err := repos.DeviceStateRepo.Upsert(ctx, newer); err != nil || !applied {
		t.Fatalf("first upsert: applied=%v err=%v", applied, err)
	}

	older := newer
	older.CurrentState = "on"
	older.LastEventID = "e1"
	older.LastEventPosition = 1
	if _, applied, err := repos.DeviceStateRepo.Upsert(ctx, older); err != nil || applied {
		t.Fatalf("older upsert: applied=%v err=%v", applied, err)
	}

	// redelivery of the same position re-applies the same values
	if _, applied, err := repos.DeviceStateRepo.Upsert(ctx, newer); err != nil || !applied {
		t.Fatalf("same-position upsert: applied=%v err=%v", applied, err)
	}

	got, err := repos.DeviceStateRepo.Get(ctx, "switch.a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentState != "off" || got.LastEventID != "e2" {
		t.Fatalf("older event overwrote state: %+v", got)
	}
}

func TestSQLite_OneRunningRunPerEntity(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()

	first, err := repos.RunRepo.Insert(ctx, models.RunRecord{
		EntityID: "switch.a", Status: models.RunStatusRunning, StartTime: "t1",
		StartEnergyReading: 1, EnergyUnit: "kWh", StartedBy: models.StartedByManual, StartEventID: "e1",
	})
	if err != nil {
		t.Fatalf("Insert first: %v", err)
	}

	_, err = repos.RunRepo.Insert(ctx, models.RunRecord{
		EntityID: "switch.a", Status: models.RunStatusRunning, StartTime: "t2",
		StartEnergyReading: 2, EnergyUnit: "kWh", StartedBy: models.StartedByManual, StartEventID: "e2",
	})
	if !errors.Is(err, repository.ErrRunConflict) {
		t.Fatalf("expected ErrRunConflict for second running run, got %v", err)
	}

	closed, ok, err := repos.RunRepo.UpdateIfRunning(ctx, first.ID, models.RunClose{
		Status: models.RunStatusError, EndTime: "t2", EndEventID: "e2", ErrorMessage: "overlap",
	})
	if err != nil || !ok {
		t.Fatalf("UpdateIfRunning: ok=%v err=%v", ok, err)
	}
	if closed.Status != models.RunStatusError || closed.ErrorMessage != "overlap" {
		t.Fatalf("unexpected closed run: %+v", closed)
	}

	// second close loses the compare-and-swap
	if _, ok, err := repos.RunRepo.UpdateIfRunning(ctx, first.ID, models.RunClose{Status: models.RunStatusFinished}); err != nil || ok {
		t.Fatalf("second close: ok=%v err=%v", ok, err)
	}

	if _, err := repos.RunRepo.Insert(ctx, models.RunRecord{
		EntityID: "switch.a", Status: models.RunStatusRunning, StartTime: "t2",
		StartEnergyReading: 2, EnergyUnit: "kWh", StartedBy: models.StartedByManual, StartEventID: "e2",
	}); err != nil {
		t.Fatalf("Insert after close: %v", err)
	}

	hasEnd, err := repos.RunRepo.HasEndEvent(ctx, "e2", models.RunStatusError)
	if err != nil || !hasEnd {
		t.Fatalf("HasEndEvent = %v, %v", hasEnd, err)
	}

	runs, err := repos.RunRepo.List(ctx, repository.RunFilter{EntityID: "switch.a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].StartEventID != "e2" {
		t.Fatalf("unexpected run listing: %+v", runs)
	}
}

func TestSQLite_RunListFollowsInsertionOrder(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()

	// The later run carries an offset that sorts before the first as text.
	starts := []struct{ event, ts string }{
		{"e1", "2025-01-01T10:00:00.000Z"},
		{"e2", "2025-01-01T09:30:00-01:00"},
	}
	for _, s := range starts {
		run, err := repos.RunRepo.Insert(ctx, models.RunRecord{
			EntityID: "switch.a", Status: models.RunStatusRunning, StartTime: s.ts,
			StartEnergyReading: 1, EnergyUnit: "kWh", StartedBy: models.StartedByManual, StartEventID: s.event,
		})
		if err != nil {
			t.Fatalf("Insert %s: %v", s.event, err)
		}
		if _, ok, err := repos.RunRepo.UpdateIfRunning(ctx, run.ID, models.RunClose{Status: models.RunStatusFinished, EndEventID: s.event + "-end"}); err != nil || !ok {
			t.Fatalf("close %s: ok=%v err=%v", s.event, ok, err)
		}
	}

	runs, err := repos.RunRepo.List(ctx, repository.RunFilter{EntityID: "switch.a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].StartEventID != "e2" || runs[1].StartEventID != "e1" {
		t.Fatalf("want newest run first, got %+v", runs)
	}
}
