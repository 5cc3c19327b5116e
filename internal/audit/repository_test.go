package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/database"
	_ "github.com/nerrad567/parcelhub-core/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Action: ActionCreate, EntityType: EntityLocker, EntityID: "locker-1", Source: SourceAPI, Outcome: "succeeded", CreatedAt: base},
		{Action: ActionCommand, EntityType: EntityBox, EntityID: "locker-1/3", Source: SourceDispatcher, Outcome: "unknown", RequestID: "req-1",
			Details: map[string]any{"command": "unlock"}, CreatedAt: base.Add(time.Second)},
		{Action: ActionCommand, EntityType: EntityBox, EntityID: "locker-1/4", Source: SourceDispatcher, Outcome: "succeeded", RequestID: "req-2",
			CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range entries {
		if err := repo.Create(ctx, &entries[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if entries[i].ID == "" {
			t.Fatal("Create() did not assign an id")
		}
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 3 || len(res.Logs) != 3 {
		t.Fatalf("List() total = %d, len = %d, want 3, 3", res.Total, len(res.Logs))
	}
	if res.Logs[0].RequestID != "req-2" {
		t.Errorf("List()[0].RequestID = %q, want newest entry req-2", res.Logs[0].RequestID)
	}
	if res.Limit != defaultLimit {
		t.Errorf("List() limit = %d, want %d", res.Limit, defaultLimit)
	}

	got := res.Logs[1]
	if got.Outcome != "unknown" || got.EntityID != "locker-1/3" || got.Source != SourceDispatcher {
		t.Errorf("List()[1] = %+v, want the unlock entry", got)
	}
	if got.Details["command"] != "unlock" {
		t.Errorf("List()[1].Details = %v, want command=unlock", got.Details)
	}
	if !got.CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("List()[1].CreatedAt = %v, want %v", got.CreatedAt, base.Add(time.Second))
	}
}

func TestSQLiteRepository_ListFilters(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	for _, e := range []Entry{
		{Action: ActionCreate, EntityType: EntityLocker, EntityID: "locker-1", Source: SourceAPI},
		{Action: ActionDelete, EntityType: EntityLocker, EntityID: "locker-2", Source: SourceAPI},
		{Action: ActionCommand, EntityType: EntityBox, EntityID: "locker-1/1", Source: SourceDispatcher, Outcome: "failed"},
		{Action: ActionCommand, EntityType: EntityBox, EntityID: "locker-1/2", Source: SourceDispatcher, Outcome: "succeeded"},
	} {
		if err := repo.Create(ctx, &e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by action", Filter{Action: ActionCommand}, 2},
		{"by entity type", Filter{EntityType: EntityLocker}, 2},
		{"by entity id", Filter{EntityType: EntityLocker, EntityID: "locker-2"}, 1},
		{"by outcome", Filter{Outcome: "failed"}, 1},
		{"no match", Filter{Action: ActionConnect}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.want || len(res.Logs) != tt.want {
				t.Errorf("List(%+v) total = %d, len = %d, want %d", tt.filter, res.Total, len(res.Logs), tt.want)
			}
		})
	}
}

func TestSQLiteRepository_ListPaging(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	for i := 0; i < 5; i++ {
		e := Entry{Action: ActionUpdate, EntityType: EntityLocker, EntityID: "locker-1", Source: SourceAPI}
		if err := repo.Create(ctx, &e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	res, err := repo.List(ctx, Filter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 5 || len(res.Logs) != 1 {
		t.Errorf("List() total = %d, len = %d, want 5, 1", res.Total, len(res.Logs))
	}

	res, err = repo.List(ctx, Filter{Limit: 1000, Offset: -3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("List() limit, offset = %d, %d, want %d, 0", res.Limit, res.Offset, maxLimit)
	}
}
