package models_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenLocalCacheAt(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open test cache: %v", err)
	}
	if err := models.MigrateTables(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}

func TestLocalStore_PutGetRoundTrip(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	ctx := context.Background()

	rec := models.CachedRecord{
		RecordId: "p1",
		Data:     mustJSON(t, map[string]any{"name": "rice", "qty": 12}),
	}
	if err := store.Put(ctx, models.CollectionInventory, "tenant-1", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, models.CollectionInventory, "tenant-1", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if fields := got.Fields(); fields["name"] != "rice" {
		t.Fatalf("expected payload to round-trip, got %v", fields)
	}

	// Upsert replaces the payload in place.
	rec.Data = mustJSON(t, map[string]any{"name": "rice", "qty": 10})
	if err := store.Put(ctx, models.CollectionInventory, "tenant-1", rec); err != nil {
		t.Fatalf("Put (upsert): %v", err)
	}
	got, _ = store.Get(ctx, models.CollectionInventory, "tenant-1", "p1")
	if fields := got.Fields(); fields["qty"] != float64(10) {
		t.Fatalf("expected upsert to win, got %v", fields)
	}

	all, err := store.GetAll(ctx, models.CollectionInventory, "tenant-1", false)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 record after upsert, got %d", len(all))
	}
}

func TestLocalStore_GetMissingReturnsNil(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	got, err := store.Get(context.Background(), models.CollectionInventory, "tenant-1", "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing record, got %v", got)
	}
}

func TestLocalStore_TenantsDoNotSeeEachOther(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	ctx := context.Background()

	a := models.CachedRecord{RecordId: "r1", Data: mustJSON(t, map[string]any{"owner": "a"})}
	b := models.CachedRecord{RecordId: "r1", Data: mustJSON(t, map[string]any{"owner": "b"})}
	if err := store.Put(ctx, models.CollectionSettings, "tenant-a", a); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := store.Put(ctx, models.CollectionSettings, "tenant-b", b); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	gotA, _ := store.Get(ctx, models.CollectionSettings, "tenant-a", "r1")
	gotB, _ := store.Get(ctx, models.CollectionSettings, "tenant-b", "r1")
	if gotA == nil || gotB == nil {
		t.Fatal("expected both tenants to keep their own record")
	}
	if gotA.Fields()["owner"] != "a" || gotB.Fields()["owner"] != "b" {
		t.Fatal("tenant records must not overwrite each other")
	}

	allA, _ := store.GetAll(ctx, models.CollectionSettings, "tenant-a", false)
	if len(allA) != 1 {
		t.Fatalf("expected tenant-a to see exactly its own record, got %d", len(allA))
	}

	if err := store.ClearTenant(ctx, models.CollectionSettings, "tenant-a"); err != nil {
		t.Fatalf("ClearTenant: %v", err)
	}
	gotA, _ = store.Get(ctx, models.CollectionSettings, "tenant-a", "r1")
	gotB, _ = store.Get(ctx, models.CollectionSettings, "tenant-b", "r1")
	if gotA != nil {
		t.Fatal("expected tenant-a cleared")
	}
	if gotB == nil {
		t.Fatal("clearing tenant-a must not touch tenant-b")
	}
}

func TestLocalStore_DeleteWritesTombstone(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	ctx := context.Background()

	rec := models.CachedRecord{RecordId: "p1", Data: mustJSON(t, map[string]any{"name": "oil"})}
	if err := store.Put(ctx, models.CollectionInventory, "tenant-1", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, models.CollectionInventory, "tenant-1", "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, _ := store.Get(ctx, models.CollectionInventory, "tenant-1", "p1")
	if got == nil || !got.IsDeleted || got.DeletedAt == nil {
		t.Fatalf("expected tombstone, got %+v", got)
	}

	live, _ := store.GetAll(ctx, models.CollectionInventory, "tenant-1", false)
	if len(live) != 0 {
		t.Fatalf("tombstones must be excluded from live listings, got %d", len(live))
	}
	all, _ := store.GetAll(ctx, models.CollectionInventory, "tenant-1", true)
	if len(all) != 1 {
		t.Fatalf("tombstones must be included when asked, got %d", len(all))
	}
}

func TestLocalStore_DeleteMissingStillTombstones(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	ctx := context.Background()

	if err := store.Delete(ctx, models.CollectionCustomers, "tenant-1", "ghost"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := store.Get(ctx, models.CollectionCustomers, "tenant-1", "ghost")
	if got == nil || !got.IsDeleted {
		t.Fatal("deleting a missing record must still leave a tombstone for the queue to drain")
	}
}

func TestLocalStore_PutBatchReportsPartialOutcome(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	ctx := context.Background()

	recs := []models.CachedRecord{
		{RecordId: "p1", Data: mustJSON(t, map[string]any{"n": 1})},
		{RecordId: "p2", Data: mustJSON(t, map[string]any{"n": 2})},
	}
	result, err := store.PutBatch(ctx, models.CollectionInventory, "tenant-1", recs)
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Fatalf("expected 2 successes, got %+v", result)
	}
}

func TestLocalStore_PurgeCollectionRemovesAllTenants(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	ctx := context.Background()

	store.Put(ctx, models.CollectionBranches, "tenant-a", models.CachedRecord{RecordId: "b1", Data: mustJSON(t, map[string]any{})})
	store.Put(ctx, models.CollectionBranches, "tenant-b", models.CachedRecord{RecordId: "b2", Data: mustJSON(t, map[string]any{})})

	if err := store.PurgeCollection(ctx, models.CollectionBranches); err != nil {
		t.Fatalf("PurgeCollection: %v", err)
	}
	recs, err := store.UnscopedCollection(ctx, models.CollectionBranches)
	if err != nil {
		t.Fatalf("UnscopedCollection: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected purge to remove every tenant's rows, got %d", len(recs))
	}
}

func TestLocalStore_Stats(t *testing.T) {
	store := models.NewLocalStore(openTestDB(t), nil)
	ctx := context.Background()

	store.Put(ctx, models.CollectionInventory, "tenant-1", models.CachedRecord{RecordId: "p1", Data: mustJSON(t, map[string]any{})})
	store.Put(ctx, models.CollectionInventory, "tenant-1", models.CachedRecord{RecordId: "p2", Data: mustJSON(t, map[string]any{})})
	store.Put(ctx, models.CollectionCustomers, "tenant-1", models.CachedRecord{RecordId: "c1", Data: mustJSON(t, map[string]any{})})
	store.Put(ctx, models.CollectionCustomers, "tenant-2", models.CachedRecord{RecordId: "c2", Data: mustJSON(t, map[string]any{})})

	stats, err := store.Stats(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Collections[models.CollectionInventory] != 2 || stats.Collections[models.CollectionCustomers] != 1 {
		t.Fatalf("unexpected per-collection counts: %+v", stats.Collections)
	}
	if stats.Total != 3 {
		t.Fatalf("expected total 3 for tenant-1, got %d", stats.Total)
	}
}

func TestLocalStore_UnavailableWithoutDB(t *testing.T) {
	store := models.NewLocalStore(nil, nil)
	ctx := context.Background()

	if err := store.Put(ctx, models.CollectionInventory, "tenant-1", models.CachedRecord{RecordId: "p1"}); err == nil {
		t.Fatal("expected storage-unavailable error without a database")
	}
	if _, err := store.Get(ctx, models.CollectionInventory, "tenant-1", "p1"); err == nil {
		t.Fatal("expected storage-unavailable error without a database")
	}
}
