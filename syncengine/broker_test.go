package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/remotestore"
)

type fakeFeed struct {
	subscribed []string // "tenant/collection"
	docs       []remotestore.Document
}

func (f *fakeFeed) Subscribe(ctx context.Context, tenantId string, collection string, q remotestore.Query, onData func([]remotestore.Document), onError func(error)) (func(), error) {
	f.subscribed = append(f.subscribed, tenantId+"/"+collection)
	onData(f.docs)
	return func() {}, nil
}

func seedRecord(t *testing.T, local *fakeLocal, collection, tenantId, recordId string, fields map[string]any) {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := local.Put(context.Background(), collection, tenantId, models.CachedRecord{
		RecordId: recordId,
		Data:     data,
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestBroker_RequiresTenantId(t *testing.T) {
	if _, err := NewBroker("", nil, newFakeLocal(), nil); err == nil {
		t.Fatal("expected error for empty tenant id")
	}
}

func TestBroker_DelegatesToChangeFeed(t *testing.T) {
	feed := &fakeFeed{docs: []remotestore.Document{{Id: "d1", Fields: map[string]any{}}}}
	b, err := NewBroker("tenant-1", feed, newFakeLocal(), nil)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}

	var got []remotestore.Document
	unsubscribe, err := b.Subscribe(context.Background(), models.CollectionInventory, remotestore.Query{}, func(docs []remotestore.Document) {
		got = docs
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if len(feed.subscribed) != 1 || feed.subscribed[0] != "tenant-1/inventory" {
		t.Fatalf("expected feed subscription for tenant-1/inventory, got %v", feed.subscribed)
	}
	if len(got) != 1 || got[0].Id != "d1" {
		t.Fatalf("expected feed snapshot delivered, got %v", got)
	}
}

func TestBroker_LocalSnapshotFiltersTombstonesAndLimit(t *testing.T) {
	local := newFakeLocal()
	seedRecord(t, local, models.CollectionInventory, "tenant-1", "p1", map[string]any{"name": "rice"})
	seedRecord(t, local, models.CollectionInventory, "tenant-1", "p2", map[string]any{"name": "oil"})
	local.Delete(context.Background(), models.CollectionInventory, "tenant-1", "p2")

	b, err := NewBroker("tenant-1", nil, local, nil)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}

	var got []remotestore.Document
	_, err = b.Subscribe(context.Background(), models.CollectionInventory, remotestore.Query{Limit: 5}, func(docs []remotestore.Document) {
		got = docs
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(got) != 1 || got[0].Id != "p1" {
		t.Fatalf("expected only the live record, got %v", got)
	}
}

func TestBroker_LocalSnapshotAppliesBranchFilter(t *testing.T) {
	local := newFakeLocal()
	seedRecord(t, local, models.CollectionTransactions, "tenant-1", "t1", map[string]any{"branchId": "b1"})
	seedRecord(t, local, models.CollectionTransactions, "tenant-1", "t2", map[string]any{"branchId": "b2"})

	b, _ := NewBroker("tenant-1", nil, local, nil)

	var got []remotestore.Document
	_, err := b.Subscribe(context.Background(), models.CollectionTransactions, remotestore.Query{BranchId: "b2"}, func(docs []remotestore.Document) {
		got = docs
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(got) != 1 || got[0].Id != "t2" {
		t.Fatalf("expected only branch b2 records, got %v", got)
	}
}

func TestBroker_LocalSnapshotAppliesOrdering(t *testing.T) {
	local := newFakeLocal()
	seedRecord(t, local, models.CollectionInventory, "tenant-1", "p1", map[string]any{"name": "rice", "qty": 3})
	seedRecord(t, local, models.CollectionInventory, "tenant-1", "p2", map[string]any{"name": "oil", "qty": 9})
	seedRecord(t, local, models.CollectionInventory, "tenant-1", "p3", map[string]any{"name": "salt", "qty": 5})

	b, _ := NewBroker("tenant-1", nil, local, nil)

	var got []remotestore.Document
	_, err := b.Subscribe(context.Background(), models.CollectionInventory, remotestore.Query{OrderBy: "qty desc", Limit: 2}, func(docs []remotestore.Document) {
		got = docs
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(got) != 2 || got[0].Id != "p2" || got[1].Id != "p3" {
		t.Fatalf("expected the two highest quantities in order, got %v", got)
	}

	_, err = b.Subscribe(context.Background(), models.CollectionInventory, remotestore.Query{OrderBy: "name"}, func(docs []remotestore.Document) {
		got = docs
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(got) != 3 || got[0].Id != "p2" || got[1].Id != "p1" || got[2].Id != "p3" {
		t.Fatalf("expected name order oil, rice, salt, got %v", got)
	}
}

// A cache file reused across tenant sessions must never leak the previous
// tenant's data: the subscriber sees an empty snapshot and the collection is
// purged.
func TestBroker_ForeignTenantDataTriggersPurge(t *testing.T) {
	local := newFakeLocal()
	seedRecord(t, local, models.CollectionCustomers, "tenant-1", "c1", map[string]any{"name": "mine"})
	seedRecord(t, local, models.CollectionCustomers, "tenant-2", "c9", map[string]any{"name": "leaked"})

	b, _ := NewBroker("tenant-1", nil, local, nil)

	var got []remotestore.Document
	delivered := false
	_, err := b.Subscribe(context.Background(), models.CollectionCustomers, remotestore.Query{}, func(docs []remotestore.Document) {
		got = docs
		delivered = true
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !delivered {
		t.Fatal("expected a delivery despite the violation")
	}
	if len(got) != 0 {
		t.Fatalf("expected an empty snapshot on isolation violation, got %v", got)
	}

	select {
	case collection := <-local.purged:
		if collection != models.CollectionCustomers {
			t.Fatalf("expected customers purge, got %s", collection)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the poisoned collection to be purged")
	}

	recs, _ := local.UnscopedCollection(context.Background(), models.CollectionCustomers)
	if len(recs) != 0 {
		t.Fatalf("expected collection emptied after purge, got %d records", len(recs))
	}
}

func TestBroker_UnsubscribeIsIdempotent(t *testing.T) {
	b, _ := NewBroker("tenant-1", nil, newFakeLocal(), nil)
	unsubscribe, err := b.Subscribe(context.Background(), models.CollectionInventory, remotestore.Query{}, func([]remotestore.Document) {}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsubscribe()
	unsubscribe()
}
