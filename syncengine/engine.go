// Package syncengine keeps the local embedded cache and the remote
// multi-tenant document store consistent across unreliable connectivity.
// It owns the durable per-tenant mutation queue, retry/backoff, dead-letter
// promotion, the hybrid read/write facade and the realtime subscription
// broker. All components are explicit per-tenant instances; nothing here is
// process-global.
package syncengine

import (
	"context"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/remotestore"
)

// RemoteStore is the transport boundary to the remote document store.
// Implementations never retry; retry policy lives in the queue manager.
type RemoteStore interface {
	WriteBatch(ctx context.Context, tenantId string, collection string, docs []remotestore.Document) error
	ReadCollection(ctx context.Context, tenantId string, collection string, q remotestore.Query) ([]remotestore.Document, error)
}

// ChangeFeed delivers full-snapshot updates for a (tenant, collection) scope.
type ChangeFeed interface {
	Subscribe(ctx context.Context, tenantId string, collection string, q remotestore.Query, onData func([]remotestore.Document), onError func(error)) (func(), error)
}

// LocalCache is the tenant-scoped embedded store boundary.
type LocalCache interface {
	Put(ctx context.Context, collection string, tenantId string, rec models.CachedRecord) error
	PutBatch(ctx context.Context, collection string, tenantId string, recs []models.CachedRecord) (models.BatchResult, error)
	Get(ctx context.Context, collection string, tenantId string, recordId string) (*models.CachedRecord, error)
	GetAll(ctx context.Context, collection string, tenantId string, includeDeleted bool) ([]models.CachedRecord, error)
	UnscopedCollection(ctx context.Context, collection string) ([]models.CachedRecord, error)
	Delete(ctx context.Context, collection string, tenantId string, recordId string) error
	ClearTenant(ctx context.Context, collection string, tenantId string) error
	PurgeCollection(ctx context.Context, collection string) error
}

// QueuePersistence is the durable queue boundary.
type QueuePersistence interface {
	LoadQueue(ctx context.Context, tenantId string) ([]models.QueueItem, error)
	SaveQueue(ctx context.Context, tenantId string, items []models.QueueItem) error
	DeadLetters(ctx context.Context, tenantId string) ([]models.DeadLetterRecord, error)
	SaveDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error
	DeleteDeadLetter(ctx context.Context, tenantId string, id string) (bool, error)
	MigrateLegacyQueue(ctx context.Context, activeTenant string) error
}

func recordToDocument(rec models.CachedRecord) remotestore.Document {
	fields := rec.Fields()
	fields["id"] = rec.RecordId
	fields["tenantId"] = rec.TenantId
	if rec.IsDeleted {
		fields["isDeleted"] = true
		if rec.DeletedAt != nil {
			fields["deletedAt"] = rec.DeletedAt.UTC()
		}
	}
	return remotestore.Document{Id: rec.RecordId, Fields: fields}
}
