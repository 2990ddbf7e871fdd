package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/remotestore"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/sirupsen/logrus"
)

// HybridStore is the single read/write surface callers use. It routes by
// connectivity: online writes go remote-first with a local mirror, offline
// writes land in the local cache and the durable queue. Callers never deal
// with connectivity themselves.
type HybridStore struct {
	TenantId string
	Remote   RemoteStore
	Local    LocalCache
	Queue    *QueueManager
	Logger   *logrus.Logger
}

func NewHybridStore(tenantId string, remote RemoteStore, local LocalCache, queue *QueueManager, logger *logrus.Logger) (*HybridStore, error) {
	if tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if queue == nil {
		return nil, errors.New("queue manager is required")
	}
	return &HybridStore{
		TenantId: tenantId,
		Remote:   remote,
		Local:    local,
		Queue:    queue,
		Logger:   logger,
	}, nil
}

// Write upserts a document. Online: remote first, then mirror locally with a
// sync stamp. Offline, or when the remote write fails: mirror locally and
// queue the mutation, so the caller's data is never lost. An offline write is
// not an error.
func (s *HybridStore) Write(ctx context.Context, collection string, docId string, fields map[string]any) error {
	if docId == "" {
		return errors.New("doc id is required")
	}
	now := time.Now().UTC()
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["tenantId"] = s.TenantId
	payload["updatedAt"] = now

	encoded, err := utils.MarshalToJSON(payload)
	if err != nil {
		return err
	}
	data := json.RawMessage(encoded)

	if s.Queue.Online() && s.Remote != nil {
		doc := remotestore.Document{Id: docId, Fields: payload}
		remoteErr := s.Remote.WriteBatch(ctx, s.TenantId, collection, []remotestore.Document{doc})
		if remoteErr == nil {
			s.mirror(ctx, collection, docId, data, now, &now)
			return nil
		}
		s.logError("Write", collection+"/"+docId, remoteErr)
		s.markOfflineIfUnreachable(ctx, remoteErr)
		s.mirror(ctx, collection, docId, data, now, nil)
		s.enqueue(ctx, collection, docId, data, now)
		return fmt.Errorf("remote write failed, queued for retry: %w", remoteErr)
	}

	s.mirror(ctx, collection, docId, data, now, nil)
	s.enqueue(ctx, collection, docId, data, now)
	return nil
}

// Delete tombstones a document locally and propagates the deletion. The
// remote side is also a tombstone write; documents are never physically
// removed.
func (s *HybridStore) Delete(ctx context.Context, collection string, docId string) error {
	if docId == "" {
		return errors.New("doc id is required")
	}
	now := time.Now().UTC()

	if s.Local != nil {
		if err := s.Local.Delete(ctx, collection, s.TenantId, docId); err != nil && !errors.Is(err, utils.ErrStorageUnavailable) {
			s.logError("Delete", collection+"/"+docId, err)
		}
	}

	item := models.QueueItem{
		Type:       models.QueueOpDelete,
		Collection: collection,
		DocId:      docId,
		TenantId:   s.TenantId,
		Timestamp:  now,
	}

	if s.Queue.Online() && s.Remote != nil {
		doc := remotestore.Document{Id: docId, Fields: map[string]any{
			"tenantId":  s.TenantId,
			"isDeleted": true,
			"deletedAt": now,
		}}
		remoteErr := s.Remote.WriteBatch(ctx, s.TenantId, collection, []remotestore.Document{doc})
		if remoteErr == nil {
			return nil
		}
		s.logError("Delete", collection+"/"+docId, remoteErr)
		s.markOfflineIfUnreachable(ctx, remoteErr)
		if err := s.Queue.Enqueue(ctx, item); err != nil {
			return err
		}
		return fmt.Errorf("remote delete failed, queued for retry: %w", remoteErr)
	}

	return s.Queue.Enqueue(ctx, item)
}

// ReadAll returns the current snapshot of a collection, tombstones excluded.
// Online reads come from the remote store and refresh the local cache in the
// background; offline reads serve the local cache. A missing local cache
// yields an empty snapshot, not an error.
func (s *HybridStore) ReadAll(ctx context.Context, collection string, q remotestore.Query) ([]remotestore.Document, error) {
	if s.Queue.Online() && s.Remote != nil {
		docs, err := s.Remote.ReadCollection(ctx, s.TenantId, collection, q)
		if err == nil {
			live := make([]remotestore.Document, 0, len(docs))
			for _, doc := range docs {
				if deleted, _ := doc.Fields["isDeleted"].(bool); deleted {
					continue
				}
				live = append(live, doc)
			}
			s.refreshCache(collection, docs)
			return live, nil
		}
		s.logError("ReadAll", collection, err)
		s.markOfflineIfUnreachable(ctx, err)
	}

	if s.Local == nil {
		return []remotestore.Document{}, nil
	}
	recs, err := s.Local.GetAll(ctx, collection, s.TenantId, false)
	if err != nil {
		if errors.Is(err, utils.ErrStorageUnavailable) {
			s.logError("ReadAll", collection, err)
			return []remotestore.Document{}, nil
		}
		return nil, err
	}
	docs := make([]remotestore.Document, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, recordToDocument(rec))
	}
	return docs, nil
}

// Get reads one document, local cache first when offline.
func (s *HybridStore) Get(ctx context.Context, collection string, docId string) (*remotestore.Document, error) {
	if s.Local == nil {
		return nil, utils.ErrStorageUnavailable
	}
	rec, err := s.Local.Get(ctx, collection, s.TenantId, docId)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.IsDeleted {
		return nil, nil
	}
	doc := recordToDocument(*rec)
	return &doc, nil
}

// markOfflineIfUnreachable flips the queue offline after a transport-level
// failure, so subsequent writes queue immediately instead of probing a dead
// endpoint. Reconnection is signaled explicitly via SetOnline.
func (s *HybridStore) markOfflineIfUnreachable(ctx context.Context, err error) {
	if errors.Is(err, utils.ErrRemoteUnavailable) {
		s.Queue.SetOnline(ctx, false)
	}
}

func (s *HybridStore) mirror(ctx context.Context, collection string, docId string, data []byte, updatedAt time.Time, syncedAt *time.Time) {
	if s.Local == nil {
		return
	}
	rec := models.CachedRecord{
		Collection: collection,
		TenantId:   s.TenantId,
		RecordId:   docId,
		Data:       data,
		UpdatedAt:  updatedAt,
		SyncedAt:   syncedAt,
	}
	if err := s.Local.Put(ctx, collection, s.TenantId, rec); err != nil && !errors.Is(err, utils.ErrStorageUnavailable) {
		s.logError("mirror", collection+"/"+docId, err)
	}
}

func (s *HybridStore) enqueue(ctx context.Context, collection string, docId string, data []byte, ts time.Time) {
	opType := models.QueueOpCreate
	if s.Local != nil {
		if existing, err := s.Local.Get(utils.SkipTenantScopeContext(ctx), collection, s.TenantId, docId); err == nil && existing != nil && existing.SyncedAt != nil {
			opType = models.QueueOpUpdate
		}
	}
	item := models.QueueItem{
		Type:       opType,
		Collection: collection,
		DocId:      docId,
		Data:       data,
		TenantId:   s.TenantId,
		Timestamp:  ts,
	}
	if err := s.Queue.Enqueue(ctx, item); err != nil {
		s.logError("enqueue", collection+"/"+docId, err)
	}
}

// refreshCache mirrors a remote snapshot into the local cache off the request
// path. Failures are logged and swallowed; the cache is an optimization.
func (s *HybridStore) refreshCache(collection string, docs []remotestore.Document) {
	if s.Local == nil || len(docs) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		now := time.Now().UTC()
		recs := make([]models.CachedRecord, 0, len(docs))
		for _, doc := range docs {
			encoded, err := utils.MarshalToJSON(doc.Fields)
			if err != nil {
				continue
			}
			rec := models.CachedRecord{
				Collection: collection,
				TenantId:   s.TenantId,
				RecordId:   doc.Id,
				Data:       json.RawMessage(encoded),
				UpdatedAt:  now,
				SyncedAt:   &now,
			}
			if deleted, _ := doc.Fields["isDeleted"].(bool); deleted {
				rec.IsDeleted = true
				rec.DeletedAt = &now
			}
			recs = append(recs, rec)
		}
		if result, err := s.Local.PutBatch(ctx, collection, s.TenantId, recs); err != nil {
			if !errors.Is(err, utils.ErrStorageUnavailable) {
				s.logError("refreshCache", collection, err)
			}
		} else if result.Failed > 0 {
			s.logError("refreshCache", collection, fmt.Errorf("%d of %d records failed to cache", result.Failed, len(recs)))
		}
	}()
}

func (s *HybridStore) logError(funcName string, context string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"module":    "HybridStore",
		"funcName":  funcName,
		"context":   context,
		"tenant_id": s.TenantId,
	}).Error(err.Error())
}
