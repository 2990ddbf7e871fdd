package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LocalStore is the tenant-scoped embedded cache. Every read and write is
// parameterized by (collection, tenantId); the store never exposes a
// cross-tenant listing except UnscopedCollection, which exists solely for
// the broker's isolation safeguard.
type LocalStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewLocalStore(db *gorm.DB, logger *logrus.Logger) *LocalStore {
	return &LocalStore{db: db, logger: logger}
}

// BatchResult reports per-item outcomes. Partial success is expected and
// must be tolerated by callers; a batch never fails atomically.
type BatchResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// StoreStats summarizes one tenant's cache footprint per collection.
type StoreStats struct {
	TenantId    string           `json:"tenantId"`
	Collections map[string]int64 `json:"collections"`
	Total       int64            `json:"total"`
}

func (s *LocalStore) available() error {
	if s == nil || s.db == nil {
		return utils.ErrStorageUnavailable
	}
	return nil
}

func (s *LocalStore) Put(ctx context.Context, collection string, tenantId string, rec CachedRecord) error {
	if err := s.available(); err != nil {
		return err
	}
	rec.Collection = collection
	rec.TenantId = tenantId
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "collection"}, {Name: "tenant_id"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"data", "updated_at", "synced_at", "is_deleted", "deleted_at",
			}),
		}).
		Create(&rec).Error
}

func (s *LocalStore) PutBatch(ctx context.Context, collection string, tenantId string, recs []CachedRecord) (BatchResult, error) {
	var result BatchResult
	if err := s.available(); err != nil {
		return result, err
	}
	for _, rec := range recs {
		if err := s.Put(ctx, collection, tenantId, rec); err != nil {
			result.Failed++
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{
					"module":     "LocalStore",
					"collection": collection,
					"tenant_id":  tenantId,
					"record_id":  rec.RecordId,
				}).Warn("batch put failed for record: " + err.Error())
			}
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// Get returns the record or nil when absent. Tombstoned records are returned
// as-is; callers decide whether a tombstone counts as present.
func (s *LocalStore) Get(ctx context.Context, collection string, tenantId string, recordId string) (*CachedRecord, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	var rec CachedRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND tenant_id = ? AND record_id = ?", collection, tenantId, recordId).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *LocalStore) GetAll(ctx context.Context, collection string, tenantId string, includeDeleted bool) ([]CachedRecord, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).
		Where("collection = ? AND tenant_id = ?", collection, tenantId)
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	var recs []CachedRecord
	if err := q.Order("record_id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// UnscopedCollection lists every record in a collection regardless of tenant.
// Isolation-safeguard use only: the broker scans the raw result for foreign
// tenants before surfacing anything.
func (s *LocalStore) UnscopedCollection(ctx context.Context, collection string) ([]CachedRecord, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	ctx = utils.SkipTenantScopeContext(ctx)
	var recs []CachedRecord
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("record_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete writes a tombstone. A missing record still gets a tombstone row so
// that an offline delete survives until the queue drains.
func (s *LocalStore) Delete(ctx context.Context, collection string, tenantId string, recordId string) error {
	if err := s.available(); err != nil {
		return err
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&CachedRecord{}).
		Where("collection = ? AND tenant_id = ? AND record_id = ?", collection, tenantId, recordId).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": &now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		tombstone := CachedRecord{
			Collection: collection,
			TenantId:   tenantId,
			RecordId:   recordId,
			UpdatedAt:  now,
			IsDeleted:  true,
			DeletedAt:  &now,
		}
		return s.db.WithContext(ctx).Create(&tombstone).Error
	}
	return nil
}

func (s *LocalStore) ClearTenant(ctx context.Context, collection string, tenantId string) error {
	if err := s.available(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("collection = ? AND tenant_id = ?", collection, tenantId).
		Delete(&CachedRecord{}).Error
}

// PurgeCollection removes every tenant's rows for a collection. This is the
// isolation-violation response: stale foreign data means a prior
// tenant-switch bug, and the whole collection cache is rebuilt from remote.
func (s *LocalStore) PurgeCollection(ctx context.Context, collection string) error {
	if err := s.available(); err != nil {
		return err
	}
	ctx = utils.SkipTenantScopeContext(ctx)
	return s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Delete(&CachedRecord{}).Error
}

func (s *LocalStore) Stats(ctx context.Context, tenantId string) (StoreStats, error) {
	stats := StoreStats{TenantId: tenantId, Collections: map[string]int64{}}
	if err := s.available(); err != nil {
		return stats, err
	}
	type row struct {
		Collection string
		N          int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&CachedRecord{}).
		Select("collection, COUNT(*) AS n").
		Where("tenant_id = ?", tenantId).
		Group("collection").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.Collections[r.Collection] = r.N
		stats.Total += r.N
	}
	return stats, nil
}
