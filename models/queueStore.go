package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LegacyQueueTenantKey is the pseudo-tenant under which old builds persisted
// one global, non-tenant-scoped queue. It exists only so the first run can
// partition that row into per-tenant queues.
const LegacyQueueTenantKey = "_global"

// QueueStore persists per-tenant pending-mutation lists and the dead-letter
// records. A persistence failure leaves the manager's in-memory queue as the
// source of truth until the next successful save.
type QueueStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewQueueStore(db *gorm.DB, logger *logrus.Logger) *QueueStore {
	return &QueueStore{db: db, logger: logger}
}

func (s *QueueStore) available() error {
	if s == nil || s.db == nil {
		return utils.ErrStorageUnavailable
	}
	return nil
}

func (s *QueueStore) LoadQueue(ctx context.Context, tenantId string) ([]QueueItem, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	var rec SyncQueueRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeQueueItems(rec.ItemsJSON), nil
}

func (s *QueueStore) SaveQueue(ctx context.Context, tenantId string, items []QueueItem) error {
	if err := s.available(); err != nil {
		return err
	}
	rec := SyncQueueRecord{
		TenantId:  tenantId,
		ItemsJSON: encodeQueueItems(items),
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"items_json", "updated_at"}),
		}).
		Create(&rec).Error
}

func (s *QueueStore) DeadLetters(ctx context.Context, tenantId string) ([]DeadLetterRecord, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	var recs []DeadLetterRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Order("failed_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *QueueStore) SaveDeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	if err := s.available(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"item_json", "failure_reason", "failed_at"}),
		}).
		Create(&rec).Error
}

// DeleteDeadLetter removes a dead letter and reports whether it existed.
func (s *QueueStore) DeleteDeadLetter(ctx context.Context, tenantId string, id string) (bool, error) {
	if err := s.available(); err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantId, id).
		Delete(&DeadLetterRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MigrateLegacyQueue partitions a queue persisted under the old global key
// into per-tenant queue rows, then deletes the legacy row. Items are grouped
// by their embedded tenant id; items lacking one are attached to activeTenant
// when provided, else dropped with a warning. Merged items are re-sorted by
// enqueue time so a drain pass still applies them oldest first.
func (s *QueueStore) MigrateLegacyQueue(ctx context.Context, activeTenant string) error {
	if err := s.available(); err != nil {
		return err
	}
	ctx = utils.SkipTenantScopeContext(ctx)

	legacy, err := s.LoadQueue(ctx, LegacyQueueTenantKey)
	if err != nil {
		return err
	}
	if len(legacy) == 0 {
		return nil
	}

	byTenant := map[string][]QueueItem{}
	dropped := 0
	for _, item := range legacy {
		tenant := item.TenantId
		if tenant == "" {
			if activeTenant == "" {
				dropped++
				continue
			}
			tenant = activeTenant
			item.TenantId = activeTenant
		}
		byTenant[tenant] = append(byTenant[tenant], item)
	}
	if dropped > 0 && s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"module":  "QueueStore",
			"dropped": dropped,
		}).Warn("legacy queue items had no recoverable tenant id and were dropped")
	}

	for tenant, items := range byTenant {
		existing, err := s.LoadQueue(ctx, tenant)
		if err != nil {
			return err
		}
		merged := append(existing, items...)
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		})
		if err := s.SaveQueue(ctx, tenant, merged); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).
		Where("tenant_id = ?", LegacyQueueTenantKey).
		Delete(&SyncQueueRecord{}).Error
}
