package models

import (
	"encoding/json"
	"time"
)

type QueueOpType string

const (
	QueueOpCreate QueueOpType = "create"
	QueueOpUpdate QueueOpType = "update"
	QueueOpDelete QueueOpType = "delete"
)

// QueueItem is a pending mutation awaiting delivery to the remote store.
// Items are created by the facade on a failed-or-offline write, mutated by
// the queue manager on each attempt, and removed on success or dead-letter
// promotion. Data is absent for deletes.
type QueueItem struct {
	Id            string          `json:"id"`
	Type          QueueOpType     `json:"type"`
	Collection    string          `json:"collection"`
	DocId         string          `json:"docId"`
	Data          json.RawMessage `json:"data,omitempty"`
	TenantId      string          `json:"tenantId"`
	Timestamp     time.Time       `json:"timestamp"`
	RetryCount    int             `json:"retryCount"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

// SyncQueueRecord is the durable representation of one tenant's pending
// mutations: a single row holding the serialized FIFO list. It must survive
// process restart with items and retry counts intact.
type SyncQueueRecord struct {
	TenantId  string          `gorm:"primaryKey;size:64" json:"tenantId"`
	ItemsJSON json.RawMessage `gorm:"type:json" json:"items"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (SyncQueueRecord) TableName() string { return "sync_queue_records" }

// DeadLetterRecord preserves a queue item that exhausted its retry budget.
// It leaves only via an explicit operator-triggered replay.
type DeadLetterRecord struct {
	Id            string          `gorm:"primaryKey;size:64" json:"id"`
	TenantId      string          `gorm:"index;size:64" json:"tenantId"`
	ItemJSON      json.RawMessage `gorm:"type:json" json:"-"`
	FailureReason string          `gorm:"size:1024" json:"failureReason"`
	FailedAt      time.Time       `json:"failedAt"`
}

func (DeadLetterRecord) TableName() string { return "dead_letter_records" }

func NewDeadLetterRecord(item QueueItem, reason string, failedAt time.Time) DeadLetterRecord {
	itemJSON, _ := json.Marshal(item)
	return DeadLetterRecord{
		Id:            item.Id,
		TenantId:      item.TenantId,
		ItemJSON:      itemJSON,
		FailureReason: reason,
		FailedAt:      failedAt,
	}
}

// Item decodes the original queue item for replay.
func (d DeadLetterRecord) Item() (QueueItem, error) {
	var item QueueItem
	err := json.Unmarshal(d.ItemJSON, &item)
	return item, err
}

func encodeQueueItems(items []QueueItem) json.RawMessage {
	if items == nil {
		items = []QueueItem{}
	}
	b, _ := json.Marshal(items)
	return b
}

func decodeQueueItems(raw json.RawMessage) []QueueItem {
	if len(raw) == 0 {
		return nil
	}
	var items []QueueItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
