package models

import (
	"encoding/json"
	"time"
)

// Named record collections. Every local and remote read/write is scoped by
// (collection, tenant). The queue and dead-letter stores have their own
// tables but keep names here so stats and purges can enumerate everything.
const (
	CollectionInventory          = "inventory"
	CollectionTransactions       = "transactions"
	CollectionSuppliers          = "suppliers"
	CollectionPurchaseOrders     = "purchase-orders"
	CollectionGoodsReceivedNotes = "goods-received-notes"
	CollectionSupplierPayments   = "supplier-payments"
	CollectionStockAdjustments   = "stock-adjustments"
	CollectionCustomers          = "customers"
	CollectionExpenses           = "expenses"
	CollectionBranches           = "branches"
	CollectionUsers              = "users"
	CollectionSettings           = "settings"
	CollectionSyncQueue          = "sync-queue"
	CollectionDeadLetter         = "dead-letter"
)

// DataCollections lists the record collections mirrored between the local
// cache and the remote store. The queue and dead-letter stores are excluded:
// they are engine internals, never pushed by a full resync.
func DataCollections() []string {
	return []string{
		CollectionInventory,
		CollectionTransactions,
		CollectionSuppliers,
		CollectionPurchaseOrders,
		CollectionGoodsReceivedNotes,
		CollectionSupplierPayments,
		CollectionStockAdjustments,
		CollectionCustomers,
		CollectionExpenses,
		CollectionBranches,
		CollectionUsers,
		CollectionSettings,
	}
}

// CachedRecord is the local-cache envelope around any business record.
// Deletes are tombstones (IsDeleted/DeletedAt), never row removal, so that
// subscribers and the remote store converge on deletion state.
type CachedRecord struct {
	Collection string          `gorm:"primaryKey;size:64" json:"collection"`
	TenantId   string          `gorm:"primaryKey;size:64" json:"tenantId"`
	RecordId   string          `gorm:"primaryKey;size:128" json:"id"`
	Data       json.RawMessage `gorm:"type:json" json:"data"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	SyncedAt   *time.Time      `json:"syncedAt,omitempty"`
	IsDeleted  bool            `gorm:"index" json:"isDeleted"`
	DeletedAt  *time.Time      `json:"deletedAt,omitempty"`
}

// Fields decodes the record payload. Malformed payloads decode to an empty
// map rather than failing the read path.
func (r CachedRecord) Fields() map[string]any {
	if len(r.Data) == 0 {
		return map[string]any{}
	}
	var fields map[string]any
	if err := json.Unmarshal(r.Data, &fields); err != nil {
		return map[string]any{}
	}
	return fields
}
