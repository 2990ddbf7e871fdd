package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/remotestore"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/sirupsen/logrus"
)

// Broker hands out realtime subscriptions for one tenant's collections.
// With a live change feed it delegates to it; without one it serves a
// one-shot snapshot from the local cache. Either way consumers receive full
// snapshots and replace their prior view on each delivery.
type Broker struct {
	TenantId string
	Feed     ChangeFeed
	Local    LocalCache
	Logger   *logrus.Logger
}

func NewBroker(tenantId string, feed ChangeFeed, local LocalCache, logger *logrus.Logger) (*Broker, error) {
	if tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	return &Broker{
		TenantId: tenantId,
		Feed:     feed,
		Local:    local,
		Logger:   logger,
	}, nil
}

// Subscribe delivers an initial snapshot and subsequent updates for a
// collection. The returned unsubscribe function is idempotent and never nil.
func (b *Broker) Subscribe(ctx context.Context, collection string, q remotestore.Query, onUpdate func([]remotestore.Document), onError func(error)) (func(), error) {
	if onUpdate == nil {
		return noopUnsubscribe(), errors.New("onUpdate callback is required")
	}

	if b.Feed != nil {
		return b.Feed.Subscribe(ctx, b.TenantId, collection, q, onUpdate, onError)
	}

	b.deliverLocal(ctx, collection, q, onUpdate, onError)
	return noopUnsubscribe(), nil
}

// deliverLocal serves one snapshot from the cache. Before filtering it scans
// the whole collection: any record belonging to a different tenant means the
// cache file was reused across tenant sessions, so the consumer gets an empty
// snapshot and the poisoned collection is purged rather than risk leaking
// another tenant's data.
func (b *Broker) deliverLocal(ctx context.Context, collection string, q remotestore.Query, onUpdate func([]remotestore.Document), onError func(error)) {
	if b.Local == nil {
		onUpdate([]remotestore.Document{})
		return
	}

	recs, err := b.Local.UnscopedCollection(ctx, collection)
	if err != nil {
		if errors.Is(err, utils.ErrStorageUnavailable) {
			onUpdate([]remotestore.Document{})
			return
		}
		if onError != nil {
			onError(err)
		}
		return
	}

	for _, rec := range recs {
		if rec.TenantId != b.TenantId {
			isoErr := &utils.TenantIsolationError{
				Collection: collection,
				WantTenant: b.TenantId,
				GotTenant:  rec.TenantId,
			}
			if b.Logger != nil {
				b.Logger.WithFields(logrus.Fields{
					"module":     "Broker",
					"tenant_id":  b.TenantId,
					"collection": collection,
				}).Error(isoErr.Error())
			}
			onUpdate([]remotestore.Document{})
			go b.purge(collection)
			return
		}
	}

	docs := make([]remotestore.Document, 0, len(recs))
	for _, rec := range recs {
		if rec.IsDeleted {
			continue
		}
		if !matchesQuery(rec, q) {
			continue
		}
		docs = append(docs, recordToDocument(rec))
	}
	if q.OrderBy != "" {
		sortDocs(docs, q.OrderBy)
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	onUpdate(docs)
}

// sortDocs applies the same order_by contract the remote store accepts: a
// field name with an optional " desc" suffix. Numeric fields compare
// numerically, everything else as text.
func sortDocs(docs []remotestore.Document, orderBy string) {
	field := orderBy
	desc := false
	if trimmed, ok := strings.CutSuffix(orderBy, " desc"); ok {
		field = trimmed
		desc = true
	}
	field = strings.TrimSpace(field)
	sort.SliceStable(docs, func(i, j int) bool {
		if desc {
			return fieldLess(docs[j].Fields[field], docs[i].Fields[field])
		}
		return fieldLess(docs[i].Fields[field], docs[j].Fields[field])
	})
}

func fieldLess(a, b any) bool {
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af < bf
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func (b *Broker) purge(collection string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Local.PurgeCollection(ctx, collection); err != nil && b.Logger != nil {
		b.Logger.WithFields(logrus.Fields{
			"module":     "Broker",
			"tenant_id":  b.TenantId,
			"collection": collection,
		}).Error("purge after isolation violation failed: " + err.Error())
	}
}

func matchesQuery(rec models.CachedRecord, q remotestore.Query) bool {
	if q.BranchId == "" && q.UserId == "" {
		return true
	}
	fields := rec.Fields()
	if q.BranchId != "" {
		if v, _ := fields["branchId"].(string); v != q.BranchId {
			return false
		}
	}
	if q.UserId != "" {
		if v, _ := fields["userId"].(string); v != q.UserId {
			return false
		}
	}
	return true
}

func noopUnsubscribe() func() {
	var once sync.Once
	return func() {
		once.Do(func() {})
	}
}
