package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	"bitbucket.org/mmdatafocus/possync_backend/remotestore"
	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxRetries is the single retry budget for the whole engine.
	// Historical builds disagreed between a low and a high threshold; 10 is
	// the canonical value, overridable via SYNC_QUEUE_MAX_RETRIES.
	DefaultMaxRetries = 10

	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// QueueManager owns one tenant's durable mutation queue: it drains items
// against the remote store in strict enqueue order, applies
// retry-with-backoff, and demotes permanently failing items to the
// dead-letter store. The tenant id is fixed at construction; a manager never
// infers it from data.
type QueueManager struct {
	TenantId string
	Remote   RemoteStore
	Store    QueuePersistence
	Local    LocalCache
	Logger   *logrus.Logger

	// Locker serializes full resyncs per tenant across instances. Optional:
	// without redis a process-local mutex still serializes within one process.
	Locker *redislock.Client

	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Notify, when set, announces that a collection changed remotely so other
	// terminals can refresh. Called off the drain path, best effort.
	Notify func(ctx context.Context, collection string)

	// sleep is the backoff wait; tests replace it to observe the schedule.
	sleep func(ctx context.Context, d time.Duration)

	mu       sync.Mutex
	items    []models.QueueItem
	online   bool
	draining bool
	lastSync *time.Time

	fullSyncMu sync.Mutex

	// remoteMu serializes this tenant's remote writes. A drain pass and a
	// full sync running concurrently must never interleave WriteBatch calls.
	remoteMu sync.Mutex

	broadcaster statusBroadcaster
}

func NewQueueManager(tenantId string, remote RemoteStore, store QueuePersistence, local LocalCache, logger *logrus.Logger) (*QueueManager, error) {
	if tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	m := &QueueManager{
		TenantId:    tenantId,
		Remote:      remote,
		Store:       store,
		Local:       local,
		Logger:      logger,
		MaxRetries:  DefaultMaxRetries,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
	}
	if v := os.Getenv("SYNC_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			m.MaxRetries = n
		}
	}
	m.sleep = func(ctx context.Context, d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return m, nil
}

// Start migrates any legacy global queue and loads this tenant's persisted
// items. A broken store is survivable: the manager starts empty and the
// in-memory queue becomes the source of truth until the next successful save.
func (m *QueueManager) Start(ctx context.Context) {
	if m.Store == nil {
		return
	}
	if err := m.Store.MigrateLegacyQueue(ctx, m.TenantId); err != nil && !errors.Is(err, utils.ErrStorageUnavailable) {
		m.logError("Start", "MigrateLegacyQueue", err)
	}
	items, err := m.Store.LoadQueue(ctx, m.TenantId)
	if err != nil {
		if !errors.Is(err, utils.ErrStorageUnavailable) {
			m.logError("Start", "LoadQueue", err)
		}
		return
	}
	m.mu.Lock()
	m.items = items
	m.mu.Unlock()
}

// Enqueue appends a pending mutation. Cross-tenant items are rejected
// outright; the group-by-tenant safety net exists only in the legacy queue
// migration.
func (m *QueueManager) Enqueue(ctx context.Context, item models.QueueItem) error {
	if item.TenantId == "" {
		item.TenantId = m.TenantId
	}
	if item.TenantId != m.TenantId {
		return fmt.Errorf("cannot enqueue item for tenant %q into queue for tenant %q", item.TenantId, m.TenantId)
	}
	if item.Id == "" {
		item.Id = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	m.items = append(m.items, item)
	online := m.online
	m.mu.Unlock()

	m.persist(ctx)
	m.broadcast()

	if online {
		m.kick()
	}
	return nil
}

// kick schedules a drain pass off the caller's goroutine. A backed-up queue
// against a degraded remote can back off for a long time per item; enqueues
// and connectivity flips must not block on that.
func (m *QueueManager) kick() {
	go m.Drain(context.Background())
}

func (m *QueueManager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition. Coming back online schedules
// a drain pass in the background.
func (m *QueueManager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	m.broadcast()
	if online {
		m.kick()
	}
}

func (m *QueueManager) Status() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SyncStatus{
		Online:    m.online,
		Syncing:   m.draining,
		QueueSize: len(m.items),
		LastSync:  m.lastSync,
	}
}

// OnStatus registers a listener and emits the current status to it
// immediately. The returned function removes the listener.
func (m *QueueManager) OnStatus(listener StatusListener) func() {
	remove := m.broadcaster.add(listener)
	listener(m.Status())
	return remove
}

func (m *QueueManager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Drain runs one pass over the currently queued items in enqueue order.
// Only one pass may run at a time; a request while already draining is a
// no-op. Items enqueued mid-pass wait for the next trigger.
func (m *QueueManager) Drain(ctx context.Context) {
	m.mu.Lock()
	if m.draining || !m.online || len(m.items) == 0 || m.Remote == nil {
		m.mu.Unlock()
		return
	}
	m.draining = true
	pending := make([]models.QueueItem, len(m.items))
	copy(pending, m.items)
	m.mu.Unlock()

	m.broadcast()
	anySucceeded := m.drainPass(ctx, pending)

	m.mu.Lock()
	m.draining = false
	if anySucceeded {
		now := time.Now().UTC()
		m.lastSync = &now
	}
	m.mu.Unlock()

	m.persist(ctx)
	m.broadcast()
}

func (m *QueueManager) drainPass(ctx context.Context, pending []models.QueueItem) bool {
	succeeded := map[string]bool{}
	dead := map[string]bool{}
	updated := map[string]models.QueueItem{}
	changedCollections := map[string]bool{}
	anySucceeded := false

	for _, item := range pending {
		if ctx.Err() != nil {
			break
		}
		// Throttle retried items; a degraded remote endpoint gets
		// min(base * 2^(retryCount-1), max) of breathing room.
		if item.RetryCount > 0 {
			m.sleep(ctx, backoffDelay(item.RetryCount, m.BaseBackoff, m.MaxBackoff))
			if ctx.Err() != nil {
				break
			}
		}

		err := m.apply(ctx, item)
		if err == nil {
			succeeded[item.Id] = true
			changedCollections[item.Collection] = true
			anySucceeded = true
			continue
		}

		now := time.Now().UTC()
		item.RetryCount++
		item.LastAttemptAt = &now

		if item.RetryCount >= m.MaxRetries {
			dead[item.Id] = true
			m.promoteDeadLetter(ctx, item, err)
			continue
		}

		updated[item.Id] = item
		if m.Logger != nil {
			m.Logger.WithFields(logrus.Fields{
				"module":      "QueueManager",
				"tenant_id":   m.TenantId,
				"item_id":     item.Id,
				"collection":  item.Collection,
				"doc_id":      item.DocId,
				"retry_count": item.RetryCount,
			}).Error("sync queue item failed: " + err.Error())
		}
	}

	// Rebuild against the live slice: items enqueued mid-pass are retained.
	m.mu.Lock()
	remaining := m.items[:0]
	for _, item := range m.items {
		if succeeded[item.Id] || dead[item.Id] {
			continue
		}
		if bumped, ok := updated[item.Id]; ok {
			item = bumped
		}
		remaining = append(remaining, item)
	}
	m.items = remaining
	m.mu.Unlock()

	if m.Notify != nil {
		for collection := range changedCollections {
			go m.Notify(context.Background(), collection)
		}
	}

	return anySucceeded
}

// apply delivers one mutation as a merge-upsert. Deletes become tombstones;
// the remote store never physically removes documents, so replaying the same
// item after a crash converges to the same state.
func (m *QueueManager) apply(ctx context.Context, item models.QueueItem) error {
	now := time.Now().UTC()
	var fields map[string]any

	switch item.Type {
	case models.QueueOpDelete:
		fields = map[string]any{
			"isDeleted": true,
			"deletedAt": now,
		}
	default:
		fields = map[string]any{}
		if len(item.Data) > 0 {
			if err := utils.UnmarshalFromJSON(item.Data, &fields); err != nil {
				return fmt.Errorf("decode queued payload: %w", err)
			}
		}
	}
	fields["tenantId"] = item.TenantId
	fields["updatedAt"] = now
	fields["syncedAt"] = now

	doc := remotestore.Document{Id: item.DocId, Fields: fields}
	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()
	return m.Remote.WriteBatch(ctx, item.TenantId, item.Collection, []remotestore.Document{doc})
}

func (m *QueueManager) promoteDeadLetter(ctx context.Context, item models.QueueItem, cause error) {
	reason := utils.ErrQueueExhausted.Error()
	if cause != nil {
		reason = cause.Error()
	}
	rec := models.NewDeadLetterRecord(item, reason, time.Now().UTC())
	if m.Store != nil {
		if err := m.Store.SaveDeadLetter(ctx, rec); err != nil {
			m.logError("promoteDeadLetter", "SaveDeadLetter", err)
		}
	}
	// Never silent: dead-letter promotion is the one failure mode that needs
	// eventual human attention.
	if m.Logger != nil {
		m.Logger.WithFields(logrus.Fields{
			"module":      "QueueManager",
			"tenant_id":   m.TenantId,
			"item_id":     item.Id,
			"collection":  item.Collection,
			"doc_id":      item.DocId,
			"retry_count": item.RetryCount,
		}).Error("sync queue item moved to dead-letter after max retries: " + reason)
	}
}

// GetFailedItems lists this tenant's dead letters for inspection/replay.
func (m *QueueManager) GetFailedItems(ctx context.Context) ([]models.DeadLetterRecord, error) {
	if m.Store == nil {
		return nil, utils.ErrStorageUnavailable
	}
	return m.Store.DeadLetters(ctx, m.TenantId)
}

// RetryFailedItem moves a dead letter back into the active queue with its
// retry count reset, and triggers an immediate drain attempt when online.
// Returns false when no dead letter with that id exists.
func (m *QueueManager) RetryFailedItem(ctx context.Context, id string) (bool, error) {
	if m.Store == nil {
		return false, utils.ErrStorageUnavailable
	}
	recs, err := m.Store.DeadLetters(ctx, m.TenantId)
	if err != nil {
		return false, err
	}
	var found *models.DeadLetterRecord
	for i := range recs {
		if recs[i].Id == id {
			found = &recs[i]
			break
		}
	}
	if found == nil {
		return false, nil
	}

	item, err := found.Item()
	if err != nil {
		return false, err
	}
	item.RetryCount = 0
	item.LastAttemptAt = nil

	if _, err := m.Store.DeleteDeadLetter(ctx, m.TenantId, id); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.items = append(m.items, item)
	online := m.online
	m.mu.Unlock()

	m.persist(ctx)
	m.broadcast()

	if online {
		m.kick()
	}
	return true, nil
}

// FullSync pushes the entire local cache for every data collection to the
// remote store in merge mode, tombstones included so deletions converge.
// Used for recovery after extended offline periods. It does not touch the
// pending-mutation queue; each remote write takes the per-tenant write mutex
// shared with the drain pass, so a concurrent drain cannot interleave
// destructively. The redis lock serializes full syncs across instances.
func (m *QueueManager) FullSync(ctx context.Context) error {
	if m.Remote == nil {
		return utils.ErrRemoteUnavailable
	}
	if m.Local == nil {
		return utils.ErrStorageUnavailable
	}

	m.fullSyncMu.Lock()
	defer m.fullSyncMu.Unlock()

	if m.Locker != nil {
		lock, err := m.Locker.Obtain(ctx, "sync:full:"+m.TenantId, 5*time.Minute, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return fmt.Errorf("full sync already running for tenant %s", m.TenantId)
			}
			// Redis is a best-effort optimization; proceed without it.
			m.logError("FullSync", "Obtain", err)
		} else {
			defer lock.Release(ctx)
		}
	}

	var failed int
	for _, collection := range models.DataCollections() {
		recs, err := m.Local.GetAll(ctx, collection, m.TenantId, true)
		if err != nil {
			if errors.Is(err, utils.ErrStorageUnavailable) {
				return err
			}
			failed++
			m.logError("FullSync", "GetAll "+collection, err)
			continue
		}
		if len(recs) == 0 {
			continue
		}
		docs := make([]remotestore.Document, 0, len(recs))
		for _, rec := range recs {
			docs = append(docs, recordToDocument(rec))
		}
		m.remoteMu.Lock()
		err = m.Remote.WriteBatch(ctx, m.TenantId, collection, docs)
		m.remoteMu.Unlock()
		if err != nil {
			failed++
			m.logError("FullSync", "WriteBatch "+collection, err)
			continue
		}
		if m.Notify != nil {
			go m.Notify(context.Background(), collection)
		}
	}

	if failed > 0 {
		return fmt.Errorf("full sync finished with %d failed collections", failed)
	}

	m.mu.Lock()
	now := time.Now().UTC()
	m.lastSync = &now
	m.mu.Unlock()
	m.broadcast()
	return nil
}

// persist saves the in-memory queue. Failures are logged and swallowed; the
// in-memory queue stays the source of truth until the next successful save.
func (m *QueueManager) persist(ctx context.Context) {
	if m.Store == nil {
		return
	}
	m.mu.Lock()
	items := make([]models.QueueItem, len(m.items))
	copy(items, m.items)
	m.mu.Unlock()

	if err := m.Store.SaveQueue(ctx, m.TenantId, items); err != nil && !errors.Is(err, utils.ErrStorageUnavailable) {
		m.logError("persist", "SaveQueue", err)
	}
}

func (m *QueueManager) broadcast() {
	m.broadcaster.broadcast(m.Status())
}

func (m *QueueManager) logError(funcName string, context string, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.WithFields(logrus.Fields{
		"module":    "QueueManager",
		"funcName":  funcName,
		"context":   context,
		"tenant_id": m.TenantId,
	}).Error(err.Error())
}

func backoffDelay(retryCount int, base time.Duration, max time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
