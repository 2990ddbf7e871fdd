package remotestore

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ChangeFeed turns remote change notifications into full-snapshot callbacks.
// Every event for a subscribed (tenant, collection) triggers a complete
// re-read of the filtered collection; consumers replace their prior view on
// each delivery, they never append to it.
//
// Two transports feed the same registry: a Pub/Sub pull loop (long-running
// services) and HandlePushEvent, invoked by the HTTP push endpoint.
type ChangeFeed struct {
	client *Client
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[string]*feedSub
}

type feedSub struct {
	tenantId   string
	collection string
	query      Query
	onData     func([]Document)
	onError    func(error)
	cancel     context.CancelFunc
}

func NewChangeFeed(client *Client, logger *logrus.Logger) *ChangeFeed {
	return &ChangeFeed{
		client: client,
		logger: logger,
		subs:   map[string]*feedSub{},
	}
}

func pullModeEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("SYNC_FEED_MODE")), "pull")
}

// Subscribe attaches a live subscription scoped to tenant/{tenantId}/{collection}
// and delivers the current snapshot immediately. The returned unsubscribe
// function is idempotent and safe after the subscription has already ended.
func (f *ChangeFeed) Subscribe(ctx context.Context, tenantId string, collection string, q Query, onData func([]Document), onError func(error)) (func(), error) {
	id := uuid.NewString()
	subCtx, cancel := context.WithCancel(context.Background())

	sub := &feedSub{
		tenantId:   tenantId,
		collection: collection,
		query:      q,
		onData:     onData,
		onError:    onError,
		cancel:     cancel,
	}

	f.mu.Lock()
	f.subs[id] = sub
	f.mu.Unlock()

	// Initial snapshot so the consumer has a view before the first change.
	f.deliver(ctx, sub)

	if pullModeEnabled() {
		go f.receive(subCtx, id, sub)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
	return unsubscribe, nil
}

// HandlePushEvent fans a push-delivered change notification out to every
// matching subscription.
func (f *ChangeFeed) HandlePushEvent(ctx context.Context, event config.SyncEvent) {
	f.mu.Lock()
	matched := make([]*feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.tenantId == event.TenantId && sub.collection == event.Collection {
			matched = append(matched, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range matched {
		f.deliver(ctx, sub)
	}
}

func (f *ChangeFeed) deliver(ctx context.Context, sub *feedSub) {
	docs, err := f.client.ReadCollection(ctx, sub.tenantId, sub.collection, sub.query)
	if err != nil {
		if sub.onError != nil {
			sub.onError(err)
		}
		return
	}
	sub.onData(docs)
}

func (f *ChangeFeed) receive(ctx context.Context, id string, sub *feedSub) {
	client, err := config.GetClient(ctx)
	if err != nil {
		if sub.onError != nil {
			sub.onError(err)
		}
		return
	}

	topic, err := config.CreateTopicIfNotExists(client, config.SyncEventsTopicName())
	if err != nil {
		if sub.onError != nil {
			sub.onError(err)
		}
		return
	}

	subName := "sync-events-" + id
	pubsubSub, err := config.CreateSubscriptionIfNotExists(client, subName, topic)
	if err != nil {
		if sub.onError != nil {
			sub.onError(err)
		}
		return
	}
	defer func() {
		// The subscription is per-subscriber; clean it up on detach.
		_ = pubsubSub.Delete(context.Background())
	}()

	err = pubsubSub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		defer m.Ack()
		var event config.SyncEvent
		if len(m.Attributes) > 0 {
			event.TenantId = m.Attributes["tenant_id"]
			event.Collection = m.Attributes["collection"]
		}
		if event.TenantId == "" {
			if err := json.Unmarshal(m.Data, &event); err != nil {
				return
			}
		}
		if event.TenantId != sub.tenantId || event.Collection != sub.collection {
			return
		}
		f.deliver(ctx, sub)
	})
	if err != nil && ctx.Err() == nil {
		if f.logger != nil {
			f.logger.WithFields(logrus.Fields{
				"module":     "ChangeFeed",
				"tenant_id":  sub.tenantId,
				"collection": sub.collection,
			}).Error("pubsub receive ended: " + err.Error())
		}
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}
