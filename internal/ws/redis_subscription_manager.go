package ws

import (
	"context"
	"encoding/json"
	"liveauction/internal/events/redisevents"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// subscriber tracks which auction rooms need a Redis subscription.
type subscriber interface {
	Subscribe(auctionID string)
	Unsubscribe(auctionID string)
}

// subscriptionManager keeps exactly one Redis subscription per auction
// channel, however many websocket clients share the room.
type subscriptionManager struct {
	rdb  *redis.Client
	hub  *Hub
	mu   sync.Mutex
	subs map[string]*subEntry // auctionID -> subscription
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
}

func newSubscriptionManager(rdb *redis.Client, hub *Hub) *subscriptionManager {
	return &subscriptionManager{
		rdb:  rdb,
		hub:  hub,
		subs: make(map[string]*subEntry),
	}
}

// Subscribe opens the auction's channel on first use; later calls only
// bump the reference count.
func (sm *subscriptionManager) Subscribe(auctionID string) {
	sm.mu.Lock()
	if e, ok := sm.subs[auctionID]; ok {
		e.refCnt++
		sm.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := sm.rdb.Subscribe(ctx, redisevents.AuctionChannel(auctionID))

	sm.subs[auctionID] = &subEntry{refCnt: 1, cancel: cancel}
	sm.mu.Unlock()

	go pump(ctx, ps, sm.hub, auctionID, "auctions/")
}

// Unsubscribe drops a reference and closes the Redis subscription when the
// last client has left.
func (sm *subscriptionManager) Unsubscribe(auctionID string) {
	sm.mu.Lock()
	e, ok := sm.subs[auctionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, auctionID)
	sm.mu.Unlock()

	e.cancel()
}

// pump forwards a Redis subscription into a hub room until ctx ends.
func pump(ctx context.Context, ps *redis.PubSub, hub *Hub, roomID, namespace string) {
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			wrapped, err := wrapRedisEvent(m.Payload, namespace)
			if err != nil {
				zap.L().Warn("ws.wrap_event_failed", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			hub.Broadcast(roomID, wrapped)
		}
	}
}

// wrapRedisEvent turns
//
//	{"version":1,"event":"bid","price":150,…}
//
// into
//
//	{"event":"<namespace>bid","body":{"version":1,"price":150,…}}
func wrapRedisEvent(payload, namespace string) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, err
	}

	evt := "unknown"
	if v, ok := raw["event"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			evt = s
		}
		delete(raw, "event")
	}

	return json.Marshal(map[string]any{
		"event": namespace + evt,
		"body":  raw,
	})
}
