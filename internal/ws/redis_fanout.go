package ws

import (
	"context"
	"liveauction/internal/events/redisevents"

	"github.com/redis/go-redis/v9"
)

// RunActivityFeed relays the global activity channel, fed by every
// instance, into ActivityRoom. It blocks until ctx is done.
func RunActivityFeed(ctx context.Context, rdb *redis.Client, hub *Hub) {
	ps := rdb.Subscribe(ctx, redisevents.ActivityChannel)
	pump(ctx, ps, hub, ActivityRoom, "activity/")
}
