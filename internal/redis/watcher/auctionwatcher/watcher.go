package auctionwatcher

import (
	"context"
	"liveauction/internal/events/redisevents"
	"liveauction/internal/services/closer"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const expiredPattern = "__keyevent@*__:expired"

// Closer is the single-auction close entry point.
type Closer interface {
	CloseIfEnded(ctx context.Context, auctionID string) (closer.Result, error)
}

// Run listens to timer-key expiry events and closes the auction right
// away instead of waiting for the next scheduled sweep. A missed event only
// delays closing until that sweep. Run must be started once at service boot
// and blocks until ctx is done.
func Run(ctx context.Context, rdb *redis.Client, c Closer) {
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		// Managed Redis often forbids CONFIG; it may already be enabled.
		zap.L().Warn("auctionwatcher.config_set", zap.Error(err))
	}
	ps := rdb.PSubscribe(ctx, expiredPattern)
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
			id, ok := AuctionID(m.Payload)
			if !ok {
				continue
			}
			handle(ctx, c, id)
		}
	}
}

// AuctionID extracts the auction id from an expired timer key.
func AuctionID(key string) (string, bool) {
	if !strings.HasPrefix(key, redisevents.TimerKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, redisevents.TimerKeyPrefix)
	return id, id != ""
}

func handle(ctx context.Context, c Closer, id string) {
	res, err := c.CloseIfEnded(ctx, id)
	if err != nil {
		zap.L().Warn("auctionwatcher.close", zap.String("auction_id", id), zap.Error(err))
		return
	}
	zap.L().Debug("auctionwatcher.expired",
		zap.String("auction_id", id),
		zap.String("outcome", string(res.Outcome)))
}
