package redisevents

import (
	"context"
	"encoding/json"
	"fmt"
	"liveauction/internal/clock"
	"liveauction/internal/events"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ActivityChannel carries the global bid activity feed.
	ActivityChannel = "aucs:activity"
	// NotificationStream is consumed by the notify package.
	NotificationStream = "notifications_stream"
	// TimerKeyPrefix keys expire at the auction's end time and wake the
	// auction watcher.
	TimerKeyPrefix = "auc_t:"

	notificationStreamMaxLen = 100000
	payloadVersion           = 1
)

// AuctionChannel is the per-auction pub/sub channel the ws layer subscribes to.
func AuctionChannel(auctionID string) string {
	return "auc:" + auctionID + ":events"
}

type bidEvent struct {
	Version int    `json:"version"`
	Event   string `json:"event"`
	events.PriceUpdate
}

type activityEvent struct {
	Version int    `json:"version"`
	Event   string `json:"event"`
	events.Activity
}

// Publisher pushes live events over Redis pub/sub and queues notifications
// on a Redis stream.
type Publisher struct {
	rdc   *redis.Client
	clock clock.Clock
}

var (
	_ events.Pusher   = (*Publisher)(nil)
	_ events.Notifier = (*Publisher)(nil)
)

func NewPublisher(rdc *redis.Client, clk clock.Clock) *Publisher {
	return &Publisher{rdc: rdc, clock: clk}
}

// PushPrice publishes the new price and re-arms the auction's timer key so
// it expires at the (possibly extended) end time.
func (p *Publisher) PushPrice(ctx context.Context, u events.PriceUpdate) error {
	payload, err := json.Marshal(bidEvent{Version: payloadVersion, Event: "bid", PriceUpdate: u})
	if err != nil {
		return err
	}

	_, err = p.rdc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, AuctionChannel(u.AuctionID), payload)
		if ttl := u.NewEndTime.Sub(p.clock.Now()); ttl > 0 {
			pipe.Set(ctx, TimerKeyPrefix+u.AuctionID, u.NewEndTime.Unix(), ttl.Round(time.Second)+time.Second)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisevents: push price for %s: %w", u.AuctionID, err)
	}
	return nil
}

func (p *Publisher) PushActivity(ctx context.Context, a events.Activity) error {
	payload, err := json.Marshal(activityEvent{Version: payloadVersion, Event: "bid", Activity: a})
	if err != nil {
		return err
	}
	if err := p.rdc.Publish(ctx, ActivityChannel, payload).Err(); err != nil {
		return fmt.Errorf("redisevents: push activity: %w", err)
	}
	return nil
}

// Notify appends the notification to the stream; the consumer group in the
// notify package owns delivery and retries.
func (p *Publisher) Notify(ctx context.Context, n events.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	err = p.rdc.XAdd(ctx, &redis.XAddArgs{
		Stream: NotificationStream,
		MaxLen: notificationStreamMaxLen,
		Approx: true,
		Values: []interface{}{"kind", string(n.Kind), "payload", string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisevents: queue %s for %s: %w", n.Kind, n.RecipientID, err)
	}
	return nil
}

// ArmTimer sets the timer key for a freshly created auction.
func (p *Publisher) ArmTimer(ctx context.Context, auctionID string, endsAt time.Time) error {
	ttl := endsAt.Sub(p.clock.Now())
	if ttl <= 0 {
		return nil
	}
	return p.rdc.Set(ctx, TimerKeyPrefix+auctionID, endsAt.Unix(), ttl.Round(time.Second)+time.Second).Err()
}
