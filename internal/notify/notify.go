// Package notify drains the notification stream through a consumer group
// and hands each notification to a Mailer.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"liveauction/internal/events"
	"liveauction/internal/events/redisevents"
	"liveauction/internal/store"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	Group = "notifiers"

	batchSize = 100
	blockFor  = 2 * time.Second

	// Entries pending longer than reclaimIdle are claimed by the next
	// reclaim pass, whichever consumer read them first.
	reclaimIdle  = 30 * time.Second
	reclaimEvery = 15 * time.Second
)

type Mailer interface {
	Send(ctx context.Context, n events.Notification) error
}

// LogMailer resolves the recipient's address and logs the message. It
// stands in for the email provider.
type LogMailer struct {
	dir store.Directory
}

func NewLogMailer(dir store.Directory) *LogMailer { return &LogMailer{dir: dir} }

func (m *LogMailer) Send(ctx context.Context, n events.Notification) error {
	p, err := m.dir.BidderProfile(ctx, n.RecipientID)
	if err != nil {
		return err
	}
	if p.Email == "" {
		zap.L().Debug("notify.no_email", zap.String("recipient_id", n.RecipientID), zap.String("kind", string(n.Kind)))
		return nil
	}
	zap.L().Info("notify.email",
		zap.String("to", p.Email),
		zap.String("kind", string(n.Kind)),
		zap.String("auction_id", n.AuctionID),
		zap.String("auction_title", n.AuctionTitle),
		zap.Float64("amount", n.Amount))
	return nil
}

type Consumer struct {
	rdc    *redis.Client
	mailer Mailer
	name   string
}

func NewConsumer(rdc *redis.Client, mailer Mailer, name string) *Consumer {
	return &Consumer{rdc: rdc, mailer: mailer, name: name}
}

// Run consumes until ctx is done. Entries whose Send failed, or that a
// crashed consumer never acknowledged, are claimed again once they have
// been idle for reclaimIdle.
func (c *Consumer) Run(ctx context.Context) {
	if err := c.ensureGroup(ctx); err != nil {
		zap.L().Error("notify.group_create", zap.Error(err))
		return
	}

	var lastReclaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastReclaim) >= reclaimEvery {
			if _, err := c.reclaim(ctx); err != nil && ctx.Err() == nil {
				zap.L().Warn("notify.xautoclaim", zap.Error(err))
			}
			lastReclaim = time.Now()
		}
		if _, err := c.processOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("notify.xreadgroup", zap.Error(err))
			time.Sleep(time.Second)
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdc.XGroupCreateMkStream(ctx, redisevents.NotificationStream, Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// processOnce reads one batch of new entries and returns how many it
// handled.
func (c *Consumer) processOnce(ctx context.Context) (int, error) {
	res, err := c.rdc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: c.name,
		Streams:  []string{redisevents.NotificationStream, ">"},
		Count:    batchSize,
		Block:    blockFor,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	return len(res[0].Messages), c.handle(ctx, res[0].Messages)
}

// reclaim walks the group's pending list with XAUTOCLAIM, takes over every
// entry idle for at least reclaimIdle and retries it.
func (c *Consumer) reclaim(ctx context.Context) (int, error) {
	total := 0
	start := "0-0"
	for {
		msgs, next, err := c.rdc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   redisevents.NotificationStream,
			Group:    Group,
			Consumer: c.name,
			MinIdle:  reclaimIdle,
			Start:    start,
			Count:    batchSize,
		}).Result()
		if err != nil {
			return total, err
		}
		total += len(msgs)
		if len(msgs) > 0 {
			zap.L().Info("notify.reclaimed", zap.Int("count", len(msgs)))
			if err := c.handle(ctx, msgs); err != nil {
				return total, err
			}
		}
		if next == "0-0" || next == "" {
			return total, nil
		}
		start = next
	}
}

// handle sends each entry and acknowledges the delivered and undecodable
// ones. A failed Send stays pending for the next reclaim pass.
func (c *Consumer) handle(ctx context.Context, msgs []redis.XMessage) error {
	var ack []string
	for _, m := range msgs {
		n, err := decode(m)
		if err != nil {
			// Undecodable entries would be retried forever.
			zap.L().Error("notify.decode", zap.String("id", m.ID), zap.Error(err))
			ack = append(ack, m.ID)
			continue
		}
		if err := c.mailer.Send(ctx, n); err != nil {
			zap.L().Warn("notify.send", zap.String("id", m.ID), zap.String("kind", string(n.Kind)), zap.Error(err))
			continue
		}
		ack = append(ack, m.ID)
	}
	if len(ack) > 0 {
		if err := c.rdc.XAck(ctx, redisevents.NotificationStream, Group, ack...).Err(); err != nil {
			return fmt.Errorf("notify: ack: %w", err)
		}
	}
	return nil
}

func decode(m redis.XMessage) (events.Notification, error) {
	var n events.Notification
	raw, ok := m.Values["payload"].(string)
	if !ok {
		return n, fmt.Errorf("notify: entry %s has no payload", m.ID)
	}
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return n, fmt.Errorf("notify: entry %s: %w", m.ID, err)
	}
	if n.RecipientID == "" || n.Kind == "" {
		return n, fmt.Errorf("notify: entry %s is missing kind or recipient", m.ID)
	}
	return n, nil
}
