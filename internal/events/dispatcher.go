package events

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

type task struct {
	name string
	run  func(ctx context.Context) error
}

type Options struct {
	// QueueSize is per worker.
	QueueSize   int
	Workers     int
	MaxAttempts int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// Dispatcher is the outbound event queue. Enqueueing never blocks the
// caller; a full queue drops the event with a warning. Workers retry each
// delivery up to MaxAttempts and log the final failure.
//
// Every task is keyed by auction id and a key always lands on the same
// worker, so one auction's events are delivered in the order they were
// emitted.
type Dispatcher struct {
	notifier Notifier
	pusher   Pusher
	opts     Options

	queues []chan task
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Sink = (*Dispatcher)(nil)

func NewDispatcher(notifier Notifier, pusher Pusher, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	queues := make([]chan task, opts.Workers)
	for i := range queues {
		queues[i] = make(chan task, opts.QueueSize)
	}
	return &Dispatcher{
		notifier: notifier,
		pusher:   pusher,
		opts:     opts,
		queues:   queues,
	}
}

// Start launches the workers. Stop must be called to drain them.
func (d *Dispatcher) Start() {
	for _, q := range d.queues {
		d.wg.Add(1)
		go d.worker(q)
	}
}

// Stop refuses new events and waits for queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) BidAccepted(e BidAccepted) {
	if e.PreviousBidderID != "" && e.PreviousBidderID != e.BidderID {
		n := Notification{
			Kind:         OutbidNotice,
			RecipientID:  e.PreviousBidderID,
			AuctionID:    e.AuctionID,
			AuctionTitle: e.AuctionTitle,
			Amount:       e.Amount,
		}
		d.enqueue(e.AuctionID, "notify.outbid", func(ctx context.Context) error { return d.notifier.Notify(ctx, n) })
	}

	u := PriceUpdate{
		AuctionID:          e.AuctionID,
		NewPrice:           e.Amount,
		NewEndTime:         e.NewEndTime,
		BidderID:           e.BidderID,
		AntiSnipeTriggered: e.AntiSnipeTriggered,
	}
	d.enqueue(e.AuctionID, "push.price", func(ctx context.Context) error { return d.pusher.PushPrice(ctx, u) })

	a := Activity{
		BidderName:   e.BidderName,
		AuctionTitle: e.AuctionTitle,
		Amount:       e.Amount,
		AuctionID:    e.AuctionID,
	}
	d.enqueue(e.AuctionID, "push.activity", func(ctx context.Context) error { return d.pusher.PushActivity(ctx, a) })
}

func (d *Dispatcher) AuctionClosed(e AuctionClosed) {
	if !e.Sold {
		n := Notification{
			Kind:         AuctionExpired,
			RecipientID:  e.SellerID,
			AuctionID:    e.AuctionID,
			AuctionTitle: e.AuctionTitle,
		}
		d.enqueue(e.AuctionID, "notify.expired", func(ctx context.Context) error { return d.notifier.Notify(ctx, n) })
		return
	}

	for _, recipient := range []string{e.WinnerID, e.SellerID} {
		n := Notification{
			Kind:         AuctionSold,
			RecipientID:  recipient,
			AuctionID:    e.AuctionID,
			AuctionTitle: e.AuctionTitle,
			Amount:       e.FinalPrice,
			WinnerID:     e.WinnerID,
		}
		d.enqueue(e.AuctionID, "notify.sold", func(ctx context.Context) error { return d.notifier.Notify(ctx, n) })
	}
}

func (d *Dispatcher) enqueue(key, name string, run func(ctx context.Context) error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		zap.L().Warn("events.dispatcher_stopped", zap.String("task", name))
		return
	}
	select {
	case d.queues[xxhash.Sum64String(key)%uint64(len(d.queues))] <- task{name: name, run: run}:
	default:
		zap.L().Warn("events.queue_full", zap.String("task", name), zap.String("key", key))
	}
}

func (d *Dispatcher) worker(q <-chan task) {
	defer d.wg.Done()
	for t := range q {
		d.deliver(t)
	}
}

func (d *Dispatcher) deliver(t task) {
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		err = t.run(ctx)
		cancel()
		if err == nil {
			return
		}
		if attempt < d.opts.MaxAttempts && d.opts.Backoff > 0 {
			time.Sleep(time.Duration(attempt) * d.opts.Backoff)
		}
	}
	zap.L().Error("events.delivery_failed",
		zap.String("task", t.name),
		zap.Int("attempts", d.opts.MaxAttempts),
		zap.Error(err))
}
