// Package bus delivers stored events to subscribed handlers with
// at-least-once semantics, bounded redelivery and a per-channel DLQ.
package bus

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/internal/eventstore"
	"github.com/engagement/orchestration/internal/metrics"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/health"
	"github.com/engagement/orchestration/pkg/logger"
	"github.com/engagement/orchestration/pkg/tracing"
)

// Handler consumes one event. A nil return acknowledges the delivery; an
// error schedules a redelivery until the retry budget runs out.
type Handler func(ctx context.Context, evt *event.Event) error

// Options tune delivery. Zero values fall back to defaults.
type Options struct {
	// Consumer names this process inside each group, for pending
	// attribution across instances.
	Consumer string

	// MaxRetries bounds total delivery attempts per subscription,
	// including the first. The store's delivery counter carries the
	// budget across restarts.
	MaxRetries int64

	ReadCount int64         // entries per read batch
	ReadBlock time.Duration // poll block while the channel is drained

	RetryBase       time.Duration // first redelivery delay
	RetryMax        time.Duration // backoff cap
	RetryMultiplier float64

	// HandlerTimeout bounds one handler invocation. Handlers run detached
	// from the loop context so Close can drain in-flight work.
	HandlerTimeout time.Duration

	ClaimMinIdle         time.Duration // pending age before reclaim
	PendingCheckInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Consumer == "" {
		o.Consumer = "bus-1"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ReadCount <= 0 {
		o.ReadCount = 64
	}
	if o.ReadBlock <= 0 {
		o.ReadBlock = time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	if o.RetryMultiplier < 1 {
		o.RetryMultiplier = 2
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = 30 * time.Second
	}
	if o.PendingCheckInterval <= 0 {
		o.PendingCheckInterval = 30 * time.Second
	}
	return o
}

type subscription struct {
	channel    string
	handlerID  string
	schemaType string // empty matches every type on the channel
	handler    Handler

	loop health.LoopMonitor
}

// Bus dispatches events from the store to subscriptions. Each subscription
// gets its own group cursor and dispatch goroutine, so deliveries are
// serialized per subscriber and independent across subscribers.
type Bus struct {
	store    eventstore.Store
	registry *event.Registry
	log      *logger.Logger
	metrics  *metrics.Metrics
	opts     Options

	mu      sync.Mutex
	subs    []*subscription
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store eventstore.Store, registry *event.Registry, log *logger.Logger, m *metrics.Metrics, opts Options) *Bus {
	return &Bus{
		store:    store,
		registry: registry,
		log:      log,
		metrics:  m,
		opts:     opts.withDefaults(),
	}
}

// Publish validates the event against the schema registry, stamps missing
// envelope fields and appends it to the channel log. The returned ID is the
// store entry ID, not the event ID.
func (b *Bus) Publish(ctx context.Context, evt *event.Event) (string, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", apierrors.ErrBusClosed
	}

	if evt == nil {
		return "", apierrors.New(apierrors.CodeInvalidParam, "nil event")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if err := b.registry.Validate(evt); err != nil {
		return "", err
	}

	ctx, span := tracing.StartClientSpan(ctx, "bus.publish "+evt.Channel)
	defer span.End()
	tracing.SetAttribute(ctx, "event.type", evt.Type)

	id, err := b.store.Append(ctx, evt)
	if err != nil {
		tracing.SetError(ctx, err)
		return "", apierrors.Newf(apierrors.CodeBusUnavailable, "append %s to %s: %v", evt.Type, evt.Channel, err)
	}
	b.metrics.IncEventPublished(evt.Channel)
	return id, nil
}

// Subscribe registers a handler for one channel. The handler ID names the
// group cursor in the store, so it must be unique across the bus and stable
// across restarts. A non-empty schemaType narrows delivery to that event
// type; mismatching events are acknowledged without invoking the handler.
// Subscriptions are rejected once the bus is listening.
func (b *Bus) Subscribe(channel, schemaType, handlerID string, h Handler) error {
	if channel == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "subscription channel is required")
	}
	if handlerID == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "subscription handler ID is required")
	}
	if h == nil {
		return apierrors.Newf(apierrors.CodeInvalidParam, "nil handler for %s", handlerID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return apierrors.ErrBusClosed
	}
	if b.started {
		return apierrors.New(apierrors.CodeInvalidRequest, "bus is already listening")
	}
	for _, sub := range b.subs {
		if sub.handlerID == handlerID {
			return apierrors.Newf(apierrors.CodeAlreadyExists, "handler %s already subscribed", handlerID)
		}
	}

	b.subs = append(b.subs, &subscription{
		channel:    channel,
		handlerID:  handlerID,
		schemaType: schemaType,
		handler:    h,
	})
	return nil
}

// StartListening creates the group cursors and spawns one dispatch loop per
// subscription. It does not block; Close stops the loops.
func (b *Bus) StartListening(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return apierrors.ErrBusClosed
	}
	if b.started {
		return apierrors.New(apierrors.CodeInvalidRequest, "bus is already listening")
	}

	for _, sub := range b.subs {
		if err := b.store.EnsureGroup(ctx, sub.channel, sub.handlerID); err != nil {
			return apierrors.Newf(apierrors.CodeBusUnavailable, "create group %s on %s: %v", sub.handlerID, sub.channel, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.started = true
	for _, sub := range b.subs {
		sub.loop.Tick()
		b.wg.Add(1)
		go b.dispatchLoop(runCtx, sub)
	}
	b.log.Infof("event bus listening", map[string]interface{}{
		"subscriptions": len(b.subs),
		"consumer":      b.opts.Consumer,
	})
	return nil
}

// Close stops the dispatch loops and waits for in-flight handlers. Entries
// read but not acknowledged stay pending and are reclaimed on restart.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.log.Info("event bus closed")
	return nil
}

// DeadLetters lists the oldest parked deliveries for the channel.
func (b *Bus) DeadLetters(ctx context.Context, channel string, limit int64) ([]eventstore.DeadLetter, error) {
	if channel == "" {
		return nil, apierrors.New(apierrors.CodeInvalidParam, "channel is required")
	}
	return b.store.DeadLetters(ctx, channel, limit)
}

// ReplayDeadLetter removes the parked delivery and appends its event back to
// the channel log as a fresh delivery with a reset retry budget. The event
// keeps its original ID so consumers can deduplicate.
func (b *Bus) ReplayDeadLetter(ctx context.Context, channel, id string) (*event.Event, error) {
	if channel == "" {
		return nil, apierrors.New(apierrors.CodeInvalidParam, "channel is required")
	}
	dl, err := b.store.TakeDeadLetter(ctx, channel, id)
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeBusUnavailable, "take dead letter %s: %v", id, err)
	}
	if dl == nil || dl.Event == nil {
		return nil, apierrors.Newf(apierrors.CodeDeadLetterNotFound, "dead letter %s not found on %s", id, channel)
	}

	evt := dl.Event.Clone()
	if _, err := b.store.Append(ctx, evt); err != nil {
		return nil, apierrors.Newf(apierrors.CodeBusUnavailable, "republish dead letter %s: %v", id, err)
	}
	b.metrics.IncDLQReplayed(channel)
	b.log.Infof("dead letter replayed", map[string]interface{}{
		"channel":      channel,
		"deadLetterId": dl.ID,
		"eventId":      evt.ID,
	})
	b.emitReplayed(ctx, channel, evt.ID, dl.ID)
	return evt, nil
}

// Checkers exposes one readiness checker per dispatch loop.
func (b *Bus) Checkers(maxAge time.Duration) []health.Checker {
	b.mu.Lock()
	defer b.mu.Unlock()
	checkers := make([]health.Checker, 0, len(b.subs))
	for _, sub := range b.subs {
		checkers = append(checkers, health.NewLoopChecker("bus-"+sub.handlerID, &sub.loop, maxAge))
	}
	return checkers
}

func (b *Bus) dispatchLoop(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sub.loop.SetError(fmt.Errorf("panic: %v", r))
			b.log.Errorf("dispatch loop panic", map[string]interface{}{
				"channel": sub.channel,
				"handler": sub.handlerID,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
		}
	}()

	pendingTicker := time.NewTicker(b.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	// pick up entries a previous instance read but never acknowledged
	if err := b.processPending(ctx, sub); err != nil && ctx.Err() == nil {
		sub.loop.SetError(err)
		b.log.WithError(err).Warnf("process pending failed", map[string]interface{}{
			"channel": sub.channel,
			"handler": sub.handlerID,
		})
	}

	for {
		sub.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if err := b.processPending(ctx, sub); err != nil && ctx.Err() == nil {
				sub.loop.SetError(err)
				b.log.WithError(err).Warnf("process pending failed", map[string]interface{}{
					"channel": sub.channel,
					"handler": sub.handlerID,
				})
			}
			continue
		default:
		}

		if err := b.consumeOnce(ctx, sub); err != nil && ctx.Err() == nil {
			sub.loop.SetError(err)
			b.log.WithError(err).Warnf("read channel failed", map[string]interface{}{
				"channel": sub.channel,
				"handler": sub.handlerID,
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (b *Bus) consumeOnce(ctx context.Context, sub *subscription) error {
	entries, err := b.store.Read(ctx, sub.channel, sub.handlerID, b.opts.Consumer, b.opts.ReadCount, b.opts.ReadBlock)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := b.deliver(ctx, sub, entry); err != nil {
			return err
		}
	}
	return nil
}

// processPending reclaims entries stuck pending longer than ClaimMinIdle
// and refreshes the backlog gauges.
func (b *Bus) processPending(ctx context.Context, sub *subscription) error {
	if n, err := b.store.PendingCount(ctx, sub.channel, sub.handlerID); err == nil {
		b.metrics.SetStreamPending(sub.channel, sub.handlerID, n)
	}
	if n, err := b.store.DLQLen(ctx, sub.channel); err == nil {
		b.metrics.SetDLQDepth(sub.channel, n)
	}

	entries, err := b.store.Pending(ctx, sub.channel, sub.handlerID, b.opts.Consumer, b.opts.ClaimMinIdle, b.opts.ReadCount)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := b.deliver(ctx, sub, entry); err != nil {
			return err
		}
	}
	return nil
}

// deliver retries the entry in place until it succeeds or the budget runs
// out, then parks it on the DLQ. Returning an error leaves the entry
// unacknowledged for a later reclaim.
func (b *Bus) deliver(ctx context.Context, sub *subscription, entry eventstore.Entry) error {
	evt := entry.Event
	if sub.schemaType != "" && evt.Type != sub.schemaType {
		b.ack(ctx, sub, entry.ID)
		return nil
	}

	ctx, span := tracing.StartConsumerSpan(ctx, "bus.deliver "+sub.channel, entry.TraceID)
	defer span.End()
	tracing.SetAttribute(ctx, "event.id", evt.ID)
	tracing.SetAttribute(ctx, "event.type", evt.Type)
	tracing.SetAttribute(ctx, "bus.handler", sub.handlerID)

	first := entry.Deliveries
	if first < 1 {
		first = 1
	}
	attempts := first - 1
	var lastErr error
	for attempt := first; attempt <= b.opts.MaxRetries; attempt++ {
		attempts = attempt
		lastErr = b.invokeHandler(ctx, sub, evt)
		if lastErr == nil {
			b.metrics.IncEventDelivered(sub.channel, sub.handlerID)
			b.ack(ctx, sub, entry.ID)
			return nil
		}

		b.log.WithError(lastErr).Warnf("handler failed", map[string]interface{}{
			"channel": sub.channel,
			"handler": sub.handlerID,
			"eventId": evt.ID,
			"type":    evt.Type,
			"attempt": attempt,
		})
		if attempt == b.opts.MaxRetries {
			break
		}
		b.metrics.IncHandlerRetry(sub.channel, sub.handlerID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff(attempt)):
		}
	}

	reason := fmt.Sprintf("retry budget exhausted after %d deliveries", attempts)
	if lastErr != nil {
		reason = lastErr.Error()
	}
	tracing.SetError(ctx, lastErr)
	dl := &eventstore.DeadLetter{
		Channel:  sub.channel,
		EventID:  evt.ID,
		Reason:   reason,
		Attempts: attempts,
		Group:    sub.handlerID,
		Consumer: b.opts.Consumer,
		Event:    evt,
		FailedAt: time.Now().UTC(),
	}
	if _, err := b.store.AppendDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("park %s on %s dlq: %w", evt.ID, sub.channel, err)
	}
	b.metrics.IncDeadLetter(sub.channel, sub.handlerID)
	b.log.Errorf("event dead-lettered", map[string]interface{}{
		"channel":  sub.channel,
		"handler":  sub.handlerID,
		"eventId":  evt.ID,
		"type":     evt.Type,
		"attempts": attempts,
		"reason":   reason,
	})
	b.ack(ctx, sub, entry.ID)
	return nil
}

// invokeHandler runs the handler detached from the loop context so shutdown
// drains the in-flight event instead of aborting it. Panics count as errors.
func (b *Bus) invokeHandler(ctx context.Context, sub *subscription, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierrors.Newf(apierrors.CodeInternal, "handler panic: %v", r)
			b.log.Errorf("handler panic", map[string]interface{}{
				"channel": sub.channel,
				"handler": sub.handlerID,
				"eventId": evt.ID,
				"stack":   string(debug.Stack()),
			})
		}
	}()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.HandlerTimeout)
	defer cancel()
	return sub.handler(hctx, evt.Clone())
}

// ack is best effort. A lost acknowledgement resurfaces the entry through
// the pending reclaim, which at-least-once delivery tolerates.
func (b *Bus) ack(ctx context.Context, sub *subscription, id string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.store.Ack(actx, sub.channel, sub.handlerID, id); err != nil {
		b.log.WithError(err).Warnf("ack failed", map[string]interface{}{
			"channel": sub.channel,
			"handler": sub.handlerID,
			"entryId": id,
		})
	}
}

func (b *Bus) backoff(attempt int64) time.Duration {
	d := float64(b.opts.RetryBase) * math.Pow(b.opts.RetryMultiplier, float64(attempt-1))
	if limit := float64(b.opts.RetryMax); d > limit {
		d = limit
	}
	return time.Duration(d)
}

// emitReplayed leaves an audit event on the lifecycle channel. Best effort;
// the replay itself already succeeded.
func (b *Bus) emitReplayed(ctx context.Context, channel, eventID, deadLetterID string) {
	evt, err := event.New(event.ChannelLifecycle, event.TypeDeadLetterReplayed, event.DeadLetterReplayed{
		Channel:      channel,
		EventID:      eventID,
		DeadLetterID: deadLetterID,
	})
	if err != nil {
		return
	}
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := b.Publish(ectx, evt); err != nil {
		b.log.WithError(err).Warn("replay audit event not published")
	}
}
