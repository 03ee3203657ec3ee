package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/bars"
	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

// subEntry is one live upstream subscription with its reference counts.
// Multiple Subscribe calls for the same stream share one venue
// subscription; the venue is asked once on the first subscriber and
// released once after the last unsubscribes.
type subEntry struct {
	key  string
	id   model.InstrumentID
	dt   model.DataType
	refs map[uuid.UUID]struct{}

	// bar subscriptions additionally own an aggregator and hold one
	// internal reference on the tick stream that feeds it.
	barType       *model.BarType
	underlyingSub uuid.UUID
}

type subRef struct {
	key string
}

func streamSubKey(dt model.DataType, id model.InstrumentID) string {
	return dt.String() + "|" + id.String()
}

func barSubKey(bt model.BarType) string {
	return "bar|" + bt.String()
}

// execute runs apply on the engine loop and waits for the result. Before
// Start the loop is not running and apply runs inline; no other
// goroutine touches loop state then, so this stays race free.
func (e *DataEngine) execute(ctx context.Context, apply func() (any, error)) (any, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return apply()
	}

	cmd := engineCmd{apply: apply, reply: make(chan cmdReply, 1)}
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *DataEngine) runCommand(cmd engineCmd) {
	value, err := cmd.apply()
	cmd.reply <- cmdReply{value: value, err: err}
}

func (e *DataEngine) clientFor(venue model.Venue) (DataClient, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.venues[venue]
	if !ok {
		return nil, fmt.Errorf("engine: no client for venue %s: %w", venue, errs.ErrSubscription)
	}
	return e.handles[id].client, nil
}

// Subscribe opens a subscription to a normalized data stream and returns
// its handle. The first subscriber to a stream triggers the venue
// subscription; later subscribers share it.
func (e *DataEngine) Subscribe(ctx context.Context, dt model.DataType, id model.InstrumentID) (uuid.UUID, error) {
	if dt == model.DataBar {
		return uuid.Nil, fmt.Errorf("engine: bar streams use SubscribeBars: %w", errs.ErrSubscription)
	}
	v, err := e.execute(ctx, func() (any, error) {
		return e.subscribeStream(ctx, dt, id)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// SubscribeBook is Subscribe for delta streams with an explicit book
// granularity. The book type is fixed by the first delta subscriber.
func (e *DataEngine) SubscribeBook(ctx context.Context, id model.InstrumentID, bt model.BookType) (uuid.UUID, error) {
	v, err := e.execute(ctx, func() (any, error) {
		if existing, ok := e.bookType[id]; ok && existing != bt {
			return nil, fmt.Errorf("engine: %s already subscribed as %s: %w", id, existing, errs.ErrSubscription)
		}
		e.bookType[id] = bt
		return e.subscribeStream(ctx, model.DataDelta, id)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// SubscribeBars opens a bar stream, creating its aggregator on first
// subscribe. Bars are derived locally: the underlying venue subscription
// is the tick stream the price source needs (trades for LAST, quotes
// otherwise), and time-driven specs get a boundary timer aligned to the
// interval.
func (e *DataEngine) SubscribeBars(ctx context.Context, barType model.BarType) (uuid.UUID, error) {
	v, err := e.execute(ctx, func() (any, error) {
		return e.subscribeBars(ctx, barType)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// Unsubscribe releases one subscription handle. Releasing the last
// handle on a stream releases the venue subscription (and, for bars,
// stops the aggregator, discarding any partial bar).
func (e *DataEngine) Unsubscribe(ctx context.Context, subID uuid.UUID) error {
	_, err := e.execute(ctx, func() (any, error) {
		return nil, e.unsubscribe(ctx, subID)
	})
	return err
}

// subscribeStream runs on the loop.
func (e *DataEngine) subscribeStream(ctx context.Context, dt model.DataType, id model.InstrumentID) (uuid.UUID, error) {
	key := streamSubKey(dt, id)
	entry, ok := e.subs[key]
	if !ok {
		client, err := e.clientFor(id.Venue)
		if err != nil {
			return uuid.Nil, err
		}
		if err := client.Subscribe(ctx, id, dt); err != nil {
			return uuid.Nil, fmt.Errorf("engine: subscribe %s %s: %w", dt, id, err)
		}
		entry = &subEntry{key: key, id: id, dt: dt, refs: make(map[uuid.UUID]struct{})}
		e.subs[key] = entry
		e.logger.Info("stream subscribed",
			zap.String("data_type", dt.String()),
			zap.String("instrument", id.String()),
		)
	}
	sid := uuid.New()
	entry.refs[sid] = struct{}{}
	e.bySubID[sid] = subRef{key: key}
	return sid, nil
}

// subscribeBars runs on the loop.
func (e *DataEngine) subscribeBars(ctx context.Context, barType model.BarType) (uuid.UUID, error) {
	key := barSubKey(barType)
	entry, ok := e.subs[key]
	if !ok {
		underlying := model.DataQuote
		if barType.Spec.PriceSource == model.PriceLast {
			underlying = model.DataTrade
		}
		underSub, err := e.subscribeStream(ctx, underlying, barType.InstrumentID)
		if err != nil {
			return uuid.Nil, err
		}

		agg, err := bars.NewAggregator(barType, e.cfg.Bars, e.emitBar)
		if err != nil {
			_ = e.unsubscribe(ctx, underSub)
			return uuid.Nil, fmt.Errorf("engine: %w: %v", errs.ErrSubscription, err)
		}

		bt := barType
		entry = &subEntry{
			key:           key,
			id:            barType.InstrumentID,
			dt:            model.DataBar,
			refs:          make(map[uuid.UUID]struct{}),
			barType:       &bt,
			underlyingSub: underSub,
		}
		e.subs[key] = entry

		ae := &aggEntry{agg: agg}
		if ta, isTime := agg.(*bars.TimeAggregator); isTime {
			ae.timerName = ta.TimerName()
			start := e.clk.Now().Truncate(ta.Interval()).Add(ta.Interval())
			if err := e.clk.SetTimer(ae.timerName, ta.Interval(), start); err != nil {
				_ = e.unsubscribe(ctx, underSub)
				delete(e.subs, key)
				return uuid.Nil, fmt.Errorf("engine: %w: %v", errs.ErrSubscription, err)
			}
		}
		e.aggs[barType.String()] = ae
		e.logger.Info("bar stream subscribed", zap.String("bar_type", barType.String()))
	}
	sid := uuid.New()
	entry.refs[sid] = struct{}{}
	e.bySubID[sid] = subRef{key: key}
	return sid, nil
}

// unsubscribe runs on the loop.
func (e *DataEngine) unsubscribe(ctx context.Context, subID uuid.UUID) error {
	ref, ok := e.bySubID[subID]
	if !ok {
		return fmt.Errorf("engine: unknown subscription %s: %w", subID, errs.ErrSubscription)
	}
	delete(e.bySubID, subID)

	entry := e.subs[ref.key]
	delete(entry.refs, subID)
	if len(entry.refs) > 0 {
		return nil
	}
	delete(e.subs, ref.key)

	if entry.barType != nil {
		if ae, ok := e.aggs[entry.barType.String()]; ok {
			ae.agg.Stop()
			if ae.timerName != "" {
				e.clk.CancelTimer(ae.timerName)
			}
			delete(e.aggs, entry.barType.String())
		}
		e.logger.Info("bar stream unsubscribed", zap.String("bar_type", entry.barType.String()))
		return e.unsubscribe(ctx, entry.underlyingSub)
	}

	client, err := e.clientFor(entry.id.Venue)
	if err != nil {
		return err
	}
	if err := client.Unsubscribe(ctx, entry.id, entry.dt); err != nil {
		return fmt.Errorf("engine: unsubscribe %s %s: %w", entry.dt, entry.id, err)
	}
	e.logger.Info("stream unsubscribed",
		zap.String("data_type", entry.dt.String()),
		zap.String("instrument", entry.id.String()),
	)
	return nil
}

// SubscriptionCount reports live subscription handles, for introspection
// and tests.
func (e *DataEngine) SubscriptionCount(ctx context.Context) (int, error) {
	v, err := e.execute(ctx, func() (any, error) {
		return len(e.bySubID), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
