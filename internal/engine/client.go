package engine

import (
	"context"
	"time"

	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/model"
)

// DataClient is the contract every venue adapter implements. Clients run
// their own I/O tasks and push normalized messages through the Intake
// handed to them at registration; they never hold a reference to the
// engine itself.
//
// Delivery guarantee: messages for a given instrument stream arrive in
// non-decreasing sequence order. No ordering is guaranteed across
// instruments or across clients.
type DataClient interface {
	ID() string
	Venue() model.Venue

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Subscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error
	Unsubscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error
}

// HistoricalProvider is implemented by clients that can serve historical
// range requests directly from the venue.
type HistoricalProvider interface {
	RequestHistorical(ctx context.Context, id model.InstrumentID, dt model.DataType, start, end time.Time) (catalog.Sequence, error)
}

// SnapshotRequester is implemented by clients that can re-request an
// authoritative book snapshot, used by the engine to resync a stale book.
type SnapshotRequester interface {
	RequestSnapshot(ctx context.Context, id model.InstrumentID) error
}

// clientStatus is the control message a client's connectivity changes
// produce; it travels through the same ordered intake as data so state
// transitions interleave correctly with the stream.
type clientStatus struct {
	clientID  string
	connected bool
	at        time.Time
}

// Intake is a client's bounded, ordered channel into the engine. Deliver
// blocks when the channel is full: backpressure throttles the client's
// underlying read instead of dropping messages.
type Intake struct {
	clientID string
	ch       chan any
	wake     chan<- struct{}
}

// Deliver pushes one normalized message (model.QuoteTick,
// model.TradeTick, model.OrderBookDelta, or model.Instrument) into the
// engine, blocking while the intake is full.
func (in *Intake) Deliver(msg any) {
	in.ch <- msg
	in.signal()
}

// NotifyDisconnected tells the engine the client lost connectivity. The
// engine marks the client degraded: delivery paused, not destroyed.
func (in *Intake) NotifyDisconnected() {
	in.ch <- clientStatus{clientID: in.clientID, connected: false, at: time.Now().UTC()}
	in.signal()
}

// NotifyReconnected tells the engine the client re-established its
// connection and subscriptions. A fresh venue snapshot following this is
// treated as authoritative.
func (in *Intake) NotifyReconnected() {
	in.ch <- clientStatus{clientID: in.clientID, connected: true, at: time.Now().UTC()}
	in.signal()
}

func (in *Intake) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// clientHandle is the engine-side record of a registered client.
type clientHandle struct {
	client   DataClient
	intake   *Intake
	pending  any  // staged head message for timestamp merging
	degraded bool // loop-owned
}
