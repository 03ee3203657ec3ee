// Package feedsim is a simulated venue client: it replays recorded
// catalog data through the engine's normal intake path. Backtests and
// live trading run the identical pipeline; only the client (and the
// clock) differ.
package feedsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/engine"
	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

type subKey struct {
	id model.InstrumentID
	dt model.DataType
}

// Client replays catalog ranges for its subscribed streams. It
// implements engine.DataClient and engine.HistoricalProvider.
type Client struct {
	logger *zap.Logger
	id     string
	venue  model.Venue
	reader catalog.Reader
	intake *engine.Intake

	mu        sync.Mutex
	connected bool
	subs      map[subKey]struct{}
}

// New returns a replay client over the given catalog reader.
func New(logger *zap.Logger, id string, venue model.Venue, reader catalog.Reader) *Client {
	return &Client{
		logger: logger.Named("feedsim"),
		id:     id,
		venue:  venue,
		reader: reader,
		subs:   make(map[subKey]struct{}),
	}
}

// Bind hands the client its engine intake. Must be called before Replay.
func (c *Client) Bind(intake *engine.Intake) { c.intake = intake }

func (c *Client) ID() string         { return c.id }
func (c *Client) Venue() model.Venue { return c.venue }

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Client) Subscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error {
	if id.Venue != c.venue {
		return fmt.Errorf("feedsim: %s is not on venue %s: %w", id, c.venue, errs.ErrSubscription)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subKey{id: id, dt: dt}] = struct{}{}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subKey{id: id, dt: dt})
	return nil
}

// RequestHistorical serves range requests straight from the catalog.
func (c *Client) RequestHistorical(ctx context.Context, id model.InstrumentID, dt model.DataType, start, end time.Time) (catalog.Sequence, error) {
	return c.reader.ReadRange(ctx, id, dt, start, end)
}

// Replay reads every subscribed stream over [start, end), merges the
// records by event time, and delivers them through the intake in order.
// Delivery blocks on engine backpressure like a live feed would.
func (c *Client) Replay(ctx context.Context, start, end time.Time) error {
	if c.intake == nil {
		return fmt.Errorf("feedsim: client %s not bound to an engine", c.id)
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("feedsim: client %s: %w", c.id, errs.ErrConnection)
	}
	keys := make([]subKey, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var records []catalog.Record
	for _, k := range keys {
		seq, err := c.reader.ReadRange(ctx, k.id, k.dt, start, end)
		if err != nil {
			return fmt.Errorf("feedsim: read %s %s: %w", k.dt, k.id, err)
		}
		for {
			rec, err := seq.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = seq.Close()
				return err
			}
			records = append(records, rec)
		}
		if err := seq.Close(); err != nil {
			return err
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Ts.Equal(records[j].Ts) {
			return records[i].Ts.Before(records[j].Ts)
		}
		return records[i].Sequence < records[j].Sequence
	})

	c.logger.Info("replay starting",
		zap.Int("records", len(records)),
		zap.Time("start", start),
		zap.Time("end", end),
	)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.intake.Deliver(rec.Payload)
	}
	return nil
}
