// Package wsfeed is a generic websocket venue client. Venue specifics
// live in an injected Codec that translates between the wire format and
// normalized model types; the client owns the connection lifecycle:
// dial, read loop, exponential-backoff reconnect, and resubscription.
package wsfeed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/engine"
	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

// Codec translates between a venue's wire protocol and normalized
// messages. Encode results are sent as JSON frames; Decode may return
// zero messages for frames the engine does not care about (heartbeats,
// acks).
type Codec interface {
	// SubscribeMessage builds the wire payload subscribing a stream.
	SubscribeMessage(id model.InstrumentID, dt model.DataType) (any, error)

	// UnsubscribeMessage builds the wire payload releasing a stream.
	UnsubscribeMessage(id model.InstrumentID, dt model.DataType) (any, error)

	// SnapshotMessage builds the wire payload requesting an authoritative
	// book snapshot, or errs.ErrNotSupported when the venue has none.
	SnapshotMessage(id model.InstrumentID) (any, error)

	// Decode normalizes one raw frame into model messages.
	Decode(raw []byte) ([]any, error)
}

// Config carries the websocket client tunables.
type Config struct {
	URL          string        `json:"url"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadLimit    int64         `json:"read_limit"`
	PingInterval time.Duration `json:"ping_interval"`
	// BackoffMin/BackoffMax bound the reconnect delay; each failed
	// attempt doubles the delay up to the cap, with jitter.
	BackoffMin time.Duration `json:"backoff_min"`
	BackoffMax time.Duration `json:"backoff_max"`
}

// DefaultConfig returns the websocket client defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		ReadLimit:    1 << 20,
		PingInterval: 15 * time.Second,
		BackoffMin:   250 * time.Millisecond,
		BackoffMax:   30 * time.Second,
	}
}

type subKey struct {
	id model.InstrumentID
	dt model.DataType
}

// Client is a websocket-backed engine.DataClient. It also implements
// engine.SnapshotRequester when the codec supports snapshot requests.
type Client struct {
	logger *zap.Logger
	cfg    Config
	id     string
	venue  model.Venue
	codec  Codec
	intake *engine.Intake

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[subKey]struct{}

	runCtx context.Context
	stop   context.CancelFunc
	done   chan struct{}
}

// New returns an unconnected client for one venue endpoint.
func New(logger *zap.Logger, cfg Config, id string, venue model.Venue, codec Codec) *Client {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Client{
		logger: logger.Named("wsfeed").With(zap.String("venue", string(venue))),
		cfg:    cfg,
		id:     id,
		venue:  venue,
		codec:  codec,
		subs:   make(map[subKey]struct{}),
	}
}

// Bind hands the client its engine intake. Must be called before Connect.
func (c *Client) Bind(intake *engine.Intake) { c.intake = intake }

func (c *Client) ID() string         { return c.id }
func (c *Client) Venue() model.Venue { return c.venue }

// Connect dials the endpoint and starts the supervised read loop. The
// loop reconnects on read failure until Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	if c.intake == nil {
		return fmt.Errorf("wsfeed: client %s not bound to an engine", c.id)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.runCtx, c.stop = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()
	c.logger.Info("connected", zap.String("url", c.cfg.URL))
	return nil
}

// Disconnect stops the read loop and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	stop, done, conn := c.stop, c.done, c.conn
	c.conn = nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info("disconnected")
	return nil
}

func (c *Client) Subscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error {
	if id.Venue != c.venue {
		return fmt.Errorf("wsfeed: %s is not on venue %s: %w", id, c.venue, errs.ErrSubscription)
	}
	msg, err := c.codec.SubscribeMessage(id, dt)
	if err != nil {
		return err
	}
	if err := c.writeJSON(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[subKey{id: id, dt: dt}] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error {
	msg, err := c.codec.UnsubscribeMessage(id, dt)
	if err != nil {
		return err
	}
	if err := c.writeJSON(msg); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, subKey{id: id, dt: dt})
	c.mu.Unlock()
	return nil
}

// RequestSnapshot asks the venue to re-send the authoritative book image.
func (c *Client) RequestSnapshot(ctx context.Context, id model.InstrumentID) error {
	msg, err := c.codec.SnapshotMessage(id)
	if err != nil {
		return err
	}
	return c.writeJSON(msg)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: dial %s: %w: %v", c.cfg.URL, errs.ErrConnection, err)
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	return conn, nil
}

func (c *Client) writeJSON(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("wsfeed: client %s not connected: %w", c.id, errs.ErrConnection)
	}
	return c.conn.WriteJSON(msg)
}

// readLoop reads frames until the connection fails, then reconnects with
// exponential backoff and replays the subscription set. The engine is
// told about both edges so it can pause and resync.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.runCtx.Err() != nil {
				return
			}
			c.logger.Warn("read failed, reconnecting", zap.Error(err))
			c.intake.NotifyDisconnected()
			if !c.reconnect() {
				return
			}
			continue
		}

		msgs, err := c.codec.Decode(raw)
		if err != nil {
			c.logger.Warn("frame decode failed", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		for _, msg := range msgs {
			c.intake.Deliver(msg)
		}
	}
}

// reconnect dials until it succeeds or the client is stopped, then
// resubscribes every stream and requests fresh snapshots so books
// rebuild from an authoritative image before incremental deltas resume.
func (c *Client) reconnect() bool {
	delay := c.cfg.BackoffMin
	for attempt := 1; ; attempt++ {
		select {
		case <-c.runCtx.Done():
			return false
		case <-time.After(jitter(delay)):
		}

		conn, err := c.dial(c.runCtx)
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("next_delay", delay),
				zap.Error(err),
			)
			delay *= 2
			if delay > c.cfg.BackoffMax {
				delay = c.cfg.BackoffMax
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		keys := make([]subKey, 0, len(c.subs))
		for k := range c.subs {
			keys = append(keys, k)
		}
		c.mu.Unlock()

		for _, k := range keys {
			if msg, err := c.codec.SubscribeMessage(k.id, k.dt); err == nil {
				if err := c.writeJSON(msg); err != nil {
					c.logger.Warn("resubscribe failed", zap.String("instrument", k.id.String()), zap.Error(err))
				}
			}
			if k.dt != model.DataDelta {
				continue
			}
			if msg, err := c.codec.SnapshotMessage(k.id); err == nil {
				if err := c.writeJSON(msg); err != nil {
					c.logger.Warn("snapshot request failed", zap.String("instrument", k.id.String()), zap.Error(err))
				}
			}
		}

		c.logger.Info("reconnected", zap.Int("attempt", attempt), zap.Int("streams", len(keys)))
		c.intake.NotifyReconnected()
		return true
	}
}

// jitter spreads reconnect storms out by randomizing +-20% of the delay.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
