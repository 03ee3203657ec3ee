// Package engine orchestrates the data pipeline: it owns the venue
// clients, drives order-book and bar state from their normalized
// messages, publishes events on the message bus, and writes snapshots
// through to the cache.
//
// All state mutation happens on one goroutine (the run loop), so a given
// input sequence produces identical state transitions live and in
// replay. Clients are independent producers feeding bounded intake
// channels; the loop merges across them by event timestamp without ever
// reordering a single client's stream.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/datacore/internal/bars"
	"github.com/quantfabric/datacore/internal/book"
	"github.com/quantfabric/datacore/internal/bus"
	"github.com/quantfabric/datacore/internal/cache"
	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/clock"
	"github.com/quantfabric/datacore/internal/metrics"
	"github.com/quantfabric/datacore/internal/model"
)

// Config carries the engine tunables.
type Config struct {
	// IntakeBuffer bounds each client's intake channel; a full channel
	// blocks the producing client (backpressure, never silent drops).
	IntakeBuffer int `json:"intake_buffer"`
	// SnapshotDepth is how many levels per side book snapshots carry.
	SnapshotDepth int `json:"snapshot_depth"`
	// DefaultBookType is used when a delta subscription does not choose.
	DefaultBookType model.BookType `json:"default_book_type"`
	// DefaultRequestTimeout bounds historical requests that carry none.
	DefaultRequestTimeout time.Duration `json:"default_request_timeout"`
	// Bars carries bar aggregation tunables.
	Bars bars.Config `json:"bars"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		IntakeBuffer:          4096,
		SnapshotDepth:         10,
		DefaultBookType:       model.BookMBP,
		DefaultRequestTimeout: 30 * time.Second,
	}
}

type streamKey struct {
	id model.InstrumentID
	dt model.DataType
}

// aggEntry tracks one live bar aggregator and the timer driving it when
// the aggregation is time-based.
type aggEntry struct {
	agg       bars.Aggregator
	timerName string
}

type engineCmd struct {
	apply func() (any, error)
	reply chan cmdReply
}

type cmdReply struct {
	value any
	err   error
}

// DataEngine is the pipeline orchestrator.
type DataEngine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	mbus    *bus.MessageBus
	cache   *cache.Cache
	clk     clock.Clock

	appender *catalog.AsyncAppender // optional durability write-through
	reader   catalog.Reader         // optional historical playback source

	mu      sync.RWMutex
	handles map[string]*clientHandle
	venues  map[model.Venue]string // venue -> client id

	// Loop-owned state: touched only from the run loop goroutine.
	books    map[model.InstrumentID]*book.OrderBook
	bookType map[model.InstrumentID]model.BookType
	aggs     map[string]*aggEntry // keyed by BarType.String()
	lastSeq  map[streamKey]uint64
	resyncs  map[model.InstrumentID]bool // resync in flight per instrument

	subs    map[string]*subEntry // keyed by subscription key
	bySubID map[uuid.UUID]subRef

	cmdCh  chan engineCmd
	timeCh chan clock.TimeEvent
	wake   chan struct{}

	runCtx  context.Context
	stop    context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures optional collaborators.
type Option func(*DataEngine)

// WithAppender wires asynchronous catalog durability for every
// normalized event the engine publishes.
func WithAppender(a *catalog.AsyncAppender) Option {
	return func(e *DataEngine) { e.appender = a }
}

// WithReader wires the historical playback source used when no live
// client can serve a range request.
func WithReader(r catalog.Reader) Option {
	return func(e *DataEngine) { e.reader = r }
}

// New builds a stopped engine.
func New(logger *zap.Logger, m *metrics.Metrics, mbus *bus.MessageBus, c *cache.Cache, clk clock.Clock, cfg Config, opts ...Option) *DataEngine {
	if cfg.IntakeBuffer <= 0 {
		cfg.IntakeBuffer = DefaultConfig().IntakeBuffer
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = DefaultConfig().SnapshotDepth
	}
	if cfg.DefaultBookType == 0 {
		cfg.DefaultBookType = model.BookMBP
	}
	if cfg.DefaultRequestTimeout <= 0 {
		cfg.DefaultRequestTimeout = DefaultConfig().DefaultRequestTimeout
	}
	e := &DataEngine{
		cfg:      cfg,
		logger:   logger.Named("engine"),
		metrics:  m,
		mbus:     mbus,
		cache:    c,
		clk:      clk,
		handles:  make(map[string]*clientHandle),
		venues:   make(map[model.Venue]string),
		books:    make(map[model.InstrumentID]*book.OrderBook),
		bookType: make(map[model.InstrumentID]model.BookType),
		aggs:     make(map[string]*aggEntry),
		lastSeq:  make(map[streamKey]uint64),
		resyncs:  make(map[model.InstrumentID]bool),
		subs:     make(map[string]*subEntry),
		bySubID:  make(map[uuid.UUID]subRef),
		cmdCh:    make(chan engineCmd, 64),
		timeCh:   make(chan clock.TimeEvent, 256),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterClient adds a venue adapter and returns its intake. One client
// per venue; registration happens before Start.
func (e *DataEngine) RegisterClient(client DataClient) (*Intake, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := client.ID()
	if _, exists := e.handles[id]; exists {
		return nil, fmt.Errorf("engine: client %q already registered", id)
	}
	if owner, exists := e.venues[client.Venue()]; exists {
		return nil, fmt.Errorf("engine: venue %s already owned by client %q", client.Venue(), owner)
	}

	intake := &Intake{
		clientID: id,
		ch:       make(chan any, e.cfg.IntakeBuffer),
		wake:     e.wake,
	}
	e.handles[id] = &clientHandle{client: client, intake: intake}
	e.venues[client.Venue()] = id
	e.logger.Info("client registered",
		zap.String("client_id", id),
		zap.String("venue", string(client.Venue())),
	)
	return intake, nil
}

// OnTimeEvent routes a fired clock timer into the engine. Live clocks
// are wired to this at startup.
func (e *DataEngine) OnTimeEvent(ev clock.TimeEvent) {
	e.timeCh <- ev
}

// Start connects every registered client and launches the run loop.
func (e *DataEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.started = true
	handles := make([]*clientHandle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.runCtx, e.stop = context.WithCancel(ctx)
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error { return h.client.Connect(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: connect clients: %w", err)
	}

	go e.run()
	e.logger.Info("data engine started", zap.Int("clients", len(handles)))
	return nil
}

// Stop halts the run loop, discards partial bars, and disconnects the
// clients. Partially accumulated bars are never emitted.
func (e *DataEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	stop := e.stop
	handles := make([]*clientHandle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	stop()
	<-e.done

	for _, entry := range e.aggs {
		entry.agg.Stop()
		if entry.timerName != "" {
			e.clk.CancelTimer(entry.timerName)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error { return h.client.Disconnect(gctx) })
	}
	err := g.Wait()
	e.logger.Info("data engine stopped")
	return err
}

// run is the single sequential path: every book apply, bar update, cache
// write, and bus publish happens here.
func (e *DataEngine) run() {
	defer close(e.done)
	for {
		h := e.nextReady()
		if h != nil {
			// Commands and due timer events are interleaved ahead of
			// data so control stays responsive under load.
			select {
			case cmd := <-e.cmdCh:
				e.runCommand(cmd)
				continue
			case ev := <-e.timeCh:
				e.handleTime(ev)
				continue
			default:
			}
			msg := h.pending
			h.pending = nil
			e.process(h, msg)
			continue
		}

		select {
		case <-e.runCtx.Done():
			e.drainCommands()
			return
		case cmd := <-e.cmdCh:
			e.runCommand(cmd)
		case ev := <-e.timeCh:
			e.handleTime(ev)
		case <-e.wake:
		}
	}
}

// nextReady stages one message per client and returns the handle whose
// staged message has the earliest event timestamp. Staging preserves
// each client's order; selection interleaves across clients by time.
func (e *DataEngine) nextReady() *clientHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		selected *clientHandle
		earliest time.Time
	)
	for _, h := range e.handles {
		if h.pending == nil {
			select {
			case msg := <-h.intake.ch:
				h.pending = msg
				e.metrics.IntakeDepth.WithLabelValues(h.intake.clientID).Set(float64(len(h.intake.ch)))
			default:
			}
		}
		if h.pending == nil {
			continue
		}
		ts := messageTime(h.pending)
		if selected == nil || ts.Before(earliest) {
			selected = h
			earliest = ts
		}
	}
	return selected
}

// messageTime extracts the merge timestamp of an intake message.
// Messages without an event time sort first so they are handled
// promptly.
func messageTime(msg any) time.Time {
	switch m := msg.(type) {
	case model.Tick:
		return m.TsEvent()
	case clientStatus:
		return m.at
	default:
		return time.Time{}
	}
}

func (e *DataEngine) drainCommands() {
	for {
		select {
		case cmd := <-e.cmdCh:
			cmd.reply <- cmdReply{err: fmt.Errorf("engine: stopped")}
		default:
			return
		}
	}
}

// handleTime advances time-driven bar aggregators. Timer names carry the
// bar type they drive.
func (e *DataEngine) handleTime(ev clock.TimeEvent) {
	name, ok := strings.CutPrefix(ev.Name, "bars.")
	if !ok {
		return
	}
	entry, ok := e.aggs[name]
	if !ok {
		return
	}
	if ta, ok := entry.agg.(*bars.TimeAggregator); ok {
		ta.OnTime(ev.At)
	}
}
