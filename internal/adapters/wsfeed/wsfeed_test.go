package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/bus"
	"github.com/quantfabric/datacore/internal/cache"
	"github.com/quantfabric/datacore/internal/clock"
	"github.com/quantfabric/datacore/internal/engine"
	"github.com/quantfabric/datacore/internal/metrics"
	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

var btcusd = model.NewInstrumentID("TESTNET", "BTC-USD")

// wireMsg is the toy protocol the test venue speaks.
type wireMsg struct {
	Op     string `json:"op"`
	Stream string `json:"stream,omitempty"`
	Price  string `json:"price,omitempty"`
	Size   string `json:"size,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`
}

type testCodec struct{}

func (testCodec) SubscribeMessage(id model.InstrumentID, dt model.DataType) (any, error) {
	return wireMsg{Op: "subscribe", Stream: dt.String() + ":" + id.Symbol}, nil
}

func (testCodec) UnsubscribeMessage(id model.InstrumentID, dt model.DataType) (any, error) {
	return wireMsg{Op: "unsubscribe", Stream: dt.String() + ":" + id.Symbol}, nil
}

func (testCodec) SnapshotMessage(id model.InstrumentID) (any, error) {
	return wireMsg{Op: "snapshot", Stream: id.Symbol}, nil
}

func (testCodec) Decode(raw []byte) ([]any, error) {
	var m wireMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	switch m.Op {
	case "trade":
		price, err := decimal.NewFromString(m.Price)
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(m.Size)
		if err != nil {
			return nil, err
		}
		return []any{model.TradeTick{
			InstrumentID: btcusd,
			Price:        price,
			Size:         size,
			Sequence:     m.Seq,
			EventTime:    time.Now().UTC(),
		}}, nil
	case "heartbeat":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown op %q", m.Op)
	}
}

// testVenue is a websocket server that echoes a trade for every
// subscribe it receives and records the frames it saw.
type testVenue struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	frames   []wireMsg
	dropNext bool
	conns    int
}

func (v *testVenue) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	v.mu.Lock()
	v.conns++
	drop := v.dropNext
	v.dropNext = false
	v.mu.Unlock()
	if drop {
		conn.Close()
		return
	}
	defer conn.Close()

	for {
		var m wireMsg
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		v.mu.Lock()
		v.frames = append(v.frames, m)
		v.mu.Unlock()

		if m.Op == "subscribe" && strings.HasPrefix(m.Stream, "trade:") {
			_ = conn.WriteJSON(wireMsg{Op: "trade", Price: "100.5", Size: "2", Seq: 1})
		}
	}
}

func (v *testVenue) received(op string) []wireMsg {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []wireMsg
	for _, f := range v.frames {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type rig struct {
	engine *engine.DataEngine
	mbus   *bus.MessageBus
	client *Client
}

func newRig(t *testing.T, url string) *rig {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	mbus := bus.New(logger, m)
	c := cache.New(logger, cache.DefaultConfig(), mbus, nil)

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond

	eng := engine.New(logger, m, mbus, c, clock.NewLiveClock(nil), engine.DefaultConfig())
	client := New(logger, cfg, "testnet-01", "TESTNET", testCodec{})
	intake, err := eng.RegisterClient(client)
	require.NoError(t, err)
	client.Bind(intake)

	return &rig{engine: eng, mbus: mbus, client: client}
}

func TestClient_SubscribeDeliversDecodedFrames(t *testing.T) {
	venue := &testVenue{}
	server := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer server.Close()

	r := newRig(t, wsURL(server))
	ctx := context.Background()

	trades := make(chan model.TradeTick, 1)
	r.mbus.Subscribe("data.trade.TESTNET.BTC-USD", func(msg bus.Message) {
		trades <- msg.Payload.(model.TradeTick)
	})

	require.NoError(t, r.engine.Start(ctx))
	defer r.engine.Stop(ctx)

	_, err := r.engine.Subscribe(ctx, model.DataTrade, btcusd)
	require.NoError(t, err)

	select {
	case trade := <-trades:
		assert.True(t, trade.Price.Equal(decimal.RequireFromString("100.5")))
		assert.Equal(t, uint64(1), trade.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded trade")
	}

	subs := venue.received("subscribe")
	require.Len(t, subs, 1)
	assert.Equal(t, "trade:BTC-USD", subs[0].Stream)
}

func TestClient_ReconnectResubscribesAndRequestsSnapshots(t *testing.T) {
	venue := &testVenue{}
	server := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer server.Close()

	r := newRig(t, wsURL(server))
	ctx := context.Background()

	degraded := make(chan struct{}, 1)
	restored := make(chan struct{}, 1)
	r.mbus.Subscribe("events.client.testnet-01", func(msg bus.Message) {
		switch msg.Payload.(type) {
		case model.ClientDegraded:
			degraded <- struct{}{}
		case model.ClientRestored:
			restored <- struct{}{}
		}
	})

	require.NoError(t, r.engine.Start(ctx))
	defer r.engine.Stop(ctx)

	_, err := r.engine.SubscribeBook(ctx, btcusd, model.BookMBP)
	require.NoError(t, err)

	// Kill the current connection; the next accept succeeds.
	r.client.mu.Lock()
	conn := r.client.conn
	r.client.mu.Unlock()
	require.NotNil(t, conn)
	conn.Close()

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for degraded event")
	}
	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restored event")
	}

	require.Eventually(t, func() bool {
		return len(venue.received("snapshot")) >= 1
	}, 2*time.Second, 10*time.Millisecond, "reconnect requests a fresh book snapshot")

	subs := venue.received("subscribe")
	assert.GreaterOrEqual(t, len(subs), 2, "original subscribe plus resubscribe")
}

func TestClient_SubscribeRejectsForeignVenue(t *testing.T) {
	client := New(zap.NewNop(), DefaultConfig(), "testnet-01", "TESTNET", testCodec{})
	err := client.Subscribe(context.Background(), model.NewInstrumentID("BINANCE", "BTC-USD"), model.DataTrade)
	assert.ErrorIs(t, err, errs.ErrSubscription)
}

func TestClient_WriteWithoutConnectionFails(t *testing.T) {
	client := New(zap.NewNop(), DefaultConfig(), "testnet-01", "TESTNET", testCodec{})
	err := client.RequestSnapshot(context.Background(), btcusd)
	assert.ErrorIs(t, err, errs.ErrConnection)
}

func TestJitter_StaysNearDelay(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}
