package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/metrics"
)

// AsyncAppender decouples catalog durability from the engine hot path:
// Enqueue never blocks, a background worker drains to the underlying
// appender. On overflow the oldest queued record is dropped and counted;
// durability lag must never stall market-data processing.
type AsyncAppender struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	under   Appender
	timeout time.Duration

	mu     sync.Mutex
	queue  chan Record
	done   chan struct{}
	closed bool
}

// NewAsyncAppender starts the drain worker. bufferSize bounds the queue;
// appendTimeout bounds each underlying append.
func NewAsyncAppender(logger *zap.Logger, m *metrics.Metrics, under Appender, bufferSize int, appendTimeout time.Duration) *AsyncAppender {
	if bufferSize <= 0 {
		bufferSize = 8192
	}
	if appendTimeout <= 0 {
		appendTimeout = time.Second
	}
	a := &AsyncAppender{
		logger:  logger.Named("catalog"),
		metrics: m,
		under:   under,
		timeout: appendTimeout,
		queue:   make(chan Record, bufferSize),
		done:    make(chan struct{}),
	}
	go a.drain()
	return a
}

// Enqueue queues a record for durability. It never blocks: when the
// queue is full the oldest record is evicted to make room.
func (a *AsyncAppender) Enqueue(rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for {
		select {
		case a.queue <- rec:
			return
		default:
		}
		select {
		case <-a.queue:
			a.metrics.CatalogDropped.Inc()
		default:
		}
	}
}

func (a *AsyncAppender) drain() {
	defer close(a.done)
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.under.Append(ctx, rec); err != nil {
			a.metrics.CatalogAppendErrs.Inc()
			a.logger.Warn("catalog append failed",
				zap.String("instrument", rec.InstrumentID.String()),
				zap.String("data_type", rec.DataType.String()),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting records, flushes the queue, and closes the
// underlying appender.
func (a *AsyncAppender) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.under.Close()
}
