package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfabric/datacore/internal/model"
)

type streamKey struct {
	id model.InstrumentID
	dt model.DataType
}

// MemoryCatalog keeps records in memory, ordered by timestamp then
// sequence. It backs tests and deterministic replay runs.
type MemoryCatalog struct {
	mu      sync.RWMutex
	streams map[streamKey][]Record
}

// NewMemoryCatalog returns an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{streams: make(map[streamKey][]Record)}
}

func (c *MemoryCatalog) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := streamKey{id: rec.InstrumentID, dt: rec.DataType}

	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.streams[key]
	records = append(records, rec)
	// Appends usually arrive in order; re-sort only when they do not.
	if n := len(records); n > 1 && recordLess(records[n-1], records[n-2]) {
		sort.SliceStable(records, func(i, j int) bool { return recordLess(records[i], records[j]) })
	}
	c.streams[key] = records
	return nil
}

func recordLess(a, b Record) bool {
	if !a.Ts.Equal(b.Ts) {
		return a.Ts.Before(b.Ts)
	}
	return a.Sequence < b.Sequence
}

func (c *MemoryCatalog) ReadRange(ctx context.Context, id model.InstrumentID, dt model.DataType, start, end time.Time) (Sequence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Record
	for _, rec := range c.streams[streamKey{id: id, dt: dt}] {
		if rec.Ts.Before(start) || !rec.Ts.Before(end) {
			continue
		}
		out = append(out, rec)
	}
	return NewSliceSequence(out), nil
}

// Len returns the number of records stored for a stream.
func (c *MemoryCatalog) Len(id model.InstrumentID, dt model.DataType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams[streamKey{id: id, dt: dt}])
}

func (c *MemoryCatalog) Close() error { return nil }
