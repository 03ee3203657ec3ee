package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/datacore/internal/model"
)

// PostgresConfig configures the Postgres-backed catalog.
type PostgresConfig struct {
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

// PostgresCatalog persists normalized records in a single table with a
// JSONB payload column and serves lazy range reads for historical
// playback. Rows are keyed (instrument_id, data_type, ts, sequence).
type PostgresCatalog struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresCatalog connects the pool and ensures the schema exists.
func NewPostgresCatalog(ctx context.Context, cfg PostgresConfig) (*PostgresCatalog, error) {
	if cfg.Table == "" {
		cfg.Table = "market_records"
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("catalog: connect postgres: %w", err)
	}
	c := &PostgresCatalog{pool: pool, table: cfg.Table}
	if err := c.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCatalog) ensureSchema(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			instrument_id TEXT        NOT NULL,
			data_type     TEXT        NOT NULL,
			ts            TIMESTAMPTZ NOT NULL,
			sequence      BIGINT      NOT NULL,
			payload       JSONB       NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s_range_idx
			ON %s (instrument_id, data_type, ts, sequence);
	`, c.table, c.table, c.table))
	if err != nil {
		return fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("catalog: encode payload: %w", err)
	}
	_, err = c.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (instrument_id, data_type, ts, sequence, payload) VALUES ($1, $2, $3, $4, $5)`,
		c.table,
	), rec.InstrumentID.String(), rec.DataType.String(), rec.Ts, int64(rec.Sequence), payload)
	return err
}

// ReadRange returns a lazy sequence backed by a server-side cursor; rows
// are decoded on demand as the caller iterates.
func (c *PostgresCatalog) ReadRange(ctx context.Context, id model.InstrumentID, dt model.DataType, start, end time.Time) (Sequence, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(
		`SELECT ts, sequence, payload FROM %s
		 WHERE instrument_id = $1 AND data_type = $2 AND ts >= $3 AND ts < $4
		 ORDER BY ts, sequence`,
		c.table,
	), id.String(), dt.String(), start, end)
	if err != nil {
		return nil, err
	}
	return &pgSequence{rows: rows, id: id, dt: dt}, nil
}

func (c *PostgresCatalog) Close() error {
	c.pool.Close()
	return nil
}

type pgSequence struct {
	rows pgx.Rows
	id   model.InstrumentID
	dt   model.DataType
}

func (s *pgSequence) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		s.rows.Close()
		return Record{}, err
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, io.EOF
	}

	var (
		ts      time.Time
		seq     int64
		payload []byte
	)
	if err := s.rows.Scan(&ts, &seq, &payload); err != nil {
		return Record{}, err
	}
	decoded, err := decodePayload(s.dt, payload)
	if err != nil {
		return Record{}, err
	}
	return Record{
		InstrumentID: s.id,
		DataType:     s.dt,
		Ts:           ts,
		Sequence:     uint64(seq),
		Payload:      decoded,
	}, nil
}

func (s *pgSequence) Close() error {
	s.rows.Close()
	return nil
}

func decodePayload(dt model.DataType, payload []byte) (any, error) {
	switch dt {
	case model.DataQuote:
		var q model.QuoteTick
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, err
		}
		return q, nil
	case model.DataTrade:
		var t model.TradeTick
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	case model.DataDelta:
		var d model.OrderBookDelta
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, err
		}
		return d, nil
	case model.DataBar:
		var b model.Bar
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("catalog: undecodable data type %s", dt)
	}
}
