package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/jplanetx/cryptoj-trader/internal/journal"
	"github.com/jplanetx/cryptoj-trader/internal/order"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// Schema is the DDL for the order book and journal tables. Decimal
// columns are NUMERIC so values round-trip without precision loss.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	type          TEXT NOT NULL,
	quantity      NUMERIC NOT NULL,
	limit_price   NUMERIC,
	stop_price    NUMERIC,
	trailing      BOOLEAN NOT NULL DEFAULT FALSE,
	trail_offset  NUMERIC,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	fill_price    NUMERIC,
	slippage      NUMERIC,
	trigger_price NUMERIC
);

CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	time        TIMESTAMPTZ NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL,
	data        JSONB
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (type, time);
`

// Default is the Postgres-backed Storage.
type Default struct {
	db *sql.DB
}

func New(db *sql.DB) (*Default, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Default{db: db}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

func (p *Default) SaveOrder(ctx context.Context, o order.Order) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, symbol, side, type, quantity, limit_price, stop_price,
			trailing, trail_offset, status, created_at, fill_price, slippage, trigger_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status, stop_price=EXCLUDED.stop_price,
			fill_price=EXCLUDED.fill_price, slippage=EXCLUDED.slippage,
			trigger_price=EXCLUDED.trigger_price`,
			o.ID, o.Symbol, string(o.Side), string(o.Type), o.Quantity.String(),
			nullDecimal(o.LimitPrice), nullDecimal(o.StopPrice),
			o.Trailing, nullDecimal(o.TrailOffset), string(o.Status), o.CreatedAt,
			nullDecimal(o.FillPrice), nullDecimal(o.Slippage), nullDecimal(o.TriggerPrice))
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
		return nil
	})
}

func (p *Default) GetOrder(ctx context.Context, id string) (order.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, symbol, side, type, quantity, limit_price, stop_price,
			trailing, trail_offset, status, created_at, fill_price, slippage, trigger_price
		FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return order.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

func (p *Default) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, symbol, side, type, quantity, limit_price, stop_price,
			trailing, trail_offset, status, created_at, fill_price, slippage, trigger_price
		FROM orders WHERE status=$1 ORDER BY created_at`, string(order.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Default) LogEvent(ctx context.Context, e journal.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			e.Time.UTC(), e.Type, e.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT time, type, description, data FROM events
		WHERE ($1 = '' OR type = $1) AND time >= $2 AND time <= $3
		ORDER BY time`, eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (order.Order, error) {
	var o order.Order
	var side, typ, status string
	var qty string
	var limitPrice, stopPrice, trailOffset, fillPrice, slippage, triggerPrice sql.NullString
	err := r.Scan(&o.ID, &o.Symbol, &side, &typ, &qty, &limitPrice, &stopPrice,
		&o.Trailing, &trailOffset, &status, &o.CreatedAt, &fillPrice, &slippage, &triggerPrice)
	if err != nil {
		return order.Order{}, err
	}
	o.Side = order.Side(side)
	o.Type = order.Type(typ)
	o.Status = order.Status(status)
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return order.Order{}, fmt.Errorf("bad quantity for order %s: %w", o.ID, err)
	}
	o.LimitPrice = parseNullDecimal(limitPrice)
	o.StopPrice = parseNullDecimal(stopPrice)
	o.TrailOffset = parseNullDecimal(trailOffset)
	o.FillPrice = parseNullDecimal(fillPrice)
	o.Slippage = parseNullDecimal(slippage)
	o.TriggerPrice = parseNullDecimal(triggerPrice)
	return o, nil
}

func nullDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func parseNullDecimal(s sql.NullString) decimal.Decimal {
	if !s.Valid {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}
