// Package postgres implements order.Ledger on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderbridge/internal/domain/order"
)

const (
	lockOrderSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	isProcessedSQL = `SELECT EXISTS (SELECT 1 FROM processed_orders WHERE id = $1)`

	markProcessedSQL = `INSERT INTO processed_orders (id) VALUES ($1)
	ON CONFLICT (id) DO NOTHING`

	upsertPendingSQL = `INSERT INTO pending_orders (id, snapshot, total_price, received_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE
	SET snapshot = EXCLUDED.snapshot,
	    total_price = EXCLUDED.total_price,
	    received_at = EXCLUDED.received_at
	RETURNING (xmax = 0) AS inserted,
	          COALESCE((snapshot->>'notified')::boolean, false) AS notified`

	// admitPendingSQL refreshes the snapshot but keeps the stored notified flag.
	admitPendingSQL = `INSERT INTO pending_orders (id, snapshot, total_price, received_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE
	SET snapshot = EXCLUDED.snapshot || jsonb_build_object(
	        'notified', COALESCE((pending_orders.snapshot->>'notified')::boolean, false)),
	    total_price = EXCLUDED.total_price,
	    received_at = EXCLUDED.received_at
	RETURNING (xmax = 0) AS inserted,
	          COALESCE((snapshot->>'notified')::boolean, false) AS notified`

	markNotifiedSQL = `UPDATE pending_orders
	SET snapshot = jsonb_set(snapshot, '{notified}', 'true'::jsonb)
	WHERE id = $1`

	getPendingSQL = `SELECT snapshot FROM pending_orders WHERE id = $1`

	removePendingSQL = `DELETE FROM pending_orders WHERE id = $1`

	listPendingSQL = `SELECT snapshot FROM pending_orders ORDER BY received_at, id`

	listProcessedSQL = `SELECT id FROM processed_orders ORDER BY id`

	countsSQL = `SELECT
	(SELECT count(*) FROM pending_orders),
	(SELECT count(*) FROM processed_orders)`
)

var _ order.Ledger = (*Ledger)(nil)

// Ledger stores pending snapshots as JSONB and processed ids in their own
// table. Admit and Promote serialize per order id with a transaction-scoped
// advisory lock.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger returns a Ledger that uses the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Ping checks database connectivity.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// IsProcessed reports whether id is in processed_orders.
func (l *Ledger) IsProcessed(ctx context.Context, id string) (bool, error) {
	return isProcessed(ctx, l.pool, id)
}

// MarkProcessed inserts id into processed_orders. It is idempotent.
func (l *Ledger) MarkProcessed(ctx context.Context, id string) error {
	if _, err := l.pool.Exec(ctx, markProcessedSQL, id); err != nil {
		return errors.Wrapf(err, "mark processed %q", id)
	}
	return nil
}

// PutPending inserts or replaces the pending snapshot of o.
func (l *Ledger) PutPending(ctx context.Context, o order.Order) error {
	_, _, err := upsertPending(ctx, l.pool, upsertPendingSQL, o)
	return err
}

// GetPending returns the pending snapshot of id or order.ErrNotFound.
func (l *Ledger) GetPending(ctx context.Context, id string) (*order.Order, error) {
	var snapshot []byte
	if err := l.pool.QueryRow(ctx, getPendingSQL, id).Scan(&snapshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get pending %q", id)
	}
	return decodeSnapshot(snapshot)
}

// RemovePending deletes the pending snapshot of id, if any.
func (l *Ledger) RemovePending(ctx context.Context, id string) error {
	if _, err := l.pool.Exec(ctx, removePendingSQL, id); err != nil {
		return errors.Wrapf(err, "remove pending %q", id)
	}
	return nil
}

// Admit inserts or refreshes the pending snapshot unless the id is processed.
func (l *Ledger) Admit(ctx context.Context, o order.Order) (outcome order.AdmitOutcome, err error) {
	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockOrderSQL, o.ID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		processed, err := isProcessed(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if processed {
			outcome = order.AlreadyProcessed
			return nil
		}
		inserted, notified, err := upsertPending(ctx, tx, admitPendingSQL, o)
		if err != nil {
			return err
		}
		switch {
		case inserted:
			outcome = order.Admitted
		case !notified:
			outcome = order.PendingUnannounced
		default:
			outcome = order.AlreadyPending
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "admit %q", o.ID)
	}
	return outcome, nil
}

// MarkNotified sets the notified flag inside the pending snapshot of id.
func (l *Ledger) MarkNotified(ctx context.Context, id string) error {
	if _, err := l.pool.Exec(ctx, markNotifiedSQL, id); err != nil {
		return errors.Wrapf(err, "mark notified %q", id)
	}
	return nil
}

// Promote records id as processed and drops its pending snapshot in one
// transaction.
func (l *Ledger) Promote(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockOrderSQL, id); err != nil {
			return errors.Wrap(err, "lock order")
		}
		if _, err := tx.Exec(ctx, markProcessedSQL, id); err != nil {
			return errors.Wrap(err, "mark processed")
		}
		if _, err := tx.Exec(ctx, removePendingSQL, id); err != nil {
			return errors.Wrap(err, "remove pending")
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "promote %q", id)
	}
	return nil
}

// ListPending returns pending snapshots ordered by receipt time.
func (l *Ledger) ListPending(ctx context.Context) ([]order.Order, error) {
	rows, err := l.pool.Query(ctx, listPendingSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list pending")
	}
	snapshots, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, errors.Wrap(err, "scan pending")
	}

	out := make([]order.Order, 0, len(snapshots))
	for _, raw := range snapshots {
		o, err := decodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// ListProcessed returns processed ids in lexical order.
func (l *Ledger) ListProcessed(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, listProcessedSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list processed")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan processed")
	}
	return ids, nil
}

// Counts returns the sizes of both tables.
func (l *Ledger) Counts(ctx context.Context) (order.Counts, error) {
	var pending, processed int64
	if err := l.pool.QueryRow(ctx, countsSQL).Scan(&pending, &processed); err != nil {
		return order.Counts{}, errors.Wrap(err, "count orders")
	}
	return order.Counts{Pending: int(pending), Processed: int(processed)}, nil
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isProcessed(ctx context.Context, q rowQuerier, id string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, isProcessedSQL, id).Scan(&exists); err != nil {
		return false, errors.Wrapf(err, "check processed %q", id)
	}
	return exists, nil
}

// upsertPending runs one of the pending upserts and reports whether the row
// was inserted and whether the stored snapshot is flagged as notified.
func upsertPending(ctx context.Context, q rowQuerier, sql string, o order.Order) (inserted, notified bool, err error) {
	snapshot, err := json.Marshal(o)
	if err != nil {
		return false, false, errors.Wrap(err, "marshal snapshot")
	}
	if err := q.QueryRow(ctx, sql,
		o.ID, snapshot, totalPrice(o), o.ReceivedAt,
	).Scan(&inserted, &notified); err != nil {
		return false, false, errors.Wrapf(err, "upsert pending %q", o.ID)
	}
	return inserted, notified, nil
}

// totalPrice parses the display total into a nullable NUMERIC value.
func totalPrice(o order.Order) decimal.NullDecimal {
	d, err := decimal.NewFromString(strings.TrimSpace(o.TotalPrice))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func decodeSnapshot(raw []byte) (*order.Order, error) {
	var o order.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	if o.LineItems == nil {
		o.LineItems = []order.LineItem{}
	}
	return &o, nil
}
