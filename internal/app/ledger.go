package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/orderbridge/internal/domain/order"
	"github.com/xenking/orderbridge/internal/storage/file"
	"github.com/xenking/orderbridge/internal/storage/postgres"
	"github.com/xenking/orderbridge/pkg/health"
)

// LedgerOptions selects the ledger backend. A non-empty DatabaseURL selects
// PostgreSQL; otherwise the two JSON documents are used.
type LedgerOptions struct {
	DatabaseURL   string
	ProcessedPath string
	PendingPath   string
	// Exclusive takes the file ledger lock for as long as the ledger is
	// open. Opening fails with file.ErrLocked when another writer holds it.
	// PostgreSQL serializes writers itself and ignores the flag.
	Exclusive bool
}

// LedgerOptions returns the backend selection from cfg. The server is the
// exclusive writer of a file ledger.
func (c *Config) LedgerOptions() LedgerOptions {
	return LedgerOptions{
		DatabaseURL:   c.DatabaseURL,
		ProcessedPath: c.Ledger.ProcessedPath,
		PendingPath:   c.Ledger.PendingPath,
		Exclusive:     true,
	}
}

// Ledger is an opened order.Ledger with its readiness check.
type Ledger struct {
	order.Ledger

	// Name labels the readiness check.
	Name  string
	Check health.CheckFunc

	close func()
}

// Close releases backend resources.
func (l *Ledger) Close() {
	if l.close != nil {
		l.close()
	}
}

// OpenLedger opens the backend selected by opts. The PostgreSQL backend
// applies the embedded schema before returning.
func OpenLedger(ctx context.Context, opts LedgerOptions, lg *zap.Logger) (*Ledger, error) {
	if opts.DatabaseURL == "" {
		var release func()
		if opts.Exclusive {
			unlock, err := file.Lock(opts.PendingPath)
			if err != nil {
				return nil, errors.Wrap(err, "lock file ledger")
			}
			release = func() {
				if err := unlock(); err != nil {
					lg.Warn("Failed to release ledger lock", zap.Error(err))
				}
			}
		}
		fl := file.Open(opts.ProcessedPath, opts.PendingPath, lg.Named("ledger"))
		lg.Info("Using file ledger",
			zap.String("processed", opts.ProcessedPath),
			zap.String("pending", opts.PendingPath),
			zap.Bool("exclusive", opts.Exclusive),
		)
		return &Ledger{Ledger: fl, Name: "ledger-files", Check: fl.Writable, close: release}, nil
	}

	pool, err := postgres.NewPool(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	pl := postgres.NewLedger(pool)
	lg.Info("Using PostgreSQL ledger")
	return &Ledger{Ledger: pl, Name: "postgres", Check: pl.Ping, close: pool.Close}, nil
}
