// Command ledgerctl inspects and maintains the order ledger of an
// orderbridge deployment. It works on both the file and PostgreSQL backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appkg "github.com/xenking/orderbridge/internal/app"
	"github.com/xenking/orderbridge/internal/storage/file"
)

type rootOptions struct {
	ledger    appkg.LedgerOptions
	publicURL string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Inspect and maintain the orderbridge order ledger",
		Long: `Inspect and maintain the orderbridge order ledger.

With the file backend the server keeps the ledger in memory and rewrites
the documents on every change. Mutating commands take the same lock as the
server and refuse to run while it is up.`,
		SilenceUsage: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.ledger.DatabaseURL, "database-url", envOr("", "ORDERBRIDGE_DATABASE_URL", "DATABASE_URL"),
		"PostgreSQL URL; selects the PostgreSQL backend")
	f.StringVar(&opts.ledger.ProcessedPath, "processed", envOr("pedidos_procesados.json", "ORDERBRIDGE_LEDGER_PROCESSED_PATH"),
		"processed ids document")
	f.StringVar(&opts.ledger.PendingPath, "pending", envOr("pedidos_pendientes.json", "ORDERBRIDGE_LEDGER_PENDING_PATH"),
		"pending orders document")
	f.StringVar(&opts.publicURL, "public-url", envOr("", "ORDERBRIDGE_PUBLIC_URL"),
		"base URL used to print confirmation links")

	cmd.AddCommand(
		pendingCmd(opts),
		processedCmd(opts),
		exportCmd(opts),
		expireCmd(opts),
	)
	return cmd
}

// envOr returns the first non-empty environment variable among keys, or def.
func envOr(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// withLedger opens the selected backend for the duration of fn.
func withLedger(ctx context.Context, opts *rootOptions, fn func(*appkg.Ledger) error) error {
	lg, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	ledger, err := appkg.OpenLedger(ctx, opts.ledger, lg)
	if errors.Is(err, file.ErrLocked) {
		return errors.Wrap(err, "stop the server first")
	}
	if err != nil {
		return err
	}
	defer ledger.Close()
	return fn(ledger)
}
