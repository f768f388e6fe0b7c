package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/spf13/cobra"

	appkg "github.com/xenking/orderbridge/internal/app"
	"github.com/xenking/orderbridge/internal/domain/order"
)

func pendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List orders awaiting confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), opts, func(l *appkg.Ledger) error {
				return printPending(cmd.Context(), cmd.OutOrStdout(), l, opts.publicURL)
			})
		},
	}
}

func processedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "processed",
		Short: "List confirmed order ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), opts, func(l *appkg.Ledger) error {
				ids, err := l.ListProcessed(cmd.Context())
				if err != nil {
					return errors.Wrap(err, "list processed")
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func exportCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump the ledger as gzip-compressed JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), opts, func(l *appkg.Ledger) (rerr error) {
				w := cmd.OutOrStdout()
				if out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return errors.Wrap(err, "create output")
					}
					defer func() {
						if err := f.Close(); err != nil && rerr == nil {
							rerr = errors.Wrap(err, "close output")
						}
					}()
					w = f
				}
				return exportLedger(cmd.Context(), w, l)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "ledger.jsonl.gz", `output file ("-" for stdout)`)
	return cmd
}

func expireCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Drop pending orders received before now minus --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			opts.ledger.Exclusive = true
			return withLedger(cmd.Context(), opts, func(l *appkg.Ledger) error {
				n, err := order.ExpirePending(cmd.Context(), l, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d pending orders\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of expired orders")
	return cmd
}

func printPending(ctx context.Context, w io.Writer, l order.Ledger, publicURL string) error {
	orders, err := l.ListPending(ctx)
	if err != nil {
		return errors.Wrap(err, "list pending")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECEIVED\tCUSTOMER\tTOTAL\tLINK")
	for _, o := range orders {
		link := "-"
		if publicURL != "" {
			link = order.ConfirmURL(publicURL, o.ID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			o.ID,
			o.ReceivedAt.Format(time.RFC3339),
			o.FullName(),
			o.Total(),
			link,
		)
	}
	return tw.Flush()
}

// exportRecord is one line of the export stream.
type exportRecord struct {
	State string       `json:"state"`
	ID    string       `json:"id"`
	Order *order.Order `json:"order,omitempty"`
}

// exportLedger writes every pending order and then every processed id as
// JSON lines into a gzip stream.
func exportLedger(ctx context.Context, w io.Writer, l order.Ledger) (rerr error) {
	pending, err := l.ListPending(ctx)
	if err != nil {
		return errors.Wrap(err, "list pending")
	}
	processed, err := l.ListProcessed(ctx)
	if err != nil {
		return errors.Wrap(err, "list processed")
	}

	zw := pgzip.NewWriter(w)
	defer func() {
		if err := zw.Close(); err != nil && rerr == nil {
			rerr = errors.Wrap(err, "close gzip")
		}
	}()

	enc := json.NewEncoder(zw)
	for i := range pending {
		if err := enc.Encode(exportRecord{State: "pending", ID: pending[i].ID, Order: &pending[i]}); err != nil {
			return errors.Wrap(err, "encode pending")
		}
	}
	for _, id := range processed {
		if err := enc.Encode(exportRecord{State: "processed", ID: id}); err != nil {
			return errors.Wrap(err, "encode processed")
		}
	}
	return nil
}
