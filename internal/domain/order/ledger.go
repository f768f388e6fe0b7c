package order

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by Ledger.GetPending when the identifier has no
// pending entry.
var ErrNotFound = errors.New("pending order not found")

// AdmitOutcome classifies the result of Ledger.Admit.
type AdmitOutcome int

const (
	// Admitted means the identifier was unseen and is now pending.
	Admitted AdmitOutcome = iota
	// AlreadyPending means the identifier was pending and announced; its
	// snapshot was replaced.
	AlreadyPending
	// AlreadyProcessed means the identifier is terminal; nothing changed.
	AlreadyProcessed
	// PendingUnannounced means the identifier was pending but no operator
	// received its notification yet; its snapshot was replaced.
	PendingUnannounced
)

func (a AdmitOutcome) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyPending:
		return "already_pending"
	case AlreadyProcessed:
		return "already_processed"
	case PendingUnannounced:
		return "pending_unannounced"
	default:
		return "unknown"
	}
}

// Counts summarizes ledger contents.
type Counts struct {
	Pending   int
	Processed int
}

// Ledger is the durable record of pending and processed order identifiers.
//
// An identifier lives in at most one of the two stores. Once processed it is
// never removed.
type Ledger interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error

	PutPending(ctx context.Context, o Order) error
	GetPending(ctx context.Context, id string) (*Order, error)
	RemovePending(ctx context.Context, id string) error

	// Admit inserts o as pending unless its identifier is already processed.
	// An existing pending entry is overwritten with the new snapshot, keeping
	// its Notified flag.
	Admit(ctx context.Context, o Order) (AdmitOutcome, error)
	// MarkNotified records that at least one operator received the pending
	// order's notification. Unknown identifiers are ignored.
	MarkNotified(ctx context.Context, id string) error
	// Promote moves id from pending to processed in one step.
	Promote(ctx context.Context, id string) error

	ListPending(ctx context.Context) ([]Order, error)
	ListProcessed(ctx context.Context) ([]string, error)
	Counts(ctx context.Context) (Counts, error)
}
