package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/orderbridge/internal/domain/order"
)

func paths(t *testing.T, ext string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "processed"+ext), filepath.Join(dir, "pending"+ext)
}

func sampleOrder(id string) order.Order {
	return order.Order{
		ID:         id,
		Number:     "#" + id,
		FirstName:  "Ana",
		Email:      "ana@example.com",
		Phone:      "+5491155550000",
		TotalPrice: "10.00",
		LineItems:  []order.LineItem{{Title: "Mate", Quantity: 1, Price: "10.00"}},
		ReceivedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestLedger_RoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".json.gz"} {
		t.Run(ext, func(t *testing.T) {
			ctx := context.Background()
			processedPath, pendingPath := paths(t, ext)

			l := Open(processedPath, pendingPath, zaptest.NewLogger(t))
			require.NoError(t, l.MarkProcessed(ctx, "1"))
			require.NoError(t, l.PutPending(ctx, sampleOrder("2")))
			require.NoError(t, l.PutPending(ctx, sampleOrder("3")))
			require.NoError(t, l.RemovePending(ctx, "3"))

			reopened := Open(processedPath, pendingPath, zaptest.NewLogger(t))

			processed, err := reopened.IsProcessed(ctx, "1")
			require.NoError(t, err)
			assert.True(t, processed)

			got, err := reopened.GetPending(ctx, "2")
			require.NoError(t, err)
			assert.Equal(t, sampleOrder("2"), *got)

			_, err = reopened.GetPending(ctx, "3")
			require.ErrorIs(t, err, order.ErrNotFound)

			counts, err := reopened.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, order.Counts{Pending: 1, Processed: 1}, counts)
		})
	}
}

func TestLedger_ProcessedDocumentIsSortedArray(t *testing.T) {
	ctx := context.Background()
	processedPath, pendingPath := paths(t, ".json")
	l := Open(processedPath, pendingPath, nil)

	for _, id := range []string{"b", "c", "a"} {
		require.NoError(t, l.MarkProcessed(ctx, id))
	}

	raw, err := os.ReadFile(processedPath)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b","c"]`, string(raw))
}

func TestLedger_CorruptDocumentsStartEmpty(t *testing.T) {
	ctx := context.Background()
	processedPath, pendingPath := paths(t, ".json")
	require.NoError(t, os.WriteFile(processedPath, []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(pendingPath, []byte("[1,2,3]"), 0o600))

	l := Open(processedPath, pendingPath, zaptest.NewLogger(t))

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, order.Counts{}, counts)

	// The next mutation overwrites the corrupt file.
	require.NoError(t, l.MarkProcessed(ctx, "9"))
	reopened := Open(processedPath, pendingPath, zaptest.NewLogger(t))
	ok, err := reopened.IsProcessed(ctx, "9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_AdmitAndPromote(t *testing.T) {
	ctx := context.Background()
	processedPath, pendingPath := paths(t, ".json")
	l := Open(processedPath, pendingPath, zaptest.NewLogger(t))

	outcome, err := l.Admit(ctx, sampleOrder("5"))
	require.NoError(t, err)
	assert.Equal(t, order.Admitted, outcome)

	outcome, err = l.Admit(ctx, sampleOrder("5"))
	require.NoError(t, err)
	assert.Equal(t, order.PendingUnannounced, outcome, "nobody was notified yet")

	require.NoError(t, l.MarkNotified(ctx, "5"))
	require.NoError(t, l.MarkNotified(ctx, "missing"))

	updated := sampleOrder("5")
	updated.Email = "new@example.com"
	outcome, err = l.Admit(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, order.AlreadyPending, outcome)

	got, err := l.GetPending(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)
	assert.True(t, got.Notified, "refresh keeps the notified flag")

	reopened := Open(processedPath, pendingPath, zaptest.NewLogger(t))
	got, err = reopened.GetPending(ctx, "5")
	require.NoError(t, err)
	assert.True(t, got.Notified)

	require.NoError(t, l.Promote(ctx, "5"))
	_, err = l.GetPending(ctx, "5")
	require.ErrorIs(t, err, order.ErrNotFound)

	processed, err := l.IsProcessed(ctx, "5")
	require.NoError(t, err)
	assert.True(t, processed)

	outcome, err = l.Admit(ctx, sampleOrder("5"))
	require.NoError(t, err)
	assert.Equal(t, order.AlreadyProcessed, outcome)

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, order.Counts{Pending: 0, Processed: 1}, counts)
}

func TestLedger_PrefilterGrowsWithSet(t *testing.T) {
	ctx := context.Background()
	processedPath, pendingPath := paths(t, ".json")
	l := Open(processedPath, pendingPath, nil)

	const n = initialFilterCapacity + 10
	for i := range n {
		l.mu.Lock()
		l.addProcessed(fmt.Sprintf("order-%d", i))
		l.mu.Unlock()
	}
	assert.Greater(t, l.filterCapacity, uint(initialFilterCapacity))

	for i := range n {
		ok, err := l.IsProcessed(ctx, fmt.Sprintf("order-%d", i))
		require.NoError(t, err)
		require.True(t, ok, "order-%d", i)
	}
	ok, err := l.IsProcessed(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_ListPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	processedPath, pendingPath := paths(t, ".json")
	l := Open(processedPath, pendingPath, nil)

	newer := sampleOrder("a")
	newer.ReceivedAt = newer.ReceivedAt.Add(time.Hour)
	require.NoError(t, l.PutPending(ctx, newer))
	require.NoError(t, l.PutPending(ctx, sampleOrder("b")))

	list, err := l.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestLedger_Writable(t *testing.T) {
	processedPath, pendingPath := paths(t, ".json")
	l := Open(processedPath, pendingPath, nil)
	require.NoError(t, l.Writable(context.Background()))

	missing := filepath.Join(t.TempDir(), "gone", "processed.json")
	broken := Open(missing, pendingPath, nil)
	require.Error(t, broken.Writable(context.Background()))
}

func TestLedger_WriteFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	// The parent "directory" is a regular file, so every write fails.
	l := Open(filepath.Join(blocker, "processed.json"), filepath.Join(blocker, "pending.json"), zaptest.NewLogger(t))

	outcome, err := l.Admit(ctx, sampleOrder("1"))
	require.NoError(t, err)
	assert.Equal(t, order.Admitted, outcome)

	got, err := l.GetPending(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ID)
}

func TestExpirePendingOnFileLedger(t *testing.T) {
	ctx := context.Background()
	processedPath, pendingPath := paths(t, ".json")
	l := Open(processedPath, pendingPath, nil)

	old := sampleOrder("old")
	require.NoError(t, l.PutPending(ctx, old))
	fresh := sampleOrder("fresh")
	fresh.ReceivedAt = old.ReceivedAt.Add(48 * time.Hour)
	require.NoError(t, l.PutPending(ctx, fresh))

	n, err := order.ExpirePending(ctx, l, old.ReceivedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := l.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].ID)
}
