//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/xenking/orderbridge/internal/domain/order"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("orderbridge"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	// Migrations are idempotent.
	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func sampleOrder(id string) order.Order {
	return order.Order{
		ID:         id,
		Number:     "#" + id,
		FirstName:  "Ana",
		Email:      "ana@example.com",
		Phone:      "+5491155550000",
		Currency:   "ARS",
		TotalPrice: "1500.00",
		LineItems:  []order.LineItem{{Title: "Mate", Quantity: 2, Price: "750.00"}},
		ReceivedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestLedger_Integration(t *testing.T) {
	pool := setupPool(t)
	l := NewLedger(pool)
	ctx := context.Background()

	require.NoError(t, l.Ping(ctx))

	t.Run("admit refresh promote", func(t *testing.T) {
		outcome, err := l.Admit(ctx, sampleOrder("100"))
		require.NoError(t, err)
		assert.Equal(t, order.Admitted, outcome)

		outcome, err = l.Admit(ctx, sampleOrder("100"))
		require.NoError(t, err)
		assert.Equal(t, order.PendingUnannounced, outcome)

		require.NoError(t, l.MarkNotified(ctx, "100"))

		refreshed := sampleOrder("100")
		refreshed.Email = "fixed@example.com"
		outcome, err = l.Admit(ctx, refreshed)
		require.NoError(t, err)
		assert.Equal(t, order.AlreadyPending, outcome)

		got, err := l.GetPending(ctx, "100")
		require.NoError(t, err)
		assert.Equal(t, "fixed@example.com", got.Email)
		assert.True(t, got.Notified, "refresh keeps the notified flag")
		assert.True(t, refreshed.ReceivedAt.Equal(got.ReceivedAt))

		var total string
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT total_price::text FROM pending_orders WHERE id = $1`, "100").Scan(&total))
		assert.Equal(t, "1500.00", total)

		require.NoError(t, l.Promote(ctx, "100"))
		_, err = l.GetPending(ctx, "100")
		require.ErrorIs(t, err, order.ErrNotFound)

		processed, err := l.IsProcessed(ctx, "100")
		require.NoError(t, err)
		assert.True(t, processed)

		outcome, err = l.Admit(ctx, sampleOrder("100"))
		require.NoError(t, err)
		assert.Equal(t, order.AlreadyProcessed, outcome)
	})

	t.Run("concurrent admits admit once", func(t *testing.T) {
		const workers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome, err := l.Admit(ctx, sampleOrder("200"))
				assert.NoError(t, err)
				if outcome == order.Admitted {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, admitted)
	})

	t.Run("lists and counts", func(t *testing.T) {
		for i := range 3 {
			o := sampleOrder(fmt.Sprintf("30%d", i))
			o.TotalPrice = "n/a"
			o.ReceivedAt = o.ReceivedAt.Add(time.Duration(i) * time.Minute)
			require.NoError(t, l.PutPending(ctx, o))
		}
		require.NoError(t, l.RemovePending(ctx, "301"))
		require.NoError(t, l.MarkProcessed(ctx, "999"))

		pending, err := l.ListPending(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(pending))
		for _, o := range pending {
			ids = append(ids, o.ID)
		}
		assert.Equal(t, []string{"200", "300", "302"}, ids)

		processed, err := l.ListProcessed(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"100", "999"}, processed)

		counts, err := l.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, order.Counts{Pending: 3, Processed: 2}, counts)
	})
}
